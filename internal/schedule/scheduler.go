package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler interface {
	AddJob(job Job, spec string, opts ...JobOption) error
	Start(ctx context.Context)
	Stop()
}

type jobConfig struct {
	runOnStart bool
}

type JobOption func(*jobConfig)

// WithRunOnStart also runs the job once when the scheduler starts.
func WithRunOnStart() JobOption {
	return func(c *jobConfig) {
		c.runOnStart = true
	}
}

type CronScheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	onStart []func()
	ctx     atomic.Pointer[context.Context]
	wg      sync.WaitGroup
}

func NewCronScheduler() *CronScheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &CronScheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]cron.EntryID),
	}
}

func (c *CronScheduler) AddJob(job Job, spec string, opts ...JobOption) error {
	cfg := &jobConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	name := job.Name()
	if _, ok := c.entries[name]; ok {
		return fmt.Errorf("job %s already scheduled", name)
	}
	logger := logutil.GetLogger(context.Background()).With(zap.String("job", name), zap.String("spec", spec))
	fn := c.wrap(job, spec)
	entryID, err := c.cron.AddFunc(spec, fn)
	if err != nil {
		logger.Error("schedule job failed", zap.Error(err))
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	c.entries[name] = entryID
	if cfg.runOnStart {
		c.onStart = append(c.onStart, fn)
	}
	logger.Info("job scheduled", zap.Bool("run_on_start", cfg.runOnStart))
	return nil
}

func (c *CronScheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx.Store(&ctx)
	for _, fn := range c.onStart {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			fn()
		}()
	}
	c.cron.Start()
}

// Stop waits for running jobs to return, start-up runs included.
func (c *CronScheduler) Stop() {
	<-c.cron.Stop().Done()
	c.wg.Wait()
}

func (c *CronScheduler) runContext() context.Context {
	if p := c.ctx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

func (c *CronScheduler) wrap(job Job, spec string) func() {
	var running atomic.Bool
	return func() {
		ctx := c.runContext()
		logger := logutil.GetLogger(ctx).With(zap.String("job", job.Name()), zap.String("spec", spec))
		if !running.CompareAndSwap(false, true) {
			logger.Debug("job skipped, previous run still active")
			return
		}
		defer running.Store(false)

		start := time.Now()
		err := job.Run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			logger.Error("job failed", zap.Error(err), zap.Duration("duration", elapsed))
			return
		}
		logger.Debug("job finished", zap.Duration("duration", elapsed))
	}
}
