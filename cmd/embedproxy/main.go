package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/embedproxy/internal/cachestore"
	"github.com/xxxsen/embedproxy/internal/config"
	"github.com/xxxsen/embedproxy/internal/embedcache"
	"github.com/xxxsen/embedproxy/internal/handler"
	"github.com/xxxsen/embedproxy/internal/job"
	"github.com/xxxsen/embedproxy/internal/metrics"
	"github.com/xxxsen/embedproxy/internal/middleware"
	"github.com/xxxsen/embedproxy/internal/schedule"
	"github.com/xxxsen/embedproxy/internal/service"
	"github.com/xxxsen/embedproxy/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "embedproxy",
		Short: "caching proxy for OpenAI embeddings",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run embedproxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			store, err := cachestore.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open cache store: %w", err)
			}
			defer store.Close()
			return runServer(cfg, store)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json, defaults are used when empty")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Error("startup error", zap.Error(err))
		os.Exit(1)
	}
}

func runServer(cfg *config.Config, durable cachestore.Store) error {
	kind, _ := cachestore.ParseDatabasePath(cfg.DatabasePath)
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.String("listen", cfg.Listen),
		zap.String("cache_store", kind),
		zap.Int("lru_size", cfg.LRUSize()),
		zap.String("upstream", cfg.Upstream.BaseURL),
	)

	m := metrics.New()
	store := embedcache.WrapLRU(durable, cfg.LRUSize())
	up, err := upstream.New(cfg.Upstream.BaseURL, upstream.WithHTTPClient(&http.Client{}), upstream.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("init upstream: %w", err)
	}
	embeddingService := service.NewEmbeddingService(store, up, service.EmbeddingOptions{
		Timeout:      time.Duration(cfg.Upstream.EmbeddingsTimeoutMS) * time.Millisecond,
		DedupeMisses: cfg.Embeddings.DedupeMisses,
		Metrics:      m,
	})
	proxyService := service.NewProxyService(up, m)

	deps := handler.RouterDeps{
		Proxy:   handler.NewProxyHandler(handler.NewEmbeddingHandler(embeddingService), proxyService),
		Metrics: m,
	}
	engine, err := webapi.NewEngine(
		"/",
		cfg.Listen,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSAllowlist),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := schedule.NewCronScheduler()
	if err := scheduler.AddJob(job.NewCacheStatsJob(durable, m), cfg.StatsCron, schedule.WithRunOnStart()); err != nil {
		return fmt.Errorf("schedule cache stats: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logutil.GetLogger(context.Background()).Info("server stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
