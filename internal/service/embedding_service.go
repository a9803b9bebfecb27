package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedproxy/internal/cachestore"
	"github.com/xxxsen/embedproxy/internal/embedcache"
	"github.com/xxxsen/embedproxy/internal/metrics"
	"github.com/xxxsen/embedproxy/internal/model"
	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
	"github.com/xxxsen/embedproxy/internal/upstream"
)

const (
	embeddingsPath           = "/v1/embeddings"
	defaultEmbeddingsTimeout = 2 * time.Second

	msgMissingInput      = "Embeddings call missing input"
	msgMissingModel      = "Embeddings call missing model"
	msgMissingDimensions = "Embeddings call missing dimensions"
	msgFailed            = "Failed to get embeddings"
	msgUnsupportedFormat = "Unsupported encoding format"
)

var defaultDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

type EmbeddingRequest struct {
	Body     map[string]any
	Auth     string
	RawQuery string
}

type EmbeddingOptions struct {
	Timeout      time.Duration
	DedupeMisses bool
	Metrics      *metrics.Metrics
}

type EmbeddingService struct {
	store    cachestore.Store
	upstream *upstream.Client
	timeout  time.Duration
	dedupe   bool
	metrics  *metrics.Metrics
}

func NewEmbeddingService(store cachestore.Store, up *upstream.Client, opts EmbeddingOptions) *EmbeddingService {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultEmbeddingsTimeout
	}
	return &EmbeddingService{
		store:    store,
		upstream: up,
		timeout:  timeout,
		dedupe:   opts.DedupeMisses,
		metrics:  opts.Metrics,
	}
}

// slotState is either cacheHit or cacheMiss.
type slotState interface {
	isSlotState()
}

type cacheHit struct {
	blob []byte
}

// cacheMiss points at position k of the miss-list sent upstream.
type cacheMiss struct {
	k int
}

func (cacheHit) isSlotState()  {}
func (cacheMiss) isSlotState() {}

type slot struct {
	hash  [32]byte
	state slotState
}

type embeddingCall struct {
	inputs     []string
	model      string
	dimensions int
	format     string
}

// Embeddings answers an OpenAI embeddings request, serving cached inputs from
// the store and asking upstream only for the rest.
func (s *EmbeddingService) Embeddings(ctx context.Context, req *EmbeddingRequest) (*model.EmbeddingResponse, error) {
	call, err := parseEmbeddingCall(req.Body)
	if err != nil {
		return nil, err
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("model", call.model),
		zap.Int("dimensions", call.dimensions),
		zap.Int("inputs", len(call.inputs)),
	)

	slots, misses := s.lookup(ctx, call)
	hits := len(slots) - s.missSlots(slots)
	s.metrics.Hit(hits)
	s.metrics.Miss(len(slots) - hits)
	logger.Debug("embedding cache lookup", zap.Int("hits", hits), zap.Int("upstream_inputs", len(misses)))

	var fetched *model.UpstreamEmbeddingResponse
	if len(misses) > 0 {
		fetched, err = s.fetch(ctx, req, misses, call.model, call.dimensions)
		if err != nil {
			logger.Error("fetch embeddings from upstream failed", zap.Error(err))
			return nil, err
		}
	}

	blobs, err := s.resolve(ctx, call, slots, fetched)
	if err != nil {
		logger.Error("resolve embeddings failed", zap.Error(err))
		return nil, err
	}
	return buildEmbeddingResponse(call, blobs)
}

func parseEmbeddingCall(body map[string]any) (*embeddingCall, error) {
	rawInput, ok := body["input"].([]any)
	if !ok {
		return nil, appErr.BadRequest(msgMissingInput)
	}
	inputs := make([]string, 0, len(rawInput))
	for _, item := range rawInput {
		text, ok := item.(string)
		if !ok {
			return nil, appErr.BadRequest(msgMissingInput)
		}
		inputs = append(inputs, text)
	}
	modelName, ok := body["model"].(string)
	if !ok {
		return nil, appErr.BadRequest(msgMissingModel)
	}
	var dims int
	if raw := body["dimensions"]; raw != nil {
		dims, ok = parseDimensions(raw)
		if !ok {
			return nil, appErr.BadRequest(msgMissingDimensions)
		}
	} else {
		dims, ok = defaultDimensions[modelName]
		if !ok {
			return nil, appErr.BadRequest(msgMissingDimensions)
		}
	}
	format := model.EncodingFloat
	if raw, exists := body["encoding_format"]; exists && raw != nil {
		f, ok := raw.(string)
		if !ok || !embedcache.IsSupportedFormat(f) {
			return nil, appErr.New(appErr.ErrUnsupportedFormat, msgUnsupportedFormat)
		}
		format = f
	}
	return &embeddingCall{inputs: inputs, model: modelName, dimensions: dims, format: format}, nil
}

// parseDimensions accepts any positive integral JSON number.
func parseDimensions(v any) (int, bool) {
	var n int64
	switch d := v.(type) {
	case json.Number:
		i, err := d.Int64()
		if err != nil {
			return 0, false
		}
		n = i
	case float64:
		if d != math.Trunc(d) {
			return 0, false
		}
		n = int64(d)
	case int:
		n = int64(d)
	case int64:
		n = d
	default:
		return 0, false
	}
	if n <= 0 || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

// lookup fingerprints every input and builds the slot list in input order
// together with the miss-list in first-occurrence order.
func (s *EmbeddingService) lookup(ctx context.Context, call *embeddingCall) ([]slot, []string) {
	slots := make([]slot, len(call.inputs))
	var misses []string
	var seen map[string]int
	if s.dedupe {
		seen = make(map[string]int)
	}
	for i, input := range call.inputs {
		hash := embedcache.Fingerprint(input, call.model, call.dimensions)
		slots[i].hash = hash
		if blob, ok := s.store.Lookup(ctx, hash[:]); ok {
			slots[i].state = cacheHit{blob: blob}
			continue
		}
		if k, ok := seen[input]; ok {
			slots[i].state = cacheMiss{k: k}
			continue
		}
		k := len(misses)
		misses = append(misses, input)
		if seen != nil {
			seen[input] = k
		}
		slots[i].state = cacheMiss{k: k}
	}
	return slots, misses
}

func (s *EmbeddingService) missSlots(slots []slot) int {
	n := 0
	for _, sl := range slots {
		if _, ok := sl.state.(cacheMiss); ok {
			n++
		}
	}
	return n
}

func (s *EmbeddingService) fetch(ctx context.Context, req *EmbeddingRequest, misses []string, modelName string, dimensions int) (*model.UpstreamEmbeddingResponse, error) {
	body := maps.Clone(req.Body)
	body["input"] = misses
	body["encoding_format"] = model.EncodingBase64
	if body["dimensions"] != nil {
		body["dimensions"] = dimensions
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.upstream.Post(callCtx, embeddingsPath, req.RawQuery, req.Auth, body)
	if err != nil {
		return nil, upstreamCallError(callCtx, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, upstreamCallError(callCtx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, appErr.Wrap(appErr.ErrUpstream, msgFailed, fmt.Errorf("upstream status %d", resp.StatusCode))
	}
	out := &model.UpstreamEmbeddingResponse{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, appErr.Wrap(appErr.ErrUpstream, msgFailed, fmt.Errorf("parse upstream response: %w", err))
	}
	if out.Model == nil || *out.Model != modelName {
		return nil, appErr.Wrap(appErr.ErrUpstream, msgFailed, fmt.Errorf("upstream model mismatch, want %q", modelName))
	}
	return out, nil
}

func upstreamCallError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return appErr.Wrap(appErr.ErrUpstreamTimeout, msgFailed, err)
	}
	return appErr.Wrap(appErr.ErrUpstream, msgFailed, err)
}

// resolve walks the slots in input order. A miss decodes its upstream
// vector once per k and stores it; store failures are collected and reported
// after every slot has been tried.
func (s *EmbeddingService) resolve(ctx context.Context, call *embeddingCall, slots []slot, fetched *model.UpstreamEmbeddingResponse) ([][]byte, error) {
	blobs := make([][]byte, len(slots))
	resolved := make(map[int][]byte)
	var writeErrs []error
	for i, sl := range slots {
		switch st := sl.state.(type) {
		case cacheHit:
			blobs[i] = st.blob
		case cacheMiss:
			if blob, ok := resolved[st.k]; ok {
				blobs[i] = blob
				continue
			}
			blob, err := decodeMiss(fetched, st.k, call.dimensions)
			if err != nil {
				return nil, err
			}
			resolved[st.k] = blob
			blobs[i] = blob
			if err := s.save(ctx, call, sl.hash, blob); err != nil {
				writeErrs = append(writeErrs, err)
			}
		default:
			return nil, fmt.Errorf("unknown slot state %T", st)
		}
	}
	if len(writeErrs) > 0 {
		return nil, appErr.Wrap(appErr.ErrCacheWrite, msgFailed, errors.Join(writeErrs...))
	}
	return blobs, nil
}

func decodeMiss(fetched *model.UpstreamEmbeddingResponse, k, dimensions int) ([]byte, error) {
	if fetched == nil || k >= len(fetched.Data) || fetched.Data[k].Embedding == nil {
		return nil, appErr.Wrap(appErr.ErrUpstream, msgFailed, fmt.Errorf("upstream response has no embedding at %d", k))
	}
	blob, err := embedcache.DecodeUpstream(*fetched.Data[k].Embedding)
	if err != nil {
		return nil, appErr.Wrap(appErr.ErrDecode, msgFailed, err)
	}
	if len(blob)%4 != 0 || len(blob)/4 != dimensions {
		return nil, appErr.Wrap(appErr.ErrUpstream, msgFailed,
			fmt.Errorf("upstream embedding %d has %d bytes, want %d dimensions", k, len(blob), dimensions))
	}
	return blob, nil
}

func (s *EmbeddingService) save(ctx context.Context, call *embeddingCall, hash [32]byte, blob []byte) error {
	err := s.store.Put(ctx, &model.EmbeddingCache{
		Model:      call.model,
		Dimensions: call.dimensions,
		Hash:       hash[:],
		Value:      blob,
	})
	if err == nil {
		return nil
	}
	if appErr.IsConflict(err) {
		s.metrics.WriteConflict()
		logutil.GetLogger(ctx).Warn("embedding already cached by a concurrent writer, keep stored row",
			zap.String("model", call.model), zap.Int("dimensions", call.dimensions),
			zap.String("hash", hex.EncodeToString(hash[:])))
		return nil
	}
	s.metrics.WriteFailure()
	return err
}

func buildEmbeddingResponse(call *embeddingCall, blobs [][]byte) (*model.EmbeddingResponse, error) {
	data := make([]model.EmbeddingData, 0, len(blobs))
	total := 0
	for i, blob := range blobs {
		value, err := embedcache.Encode(blob, call.format)
		if err != nil {
			return nil, appErr.Wrap(appErr.ErrDecode, msgFailed, err)
		}
		data = append(data, model.EmbeddingData{Embedding: value, Index: i, Object: "embedding"})
		total += len(blob)
	}
	// usage counts bytes/4, matching what existing clients already see.
	tokens := total / 4
	return &model.EmbeddingResponse{
		Data:   data,
		Model:  call.model,
		Object: "list",
		Usage:  model.EmbeddingUsage{PromptTokens: tokens, TotalTokens: tokens},
	}, nil
}
