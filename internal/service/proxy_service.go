package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedproxy/internal/metrics"
	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
	"github.com/xxxsen/embedproxy/internal/upstream"
)

const (
	msgUpstreamFailed  = "Failed to reach upstream"
	msgUpstreamInvalid = "Upstream returned invalid JSON"
)

type ForwardRequest struct {
	Path     string
	RawQuery string
	Auth     string
	Body     map[string]any
}

// ForwardResult holds either a buffered JSON body or an open stream.
// Stream is set only for stream:true requests and must be closed by the
// caller.
type ForwardResult struct {
	StatusCode int
	Body       json.RawMessage
	Stream     io.ReadCloser
}

type ProxyService struct {
	upstream *upstream.Client
	metrics  *metrics.Metrics
}

func NewProxyService(up *upstream.Client, m *metrics.Metrics) *ProxyService {
	return &ProxyService{upstream: up, metrics: m}
}

// Forward relays any non-embeddings call unchanged.
func (s *ProxyService) Forward(ctx context.Context, req *ForwardRequest) (*ForwardResult, error) {
	stream := isStream(req.Body)
	s.metrics.Passthrough(stream)
	logger := logutil.GetLogger(ctx).With(zap.String("path", req.Path), zap.Bool("stream", stream))

	resp, err := s.upstream.Post(ctx, req.Path, req.RawQuery, req.Auth, req.Body)
	if err != nil {
		logger.Error("forward request failed", zap.Error(err))
		return nil, appErr.Wrap(appErr.ErrUpstream, msgUpstreamFailed, err)
	}
	if stream {
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			logger.Error("upstream stream rejected", zap.Int("status", resp.StatusCode))
			return nil, appErr.Wrap(appErr.ErrUpstream, msgUpstreamFailed, fmt.Errorf("upstream status %d", resp.StatusCode))
		}
		return &ForwardResult{StatusCode: resp.StatusCode, Stream: resp.Body}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("read upstream body failed", zap.Error(err))
		return nil, appErr.Wrap(appErr.ErrUpstream, msgUpstreamFailed, err)
	}
	if !json.Valid(data) {
		logger.Error("upstream body is not json", zap.Int("status", resp.StatusCode))
		return nil, appErr.New(appErr.ErrUpstream, msgUpstreamInvalid)
	}
	return &ForwardResult{StatusCode: resp.StatusCode, Body: data}, nil
}

func isStream(body map[string]any) bool {
	v, ok := body["stream"].(bool)
	return ok && v
}
