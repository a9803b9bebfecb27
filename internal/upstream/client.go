package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xxxsen/embedproxy/internal/metrics"
)

const (
	EndpointEmbeddings  = "embeddings"
	EndpointPassthrough = "passthrough"

	embeddingsPath = "/v1/embeddings"
)

// endpointLabel keeps metric label values to a fixed set; path is chosen by
// the client.
func endpointLabel(path string) string {
	if path == embeddingsPath {
		return EndpointEmbeddings
	}
	return EndpointPassthrough
}

// Client forwards requests to the OpenAI-compatible upstream, keeping the
// client's path and query and replacing only scheme, host and port.
type Client struct {
	base    *url.URL
	http    *http.Client
	metrics *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream base url %q needs scheme and host", baseURL)
	}
	c := &Client{base: base, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL builds the upstream address for an incoming path and raw query.
func (c *Client) URL(path, rawQuery string) string {
	u := url.URL{
		Scheme:   c.base.Scheme,
		Host:     c.base.Host,
		Path:     strings.TrimRight(c.base.Path, "/") + path,
		RawQuery: rawQuery,
	}
	return u.String()
}

// Post sends body as JSON. auth is copied into Authorization verbatim. The
// caller owns the returned response body.
func (c *Client) Post(ctx context.Context, path, rawQuery, auth string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode upstream body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path, rawQuery), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.ObserveUpstream(endpointLabel(path), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return resp, nil
}
