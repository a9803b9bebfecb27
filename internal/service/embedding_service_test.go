package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/embedproxy/internal/cachestore"
	"github.com/xxxsen/embedproxy/internal/embedcache"
	"github.com/xxxsen/embedproxy/internal/metrics"
	"github.com/xxxsen/embedproxy/internal/model"
	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
	"github.com/xxxsen/embedproxy/internal/upstream"
)

type upstreamCall struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	Dimensions     *int     `json:"dimensions"`
	EncodingFormat string   `json:"encoding_format"`
	User           string   `json:"user"`
}

// fakeEmbeddings answers like the OpenAI embeddings endpoint. Each vector is
// derived from its input so tests can check which input landed where.
type fakeEmbeddings struct {
	mu       sync.Mutex
	calls    []upstreamCall
	auth     []string
	model    string // overrides the echoed model when set
	dimsDiff int    // added to the returned vector length
	delay    time.Duration
	status   int
	short    bool // drop the last data item
	nullVec  bool // send "embedding": null
}

func (f *fakeEmbeddings) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var call upstreamCall
	_ = json.Unmarshal(data, &call)
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		return
	}
	dims := 1536
	if call.Dimensions != nil {
		dims = *call.Dimensions
	}
	dims += f.dimsDiff
	type item struct {
		Embedding *string `json:"embedding"`
		Index     int     `json:"index"`
		Object    string  `json:"object"`
	}
	items := make([]item, 0, len(call.Input))
	for i, input := range call.Input {
		it := item{Index: i, Object: "embedding"}
		if !f.nullVec {
			encoded := embedcache.EncodeBase64(vectorFor(input, dims))
			it.Embedding = &encoded
		}
		items = append(items, it)
	}
	if f.short && len(items) > 0 {
		items = items[:len(items)-1]
	}
	modelName := call.Model
	if f.model != "" {
		modelName = f.model
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": items, "model": modelName})
}

func (f *fakeEmbeddings) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func vectorFor(input string, dims int) []byte {
	values := make([]float32, dims)
	for i := range values {
		values[i] = float32(len(input)) + float32(i)/10
	}
	return embedcache.FloatsToBlob(values)
}

func floatsFor(input string, dims int) []float32 {
	out, _ := embedcache.EncodeFloat(vectorFor(input, dims))
	return out
}

type serviceFixture struct {
	fake  *fakeEmbeddings
	store cachestore.Store
	svc   *EmbeddingService
}

func newFixture(t *testing.T, fake *fakeEmbeddings, opts EmbeddingOptions) *serviceFixture {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	store, err := cachestore.New("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return newFixtureWithStore(t, srv, fake, store, opts)
}

func newFixtureWithStore(t *testing.T, srv *httptest.Server, fake *fakeEmbeddings, store cachestore.Store, opts EmbeddingOptions) *serviceFixture {
	t.Helper()
	up, err := upstream.New(srv.URL, upstream.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return &serviceFixture{fake: fake, store: store, svc: NewEmbeddingService(store, up, opts)}
}

func embedReq(body map[string]any) *EmbeddingRequest {
	return &EmbeddingRequest{Body: body, Auth: "Bearer sk-test"}
}

func inputs(values ...string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

func TestEmbeddingsMissThenHit(t *testing.T) {
	fx := newFixture(t, &fakeEmbeddings{}, EmbeddingOptions{})
	ctx := context.Background()
	body := map[string]any{"input": inputs("hello", "hi"), "model": "text-embedding-3-small", "dimensions": json.Number("4")}

	first, err := fx.svc.Embeddings(ctx, embedReq(body))
	require.NoError(t, err)
	calls := fx.fake.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, []string{"hello", "hi"}, calls[0].Input)
	require.Equal(t, model.EncodingBase64, calls[0].EncodingFormat)
	require.Equal(t, "Bearer sk-test", fx.fake.auth[0])

	require.Equal(t, "list", first.Object)
	require.Equal(t, "text-embedding-3-small", first.Model)
	require.Len(t, first.Data, 2)
	require.Equal(t, floatsFor("hello", 4), first.Data[0].Embedding)
	require.Equal(t, floatsFor("hi", 4), first.Data[1].Embedding)
	require.Equal(t, 0, first.Data[0].Index)
	require.Equal(t, 1, first.Data[1].Index)
	require.Equal(t, "embedding", first.Data[1].Object)
	require.Equal(t, 8, first.Usage.PromptTokens)
	require.Equal(t, 8, first.Usage.TotalTokens)

	count, err := fx.store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	second, err := fx.svc.Embeddings(ctx, embedReq(body))
	require.NoError(t, err)
	require.Len(t, fx.fake.Calls(), 1)
	require.Equal(t, first, second)
}

func TestEmbeddingsPartialHitKeepsOrder(t *testing.T) {
	fx := newFixture(t, &fakeEmbeddings{}, EmbeddingOptions{})
	ctx := context.Background()
	base := map[string]any{"model": "text-embedding-3-small", "dimensions": json.Number("3")}

	warm := map[string]any{"input": inputs("bb"), "model": base["model"], "dimensions": base["dimensions"]}
	_, err := fx.svc.Embeddings(ctx, embedReq(warm))
	require.NoError(t, err)

	body := map[string]any{"input": inputs("a", "bb", "ccc"), "model": base["model"], "dimensions": base["dimensions"]}
	resp, err := fx.svc.Embeddings(ctx, embedReq(body))
	require.NoError(t, err)

	calls := fx.fake.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, []string{"a", "ccc"}, calls[1].Input)
	require.Equal(t, floatsFor("a", 3), resp.Data[0].Embedding)
	require.Equal(t, floatsFor("bb", 3), resp.Data[1].Embedding)
	require.Equal(t, floatsFor("ccc", 3), resp.Data[2].Embedding)
	require.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestEmbeddingsDuplicateMisses(t *testing.T) {
	tests := []struct {
		name   string
		dedupe bool
		want   []string
	}{
		{name: "forwarded as sent", dedupe: false, want: []string{"x", "y", "x"}},
		{name: "collapsed", dedupe: true, want: []string{"x", "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, &fakeEmbeddings{}, EmbeddingOptions{DedupeMisses: tt.dedupe})
			body := map[string]any{"input": inputs("x", "y", "x"), "model": "text-embedding-3-small", "dimensions": 2}

			resp, err := fx.svc.Embeddings(context.Background(), embedReq(body))
			require.NoError(t, err)
			require.Equal(t, tt.want, fx.fake.Calls()[0].Input)
			require.Len(t, resp.Data, 3)
			require.Equal(t, resp.Data[0].Embedding, resp.Data[2].Embedding)

			count, err := fx.store.Count(context.Background())
			require.NoError(t, err)
			require.Equal(t, int64(2), count)
		})
	}
}

func TestEmbeddingsDefaultDimensions(t *testing.T) {
	fx := newFixture(t, &fakeEmbeddings{}, EmbeddingOptions{})
	body := map[string]any{"input": inputs("q"), "model": "text-embedding-3-small", "user": "u-1"}

	resp, err := fx.svc.Embeddings(context.Background(), embedReq(body))
	require.NoError(t, err)
	call := fx.fake.Calls()[0]
	require.Nil(t, call.Dimensions)
	require.Equal(t, "u-1", call.User)
	require.Len(t, resp.Data[0].Embedding, 1536)

	hash := embedcache.Fingerprint("q", "text-embedding-3-small", 1536)
	_, ok := fx.store.Lookup(context.Background(), hash[:])
	require.True(t, ok)
}

func TestEmbeddingsBase64Output(t *testing.T) {
	fx := newFixture(t, &fakeEmbeddings{}, EmbeddingOptions{})
	body := map[string]any{"input": inputs("z"), "model": "text-embedding-3-large", "dimensions": 2.0, "encoding_format": "base64"}

	resp, err := fx.svc.Embeddings(context.Background(), embedReq(body))
	require.NoError(t, err)
	require.Equal(t, embedcache.EncodeBase64(vectorFor("z", 2)), resp.Data[0].Embedding)
}

func TestEmbeddingsValidation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		kind error
		msg  string
	}{
		{name: "no input", body: map[string]any{"model": "text-embedding-3-small"}, kind: appErr.ErrInvalid, msg: msgMissingInput},
		{name: "scalar input", body: map[string]any{"input": "hi", "model": "text-embedding-3-small"}, kind: appErr.ErrInvalid, msg: msgMissingInput},
		{name: "token input", body: map[string]any{"input": []any{json.Number("1")}, "model": "text-embedding-3-small"}, kind: appErr.ErrInvalid, msg: msgMissingInput},
		{name: "no model", body: map[string]any{"input": inputs("a")}, kind: appErr.ErrInvalid, msg: msgMissingModel},
		{name: "unknown model", body: map[string]any{"input": inputs("a"), "model": "custom"}, kind: appErr.ErrInvalid, msg: msgMissingDimensions},
		{name: "bad dimensions", body: map[string]any{"input": inputs("a"), "model": "custom", "dimensions": json.Number("1.5")}, kind: appErr.ErrInvalid, msg: msgMissingDimensions},
		{name: "non-numeric dimensions on known model", body: map[string]any{"input": inputs("a"), "model": "text-embedding-3-small", "dimensions": "abc"}, kind: appErr.ErrInvalid, msg: msgMissingDimensions},
		{name: "zero dimensions", body: map[string]any{"input": inputs("a"), "model": "text-embedding-3-small", "dimensions": json.Number("0")}, kind: appErr.ErrInvalid, msg: msgMissingDimensions},
		{name: "bad format", body: map[string]any{"input": inputs("a"), "model": "text-embedding-3-small", "encoding_format": "int8"}, kind: appErr.ErrUnsupportedFormat, msg: msgUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, &fakeEmbeddings{}, EmbeddingOptions{})
			_, err := fx.svc.Embeddings(context.Background(), embedReq(tt.body))
			require.ErrorIs(t, err, tt.kind)
			require.Equal(t, tt.msg, appErr.Message(err))
			require.Empty(t, fx.fake.Calls())
		})
	}
}

func TestEmbeddingsEmptyInput(t *testing.T) {
	fx := newFixture(t, &fakeEmbeddings{}, EmbeddingOptions{})
	body := map[string]any{"input": []any{}, "model": "text-embedding-3-small"}

	resp, err := fx.svc.Embeddings(context.Background(), embedReq(body))
	require.NoError(t, err)
	require.Empty(t, resp.Data)
	require.Zero(t, resp.Usage.TotalTokens)
	require.Empty(t, fx.fake.Calls())
}

func TestEmbeddingsUpstreamFailures(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeEmbeddings
		kind error
	}{
		{name: "status", fake: &fakeEmbeddings{status: http.StatusUnauthorized}, kind: appErr.ErrUpstream},
		{name: "model mismatch", fake: &fakeEmbeddings{model: "other-model"}, kind: appErr.ErrUpstream},
		{name: "dimension mismatch", fake: &fakeEmbeddings{dimsDiff: 1}, kind: appErr.ErrUpstream},
		{name: "timeout", fake: &fakeEmbeddings{delay: time.Second}, kind: appErr.ErrUpstreamTimeout},
		{name: "fewer data items than inputs", fake: &fakeEmbeddings{short: true}, kind: appErr.ErrUpstream},
		{name: "null embedding", fake: &fakeEmbeddings{nullVec: true}, kind: appErr.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.fake, EmbeddingOptions{Timeout: 50 * time.Millisecond})
			body := map[string]any{"input": inputs("a"), "model": "text-embedding-3-small", "dimensions": 4}

			_, err := fx.svc.Embeddings(context.Background(), embedReq(body))
			require.ErrorIs(t, err, tt.kind)
			require.Equal(t, msgFailed, appErr.Message(err))

			count, err := fx.store.Count(context.Background())
			require.NoError(t, err)
			require.Zero(t, count)
		})
	}
}

func TestEmbeddingsUndecodableVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":"***","index":0}],"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()
	store, err := cachestore.New("")
	require.NoError(t, err)
	defer store.Close()
	fx := newFixtureWithStore(t, srv, nil, store, EmbeddingOptions{})

	body := map[string]any{"input": inputs("a"), "model": "text-embedding-3-small", "dimensions": 1}
	_, err = fx.svc.Embeddings(context.Background(), embedReq(body))
	require.ErrorIs(t, err, appErr.ErrDecode)
}

type failingStore struct {
	cachestore.Store
	puts int
}

func (s *failingStore) Put(ctx context.Context, item *model.EmbeddingCache) error {
	s.puts++
	return errors.New("disk full")
}

func TestEmbeddingsStoreWriteFailure(t *testing.T) {
	fake := &fakeEmbeddings{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	inner, err := cachestore.New("")
	require.NoError(t, err)
	defer inner.Close()
	store := &failingStore{Store: inner}
	fx := newFixtureWithStore(t, srv, fake, store, EmbeddingOptions{})

	body := map[string]any{"input": inputs("a", "b"), "model": "text-embedding-3-small", "dimensions": 2}
	_, err = fx.svc.Embeddings(context.Background(), embedReq(body))
	require.ErrorIs(t, err, appErr.ErrCacheWrite)
	require.Equal(t, msgFailed, appErr.Message(err))
	require.Equal(t, 2, store.puts)
}

func TestEmbeddingsConflictIsHit(t *testing.T) {
	fake := &fakeEmbeddings{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	inner, err := cachestore.New("")
	require.NoError(t, err)
	defer inner.Close()

	// a concurrent writer inserts the row between our lookup and our put
	hash := embedcache.Fingerprint("a", "text-embedding-3-small", 2)
	store := &racingStore{Store: inner, row: &model.EmbeddingCache{
		Model: "text-embedding-3-small", Dimensions: 2, Hash: hash[:], Value: vectorFor("a", 2),
	}}
	m := metrics.New()
	fx := newFixtureWithStore(t, srv, fake, store, EmbeddingOptions{Metrics: m})

	body := map[string]any{"input": inputs("a"), "model": "text-embedding-3-small", "dimensions": 2}
	resp, err := fx.svc.Embeddings(context.Background(), embedReq(body))
	require.NoError(t, err)
	require.Equal(t, floatsFor("a", 2), resp.Data[0].Embedding)
	require.Equal(t, float64(1), testutil.ToFloat64(m.CacheConflicts))
	require.Zero(t, testutil.ToFloat64(m.CacheWriteFailures))
}

func TestEmbeddingsForwardsResolvedDimensions(t *testing.T) {
	fx := newFixture(t, &fakeEmbeddings{}, EmbeddingOptions{})
	body := map[string]any{"input": inputs("a"), "model": "text-embedding-3-small", "dimensions": 3.0}

	_, err := fx.svc.Embeddings(context.Background(), embedReq(body))
	require.NoError(t, err)
	call := fx.fake.Calls()[0]
	require.NotNil(t, call.Dimensions)
	require.Equal(t, 3, *call.Dimensions)
	require.Equal(t, 3.0, body["dimensions"])

	hash := embedcache.Fingerprint("a", "text-embedding-3-small", 3)
	_, ok := fx.store.Lookup(context.Background(), hash[:])
	require.True(t, ok)
}

// unreadableStore misses every lookup the way a store with a failing read
// path does, while writes still reach the database.
type unreadableStore struct {
	cachestore.Store
}

func (s *unreadableStore) Lookup(ctx context.Context, hash []byte) ([]byte, bool) {
	return nil, false
}

func TestEmbeddingsReadFailureFallsBackToUpstream(t *testing.T) {
	fake := &fakeEmbeddings{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	inner, err := cachestore.New("")
	require.NoError(t, err)
	defer inner.Close()
	hash := embedcache.Fingerprint("a", "text-embedding-3-small", 2)
	require.NoError(t, inner.Put(context.Background(), &model.EmbeddingCache{
		Model: "text-embedding-3-small", Dimensions: 2, Hash: hash[:], Value: vectorFor("a", 2),
	}))
	fx := newFixtureWithStore(t, srv, fake, &unreadableStore{Store: inner}, EmbeddingOptions{})

	body := map[string]any{"input": inputs("a"), "model": "text-embedding-3-small", "dimensions": 2}
	resp, err := fx.svc.Embeddings(context.Background(), embedReq(body))
	require.NoError(t, err)
	require.Len(t, fake.Calls(), 1)
	require.Equal(t, floatsFor("a", 2), resp.Data[0].Embedding)
}

type racingStore struct {
	cachestore.Store
	row *model.EmbeddingCache
}

func (s *racingStore) Put(ctx context.Context, item *model.EmbeddingCache) error {
	if s.row != nil {
		if err := s.Store.Put(ctx, s.row); err != nil {
			return err
		}
		s.row = nil
	}
	return s.Store.Put(ctx, item)
}
