package extractor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/feederwatch/internal/metrics"
	"github.com/scrypster/feederwatch/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, breaker BreakerConfig) (*Client, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := metrics.New(prometheus.NewRegistry())
	c, err := NewClient(Config{
		BaseURL:       srv.URL + "/",
		Timeout:       2 * time.Second,
		RatePerSecond: 1000,
		Burst:         100,
		Breaker:       breaker,
	}, WithMetrics(m))
	require.NoError(t, err)
	return c, m
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestExtractFeatureVector_Success(t *testing.T) {
	image := []byte("jpeg bytes")
	c, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/vision/embedding", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		assert.Equal(t, image, raw)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"vector":     []float32{0.1, 0.2, 0.3},
			"confidence": 0.93,
			"label":      "hummingbird",
		})
	}, BreakerConfig{})

	ex, err := c.ExtractFeatureVector(context.Background(), image)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, ex.Vector)
	assert.Equal(t, 0.93, ex.Confidence)
	assert.Equal(t, "hummingbird", ex.Label)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractorRequests.WithLabelValues("ok")))
}

func TestExtractFeatureVector_NoDetectionIsInvalidInput(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"detected": false})
	}, BreakerConfig{MaxFailures: 1})

	for i := 0; i < 3; i++ {
		_, err := c.ExtractFeatureVector(context.Background(), []byte("empty perch"))
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	}
	assert.Equal(t, "closed", c.BreakerState(), "rejected images never trip the breaker")

	_, err := c.ExtractFeatureVector(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestExtractFeatureVector_UnprocessableIsInvalidInput(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no bird", http.StatusUnprocessableEntity)
	}, BreakerConfig{})

	_, err := c.ExtractFeatureVector(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestExtractFeatureVector_ServerErrorTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	c, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}, BreakerConfig{MaxFailures: 2, Timeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := c.ExtractFeatureVector(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.ExtractFeatureVector(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open circuit short-circuits the request")

	counts := c.Breaker().Counts()
	assert.Equal(t, uint64(3), counts.TotalRequests)
	assert.Equal(t, uint64(3), counts.TotalFailures)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ExtractorRequests.WithLabelValues("error")))
}

func TestExtractFeatureVector_MalformedResponse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}, BreakerConfig{})

	_, err := c.ExtractFeatureVector(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestExtractFeatureVector_CancelledContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}, BreakerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ExtractFeatureVector(ctx, []byte("x"))
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	var unhealthy atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		if unhealthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}, BreakerConfig{})

	assert.NoError(t, c.HealthCheck(context.Background()))
	unhealthy.Store(true)
	assert.ErrorIs(t, c.HealthCheck(context.Background()), types.ErrUpstreamUnavailable)

	cached := NewCachingExtractor(c, time.Minute, nil)
	assert.ErrorIs(t, cached.HealthCheck(context.Background()), types.ErrUpstreamUnavailable, "cache forwards health checks")
	assert.Equal(t, "closed", cached.BreakerState())

	plain := NewCachingExtractor(&mockExtractor{}, time.Minute, nil)
	assert.NoError(t, plain.HealthCheck(context.Background()))
	assert.Empty(t, plain.BreakerState())
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) ExtractFeatureVector(ctx context.Context, image []byte) (Extraction, error) {
	args := m.Called(ctx, image)
	return args.Get(0).(Extraction), args.Error(1)
}

func TestCachingExtractor(t *testing.T) {
	next := &mockExtractor{}
	ctx := context.Background()
	frame := []byte("frame-1")
	next.On("ExtractFeatureVector", ctx, frame).Return(Extraction{Vector: []float32{1, 0}, Confidence: 0.9}, nil).Once()
	next.On("ExtractFeatureVector", ctx, []byte("blurry")).Return(Extraction{}, types.ErrUpstreamUnavailable).Twice()

	m := metrics.New(prometheus.NewRegistry())
	c := NewCachingExtractor(next, time.Minute, m)

	first, err := c.ExtractFeatureVector(ctx, frame)
	require.NoError(t, err)
	first.Vector[0] = 42 // callers may not corrupt the cache

	second, err := c.ExtractFeatureVector(ctx, []byte("frame-1"))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, second.Vector)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractorRequests.WithLabelValues("cached")))

	for i := 0; i < 2; i++ {
		_, err = c.ExtractFeatureVector(ctx, []byte("blurry"))
		assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	}
	assert.Equal(t, 1, c.Len(), "failures are not cached")
	next.AssertExpectations(t)
}
