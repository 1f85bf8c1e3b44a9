package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/feederwatch/internal/clock"
	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/engine"
	"github.com/scrypster/feederwatch/internal/extractor"
	"github.com/scrypster/feederwatch/internal/gallery"
	"github.com/scrypster/feederwatch/internal/metrics"
	"github.com/scrypster/feederwatch/internal/server"
	"github.com/scrypster/feederwatch/internal/storage/sqlite"
	"github.com/scrypster/feederwatch/pkg/types"
)

var t0 = time.Date(2026, 7, 4, 6, 0, 0, 0, time.UTC)

type testEnv struct {
	url    string
	store  *sqlite.Store
	engine *engine.Engine
	server *server.Server
	clock  *clock.Manual
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractFeatureVector(_ context.Context, image []byte) (extractor.Extraction, error) {
	if string(image) == "empty perch" {
		return extractor.Extraction{}, fmt.Errorf("%w: no hummingbird detected", types.ErrInvalidInput)
	}
	return extractor.Extraction{Vector: []float32{0, 1, 0}, Confidence: 0.91}, nil
}

// newTestEnv wires an engine over an in-memory SQLite store behind the
// server's handler.
func newTestEnv(t *testing.T, serverCfg config.ServerConfig) *testEnv {
	t.Helper()

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err, "failed to create in-memory SQLite store")
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultPipeline()
	cfg.DepletionPerVisit = 0.02
	cfg.BaselineWindow = 24 * time.Hour

	reg := prometheus.NewRegistry()
	clk := clock.NewManual(t0)
	var alertN atomic.Int64
	eng, err := engine.New(store, gallery.NewLocal(cfg.MaxReferenceVectors, gallery.WithStore(store)), cfg,
		engine.WithClock(clk),
		engine.WithMetrics(metrics.New(reg)),
		engine.WithIDGenerators(nil, func() string { return fmt.Sprintf("alert-%03d", alertN.Add(1)) }),
	)
	require.NoError(t, err)

	srv := server.New(serverCfg, eng, server.WithGatherer(reg), server.WithExtractor(fakeExtractor{}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	go srv.Hub().Run()
	t.Cleanup(srv.Hub().Stop)

	return &testEnv{url: ts.URL, store: store, engine: eng, server: srv, clock: clk}
}

func defaultServerConfig() config.ServerConfig {
	return config.ServerConfig{Host: "127.0.0.1", Port: 0, RateLimit: 1000, RateBurst: 1000}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func postCapture(t *testing.T, env *testEnv, feeder string, at time.Time) {
	t.Helper()
	env.clock.Set(at)
	resp, body := doJSON(t, http.MethodPost, env.url+"/api/captures", types.Capture{
		CameraID: "cam1", FeederID: feeder, Timestamp: at, Vector: []float32{1, 0, 0}, DetectorConfidence: 0.9,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

// raiseAlert drives 40 visits so the feeder drops to 0.20 and alerts.
func raiseAlert(t *testing.T, env *testEnv, feeder string) {
	t.Helper()
	var at time.Time
	for i := 0; i < 40; i++ {
		at = t0.Add(time.Duration(i) * 15 * time.Minute)
		postCapture(t, env, feeder, at)
	}
	_, err := env.engine.SweepAll(context.Background(), env.clock.Advance(time.Minute))
	require.NoError(t, err)
}

func TestPostCapture(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, body := doJSON(t, http.MethodPost, env.url+"/api/captures", types.Capture{
		CameraID: "cam1", FeederID: "F1", Timestamp: t0, Vector: []float32{1, 0, 0}, DetectorConfidence: 0.9,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var res engine.IngestResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, types.KindUnidentified, res.Attribution.Kind)
	assert.NotEmpty(t, res.VisitID)
	assert.Len(t, env.engine.OpenVisits("F1"), 1)
}

func TestPostCapture_Image(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, body := doJSON(t, http.MethodPost, env.url+"/api/captures", map[string]any{
		"camera_id": "cam1",
		"feeder_id": "F1",
		"timestamp": t0,
		"image":     []byte("jpeg bytes"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Len(t, env.engine.OpenVisits("F1"), 1)

	resp, _ = doJSON(t, http.MethodPost, env.url+"/api/captures", map[string]any{
		"feeder_id": "F1",
		"timestamp": t0.Add(time.Second),
		"image":     []byte("empty perch"),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostCapture_Invalid(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	tests := []struct {
		name string
		body any
	}{
		{"missing feeder", types.Capture{Timestamp: t0, Vector: []float32{1}, DetectorConfidence: 0.9}},
		{"empty vector", types.Capture{FeederID: "F1", Timestamp: t0, DetectorConfidence: 0.9}},
		{"confidence out of range", types.Capture{FeederID: "F1", Timestamp: t0, Vector: []float32{1}, DetectorConfidence: 1.5}},
		{"unknown field", map[string]any{"feeder_id": "F1", "colour": "green"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, env.url+"/api/captures", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var e map[string]string
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, "INVALID_INPUT", e["code"])
		})
	}
}

func TestEstimate(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, _ := doJSON(t, http.MethodGet, env.url+"/api/feeders/F9/estimate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	raiseAlert(t, env, "F1")
	resp, body := doJSON(t, http.MethodGet, env.url+"/api/feeders/F1/estimate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var est types.DepletionEstimate
	require.NoError(t, json.Unmarshal(body, &est))
	assert.Equal(t, "F1", est.FeederID)
	assert.InDelta(t, 0.20, est.Remaining, 1e-9)
	assert.Equal(t, 40, est.VisitsSinceRefill)
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())
	raiseAlert(t, env, "F1")

	resp, body := doJSON(t, http.MethodGet, env.url+"/api/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active []*types.Alert
	require.NoError(t, json.Unmarshal(body, &active))
	require.Len(t, active, 1)
	assert.Equal(t, types.SeverityMedium, active[0].Severity)
	id := active[0].ID

	resp, body = doJSON(t, http.MethodPost, env.url+"/api/alerts/"+id+"/ack", map[string]string{"actor": "sam"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var acked types.Alert
	require.NoError(t, json.Unmarshal(body, &acked))
	assert.Equal(t, types.AlertAcknowledged, acked.State)
	assert.Equal(t, "sam", acked.AcknowledgedBy)

	resp, body = doJSON(t, http.MethodPost, env.url+"/api/feeders/F1/refill", map[string]any{"at": t0.Add(12 * time.Hour), "actor": "sam"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var state types.FeederState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, 1.0, state.Remaining)

	// The refill resolved the alert, so acknowledging it again conflicts.
	resp, body = doJSON(t, http.MethodPost, env.url+"/api/alerts/"+id+"/ack", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, _ = doJSON(t, http.MethodPost, env.url+"/api/alerts/nope/resolve", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, env.url+"/api/alerts?feeder=F1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []*types.Alert
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)
	assert.Equal(t, types.AlertResolved, history[0].State)

	resp, body = doJSON(t, http.MethodGet, env.url+"/api/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestAlertsQueryValidation(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, _ := doJSON(t, http.MethodGet, env.url+"/api/alerts?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, env.url+"/api/alerts?feeder=F1&limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefill_DefaultsToNow(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, body := doJSON(t, http.MethodPost, env.url+"/api/feeders/F2/refill", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var state types.FeederState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.True(t, state.LastRefill.Equal(t0))
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())
	postCapture(t, env, "F1", t0)
	postCapture(t, env, "F2", t0.Add(time.Minute))
	_, err := env.engine.FlushAll(context.Background())
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, env.url+"/api/summary?date=2026-07-04", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var summary engine.DailySummary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, "2026-07-04", summary.Date)
	assert.Equal(t, 2, summary.TotalVisits)
	assert.Len(t, summary.Feeders, 2)

	resp, _ = doJSON(t, http.MethodGet, env.url+"/api/summary?date=July", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())
	postCapture(t, env, "F1", t0)

	resp, body := doJSON(t, http.MethodGet, env.url+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")

	resp, body = doJSON(t, http.MethodGet, env.url+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "feederwatch_captures_ingested_total")
}

// checkingExtractor reports a fixed health result.
type checkingExtractor struct {
	fakeExtractor
	err     error
	breaker string
}

func (c checkingExtractor) HealthCheck(context.Context) error { return c.err }
func (c checkingExtractor) BreakerState() string           { return c.breaker }

func health(t *testing.T, h http.Handler) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealth_ReportsComponents(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	tests := []struct {
		name       string
		ext        extractor.FeatureExtractor
		wantCode   int
		wantStatus string
		wantExt    string
	}{
		{"no extractor", nil, http.StatusOK, "healthy", "disabled"},
		{"extractor up", checkingExtractor{breaker: "closed"}, http.StatusOK, "healthy", "ok"},
		{"extractor down", checkingExtractor{err: types.ErrUpstreamUnavailable, breaker: "closed"}, http.StatusOK, "degraded", "down"},
		{"breaker open", checkingExtractor{breaker: "open"}, http.StatusOK, "degraded", "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []server.Option{server.WithGatherer(prometheus.NewRegistry())}
			if tt.ext != nil {
				opts = append(opts, server.WithExtractor(tt.ext))
			}
			srv := server.New(defaultServerConfig(), env.engine, opts...)

			code, body := health(t, srv.Handler())
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, body["status"])
			components := body["components"].(map[string]any)
			assert.Equal(t, "ok", components["store"].(map[string]any)["status"])
			assert.Equal(t, tt.wantExt, components["extractor"].(map[string]any)["status"])
		})
	}
}

func TestHealth_StoreDownIsUnavailable(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())
	require.NoError(t, env.store.Close())

	code, body := health(t, env.server.Handler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
	store := body["components"].(map[string]any)["store"].(map[string]any)
	assert.Equal(t, "down", store["status"])
	assert.NotEmpty(t, store["error"])
}

func TestIdentities_Lifecycle(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, body := doJSON(t, http.MethodGet, env.url+"/api/identities", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, body = doJSON(t, http.MethodPost, env.url+"/api/identities", map[string]any{
		"feeder_id": "F1",
		"timestamp": t0,
		"vector":    []float32{1, 0, 0},
		"name":      "ruby",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var ruby types.Identity
	require.NoError(t, json.Unmarshal(body, &ruby))
	assert.Equal(t, "ruby", ruby.Name)
	require.NotEmpty(t, ruby.ID)

	// The enrolled bird is now recognized.
	env.clock.Set(t0.Add(time.Minute))
	resp, body = doJSON(t, http.MethodPost, env.url+"/api/captures", types.Capture{
		CameraID: "cam1", FeederID: "F1", Timestamp: t0.Add(time.Minute), Vector: []float32{1, 0, 0}, DetectorConfidence: 0.9,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res engine.IngestResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, types.Identified(ruby.ID), res.Attribution)
	_, err := env.engine.FlushAll(context.Background())
	require.NoError(t, err)

	resp, body = doJSON(t, http.MethodGet, env.url+"/api/identities", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []types.Identity
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].TotalVisits)

	resp, body = doJSON(t, http.MethodGet, env.url+"/api/identities/"+ruby.ID+"/visits", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var visits []types.Visit
	require.NoError(t, json.Unmarshal(body, &visits))
	require.Len(t, visits, 1)
	assert.Equal(t, "F1", visits[0].FeederID)

	resp, _ = doJSON(t, http.MethodDelete, env.url+"/api/identities/"+ruby.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodDelete, env.url+"/api/identities/"+ruby.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, env.url+"/api/identities/"+ruby.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// History survives removal.
	resp, body = doJSON(t, http.MethodGet, env.url+"/api/identities/"+ruby.ID+"/visits?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &visits))
	assert.Len(t, visits, 1)
}

func TestIdentities_EnrollFromImageAndValidation(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, body := doJSON(t, http.MethodPost, env.url+"/api/identities", map[string]any{
		"feeder_id": "F1",
		"timestamp": t0,
		"image":     []byte("hummingbird frame"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var identity types.Identity
	require.NoError(t, json.Unmarshal(body, &identity))
	require.Len(t, identity.References, 1)
	assert.Equal(t, []float32{0, 1, 0}, identity.References[0])

	resp, _ = doJSON(t, http.MethodPost, env.url+"/api/identities", map[string]any{"name": "no vector"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, env.url+"/api/identities", map[string]any{"vector": []float32{1, 0}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "dimension must match the gallery")

	resp, _ = doJSON(t, http.MethodGet, env.url+"/api/identities/"+identity.ID+"/visits?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, _ := doJSON(t, http.MethodGet, env.url+"/healthz", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{Host: "127.0.0.1", RateLimit: 1, RateBurst: 2})

	var limited bool
	for i := 0; i < 5; i++ {
		resp, _ := doJSON(t, http.MethodGet, env.url+"/api/alerts", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited, "expected a 429 after the burst")

	// Health checks bypass the limiter.
	resp, _ := doJSON(t, http.MethodGet, env.url+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	resp, _ := doJSON(t, http.MethodGet, env.url+"/api/captures", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketAlerts(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+env.url[len("http"):]+"/ws/alerts", nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	// Let the hub register the client before alerts fire.
	time.Sleep(50 * time.Millisecond)
	raiseAlert(t, env, "F1")

	_, data, err := conn.Read(ctx) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	var msg server.AlertMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, types.AlertActive, msg.To)
	assert.Equal(t, "F1", msg.Alert.FeederID)
}

func TestStart_RandomPort(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	cfg := config.DefaultPipeline()
	eng, err := engine.New(store, gallery.NewLocal(cfg.MaxReferenceVectors), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := server.New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, eng, server.WithGatherer(prometheus.NewRegistry()))
	addr, err := srv.Start(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "127.0.0.1:0", addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
