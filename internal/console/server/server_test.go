package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/events"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/health"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/infra"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/metrics"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/requestlog"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/telemetry"
)

type testEnv struct {
	ts      *httptest.Server
	srv     *ObservabilityServer
	deps    Deps
	client  *http.Client
	baseURL string
}

func newTestEnv(t *testing.T, extra ...Plugin) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	tm := telemetry.NewMetrics(reg)

	deps := Deps{
		Requests:  requestlog.New(requestlog.Options{Capacity: 50}, logger),
		Metrics:   metrics.NewStore(metrics.Options{RetentionDays: 30}, nil, logger, metrics.WithMetrics(tm)),
		Bus:       events.NewBus(100, 16, logger, events.WithMetrics(tm)),
		Health:    health.NewReporter(infra.HealthConfig{CheckTimeout: time.Second}, "test", logger),
		Telemetry: tm,
		Heartbeat: time.Hour,
	}
	srv := New(deps, logger, extra...)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	// закрытие шины завершает SSE/WebSocket до остановки сервера
	t.Cleanup(deps.Bus.Close)
	t.Cleanup(func() { _ = deps.Metrics.Close() })

	return &testEnv{ts: ts, srv: srv, deps: deps, client: ts.Client(), baseURL: ts.URL}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.baseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out), "%s %s", method, path)
	return resp.StatusCode, out
}

func TestServer_RequestStatsCountErrors(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodGet, "/health/simple", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodGet, "/events/recent", nil)
	require.Equal(t, http.StatusOK, code)
	code, body := env.do(t, http.MethodGet, "/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "route not found")

	code, stats := env.do(t, http.MethodGet, "/requests/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, stats["total"])
	assert.EqualValues(t, 1, stats["errors"])
	assert.Equal(t, map[string]any{"200": float64(2), "404": float64(1)}, stats["statusCodes"])
}

func TestServer_RequestListFilters(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health/simple", nil)
	env.do(t, http.MethodGet, "/nope", nil)
	env.do(t, http.MethodGet, "/health/simple", nil)

	_, body := env.do(t, http.MethodGet, "/requests?errors=true", nil)
	assert.EqualValues(t, 1, body["total"])
	entry := body["requests"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 404, entry["statusCode"])
	assert.Equal(t, "/nope", entry["url"])
	assert.NotEmpty(t, entry["error"])

	// предыдущий GET /requests тоже попал в журнал
	_, body = env.do(t, http.MethodGet, "/requests?status=200", nil)
	assert.EqualValues(t, 3, body["total"])

	_, body = env.do(t, http.MethodGet, "/requests?limit=1", nil)
	assert.EqualValues(t, 1, body["total"])
	assert.Contains(t, body, "stats")
	assert.Contains(t, body, "timestamp")

	code, body := env.do(t, http.MethodGet, "/requests?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "error")
}

func TestServer_EmitTestEventThenRecent(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/events/test", map[string]any{
		"type":     "validation",
		"data":     map[string]any{"isValid": true},
		"severity": "info",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	ev := body["event"].(map[string]any)
	id := ev["id"].(string)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, ev["timestamp"])
	assert.Equal(t, "validation", ev["type"])

	_, recent := env.do(t, http.MethodGet, "/events/recent?limit=5", nil)
	assert.EqualValues(t, 5, recent["limit"])
	list := recent["events"].([]any)
	require.NotEmpty(t, list)
	last := list[len(list)-1].(map[string]any)
	assert.Equal(t, id, last["id"])
	assert.Equal(t, map[string]any{"isValid": true}, last["data"])
}

func TestServer_EventsRejectBadInput(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodGet, "/events/recent?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	resp, err := env.client.Post(env.baseURL+"/events/test", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_MetricsRange(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Metrics.TrackValidation()
	env.deps.Metrics.TrackValidation()
	env.deps.Metrics.TrackRuleTrigger()

	code, report := env.do(t, http.MethodGet, "/metrics?range=1d", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1d", report["range"])

	data := report["data"].([]any)
	require.Len(t, data, 1)
	today := data[0].(map[string]any)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), today["date"])
	assert.EqualValues(t, 2, today["validations"])
	assert.EqualValues(t, 1, today["ruleTriggers"])

	code, _ = env.do(t, http.MethodGet, "/metrics?range=forever", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_MetricsCountHTTPTraffic(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health/simple", nil)
	env.do(t, http.MethodGet, "/missing", nil)

	_, report := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, metrics.DefaultRange, report["range"])
	summary := report["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["totalRequests"])
	assert.EqualValues(t, 1, summary["totalErrors"])
}

func TestServer_ClearRequests(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.do(t, http.MethodGet, "/health/simple", nil)
	}

	code, body := env.do(t, http.MethodDelete, "/requests", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	_, body = env.do(t, http.MethodGet, "/requests", nil)
	assert.Equal(t, []any{}, body["requests"])
	assert.EqualValues(t, 0, body["total"])
}

func TestServer_FailingHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Health.AddCheck("custom", func(context.Context) error { panic("check blew up") })

	code, body := env.do(t, http.MethodGet, "/health/detailed", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])

	var custom map[string]any
	for _, c := range body["checks"].([]any) {
		if m := c.(map[string]any); m["name"] == "custom" {
			custom = m
		}
	}
	require.NotNil(t, custom)
	assert.Equal(t, "unhealthy", custom["status"])
	assert.Contains(t, custom["details"].(map[string]any)["error"], "check blew up")

	code, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	// liveness не зависит от проверок
	code, simple := env.do(t, http.MethodGet, "/health/simple", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", simple["status"])
}

func TestServer_HealthIncludesPluginProbes(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/health/detailed", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])

	names := map[string]bool{}
	for _, c := range body["checks"].([]any) {
		names[c.(map[string]any)["name"].(string)] = true
	}
	for _, want := range []string{"server", "requests", "metrics", "events"} {
		assert.True(t, names[want], "missing check %q", want)
	}
}

func TestServer_SSEStream(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Bus.Emit(domain.FailSafeEvent{Type: domain.EventSystem, Data: domain.SystemData{Message: "before"}})

	resp, err := env.client.Get(env.baseURL + "/events?type=drift&replay=false")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan domain.FailSafeEvent, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev domain.FailSafeEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				frames <- ev
			}
		}
		close(frames)
	}()

	next := func() domain.FailSafeEvent {
		t.Helper()
		select {
		case ev, ok := <-frames:
			require.True(t, ok, "stream closed")
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no SSE frame")
		}
		return domain.FailSafeEvent{}
	}

	hello := next()
	assert.Equal(t, domain.EventSystem, hello.Type)
	assert.Equal(t, "connected", hello.Data.(domain.SystemData).Message)

	env.deps.Bus.Emit(domain.FailSafeEvent{Type: domain.EventSystem, Data: domain.SystemData{Message: "filtered"}})
	env.deps.Bus.Emit(domain.FailSafeEvent{Type: domain.EventDrift, Data: domain.DriftData{Component: "api"}})

	ev := next()
	assert.Equal(t, domain.EventDrift, ev.Type)
	assert.Equal(t, domain.DriftData{Component: "api"}, ev.Data)

	// connected не попадает в общий буфер
	for _, recent := range env.deps.Bus.Recent(0, "") {
		if d, ok := recent.Data.(domain.SystemData); ok {
			assert.NotEqual(t, "connected", d.Message)
		}
	}
}

func TestServer_WebSocketStream(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Bus.Emit(domain.FailSafeEvent{Type: domain.EventTaskEvent, Data: domain.TaskEventData{TaskID: "replayed"}})

	wsURL := "ws" + strings.TrimPrefix(env.baseURL, "http") + "/events/ws?type=task_event"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var hello domain.FailSafeEvent
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Data.(domain.SystemData).Message)

	var replayed domain.FailSafeEvent
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, domain.TaskEventData{TaskID: "replayed"}, replayed.Data)

	env.deps.Bus.Emit(domain.FailSafeEvent{Type: domain.EventTaskEvent, Data: domain.TaskEventData{TaskID: "live"}})
	var live domain.FailSafeEvent
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, domain.TaskEventData{TaskID: "live"}, live.Data)
}

func TestServer_WebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.baseURL, "http") + "/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_PrometheusExposition(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health/simple", nil)

	resp, err := env.client.Get(env.baseURL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `failsafe_http_requests_total{method="GET",route="/health/simple",status="200"} 1`)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, http.MethodPut, "/requests", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "method not allowed", body["error"])
}

type pingPlugin struct{}

func (pingPlugin) Name() string { return "ping" }

func (pingPlugin) Mount(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})
}

func (pingPlugin) HealthCheck(context.Context) domain.HealthCheckResult {
	return domain.HealthCheckResult{Name: "ping", Status: domain.StatusHealthy}
}

func TestServer_ExtraPlugin(t *testing.T) {
	env := newTestEnv(t, pingPlugin{})
	assert.Equal(t, []string{"requests", "metrics", "events", "health", "ping"}, env.srv.Plugins())

	code, body := env.do(t, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["pong"])

	_, health := env.do(t, http.MethodGet, "/health/detailed", nil)
	found := false
	for _, c := range health["checks"].([]any) {
		if c.(map[string]any)["name"] == "ping" {
			found = true
		}
	}
	assert.True(t, found)
}
