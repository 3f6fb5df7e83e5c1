//go:build linux || darwin

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/audit"
	"github.com/liuyuansharp/service-compose/internal/metrics"
)

const fixtureConfig = `services:
  - name: db
    cmd: /bin/sh
    args: ["-c", "sleep 30"]
    heartbeat: mock://ok
  - name: api
    cmd: /bin/sh
    args: ["-c", "sleep 30"]
    depends_on: [db]
    heartbeat: mock://fail
    scheduled_restart:
      enabled: false
      cron: "03:00"
      last_restart: null
`

type fixture struct {
	path    string
	store   *compose.ConfigStore
	mgr     *compose.Manager
	locks   *compose.ControlLocks
	audit   *audit.MemoryStore
	metrics *metrics.Metrics
	hub     *Hub
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureConfig), 0o644))

	store, err := compose.NewConfigStore(path)
	require.NoError(t, err)
	cfg, err := store.Load()
	require.NoError(t, err)

	mgr, err := compose.NewManager(context.Background(), cfg,
		compose.WithManagerStopTimeout(2*time.Second),
		compose.WithLevelPause(10*time.Millisecond),
		compose.WithRestartPause(10*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mgr.Close(context.Background(), time.Second)
	})

	mux := compose.NewProberMux(compose.NewHTTPProber(time.Second))
	mux.Handle("mock", compose.StaticProber{})

	f := &fixture{
		path:    path,
		store:   store,
		mgr:     mgr,
		locks:   compose.NewControlLocks(),
		audit:   audit.NewMemoryStore(0),
		metrics: metrics.New(),
	}
	f.hub = NewHub(testLogger(t))
	srv := New(Deps{
		Services: mgr,
		Store:    store,
		Locks:    f.locks,
		Health:   compose.NewHealthChecker(mux, mgr),
		Audit:    f.audit,
		Metrics:  f.metrics,
		Hub:      f.hub,
	}, WithRateLimit(1000))
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[healthResponse](t, rec)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, compose.Version, resp.Version.Version)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestServicesAndStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/services", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[servicesResponse](t, rec)
	require.Len(t, resp.Services, 2)
	require.Equal(t, "db", resp.Services[0].Name)
	require.Equal(t, compose.HealthStopped, resp.Platform)

	require.NoError(t, f.mgr.StartService(context.Background(), "db"))

	resp = decode[servicesResponse](t, f.do(t, http.MethodGet, "/api/services", nil, ""))
	require.True(t, resp.Services[0].Running)
	require.Equal(t, compose.HealthRunning, resp.Services[0].Health)
	require.Equal(t, compose.HealthRunning, resp.Platform)

	require.NoError(t, f.mgr.StartService(context.Background(), "api"))
	status := decode[statusResponse](t, f.do(t, http.MethodGet, "/api/status", nil, ""))
	require.Equal(t, compose.HealthAbnormal, status.Status)
	require.Equal(t, 2, status.Services)
	require.Equal(t, 2, status.Running)
	require.Equal(t, 1, status.Abnormal)
}

func TestGraph(t *testing.T) {
	f := newFixture(t)
	resp := decode[graphResponse](t, f.do(t, http.MethodGet, "/api/services/graph", nil, ""))
	require.Equal(t, []string{"db", "api"}, resp.Nodes)
	require.Equal(t, []compose.Edge{{From: "db", To: "api"}}, resp.Edges)
	require.Equal(t, []string{"db"}, resp.Graph["api"])
	require.Equal(t, []string{"api"}, resp.Reverse["db"])
	require.Equal(t, []string{}, resp.Reverse["api"])
	require.Equal(t, [][]string{{"db"}, {"api"}}, resp.Levels)
}

func TestControl(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/control", controlRequest{Action: "start", Service: "db"}, "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decode[controlResponse](t, rec).Success)

	sup, ok := f.mgr.Supervisor("db")
	require.True(t, ok)
	require.True(t, sup.Running())

	page, err := f.audit.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, "alice", page.Entries[0].Actor)
	require.Equal(t, "start", page.Entries[0].Action)
	require.Equal(t, "db", page.Entries[0].Target)
	require.Equal(t, compose.AuditSuccess, page.Entries[0].Result)

	rec = f.do(t, http.MethodPost, "/api/control", controlRequest{Action: "stop"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, compose.AllServices, decode[controlResponse](t, rec).Service)
	require.False(t, sup.Running())
}

func TestControlRejections(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/control", controlRequest{Action: "explode", Service: "db"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/control", controlRequest{Action: "status", Service: "db"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/control", controlRequest{Action: "start", Service: "nope"}, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/control", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlConflict(t *testing.T) {
	f := newFixture(t)

	release, ok := f.locks.TryAcquire("db")
	require.True(t, ok)

	rec := f.do(t, http.MethodPost, "/api/control", controlRequest{Action: "restart", Service: "db"}, "bob")
	require.Equal(t, http.StatusConflict, rec.Code)

	page, err := f.audit.Query(context.Background(), audit.Filter{User: "bob"})
	require.NoError(t, err)
	require.Equal(t, compose.AuditSkipped, page.Entries[0].Result)

	release()
	rec = f.do(t, http.MethodPost, "/api/control", controlRequest{Action: "restart", Service: "db"}, "bob")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestBatchControl(t *testing.T) {
	f := newFixture(t)

	release, ok := f.locks.TryAcquire("api")
	require.True(t, ok)
	defer release()

	rec := f.do(t, http.MethodPost, "/api/batch-control",
		batchRequest{Action: "start", Services: []string{"db", "api", "ghost", "db"}}, "carol")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[batchResponse](t, rec)
	require.Len(t, resp.Results, 3)
	require.Equal(t, batchResult{Service: "db", Result: compose.AuditSuccess}, resp.Results[0])
	require.Equal(t, compose.AuditSkipped, resp.Results[1].Result)
	require.Equal(t, compose.AuditFailed, resp.Results[2].Result)
	require.Equal(t, 1, resp.Succeeded)
	require.Equal(t, 1, resp.Skipped)
	require.Equal(t, 1, resp.Failed)

	too := make([]string, MaxBatchServices+1)
	for i := range too {
		too[i] = fmt.Sprintf("svc%d", i)
	}
	rec = f.do(t, http.MethodPost, "/api/batch-control", batchRequest{Action: "start", Services: too}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/batch-control", batchRequest{Action: "start"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduledRestart(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, time.January, 1, 1, 0, 0, 0, time.Local)
	srv := New(Deps{Services: f.mgr, Store: f.store, Locks: f.locks, Audit: f.audit}, WithClock(func() time.Time { return now }))
	h := srv.Handler()

	put := func(body scheduledRestartRequest) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/scheduled-restart", &buf))
		return rec
	}

	rec := put(scheduledRestartRequest{Service: "api", Enabled: true, Cron: "25:00"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = put(scheduledRestartRequest{Service: "ghost", Enabled: true, Cron: "02:30"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = put(scheduledRestartRequest{Service: "api", Enabled: true, Cron: "02:30@0,2,4"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[scheduledRestartResponse](t, rec)
	require.NotNil(t, resp.ScheduledRestart.NextRestart)
	require.True(t, resp.ScheduledRestart.NextRestart.Equal(time.Date(2024, time.January, 1, 2, 30, 0, 0, time.Local)))

	cfg, err := compose.LoadConfig(f.path)
	require.NoError(t, err)
	spec, _ := cfg.Service("api")
	require.Equal(t, &compose.ScheduledRestart{Enabled: true, Cron: "02:30@0,2,4"}, spec.ScheduledRestart)
}

func TestServiceOrder(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/api/preferences/service-order", serviceOrderRequest{Order: []string{"api", "ghost"}}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, []string{"api", "db"}, decode[serviceOrderResponse](t, rec).Order)

	cfg, err := compose.LoadConfig(f.path)
	require.NoError(t, err)
	require.Equal(t, []string{"api", "db"}, cfg.Names())
}

func TestAuditLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 5 {
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		require.NoError(t, f.audit.Record(ctx, compose.AuditEntry{Actor: user, Action: "start", Target: fmt.Sprint(i)}))
	}

	page := decode[audit.Page](t, f.do(t, http.MethodGet, "/api/audit-logs?limit=2&offset=1&user=alice", nil, ""))
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Entries, 2)
	require.Equal(t, "2", page.Entries[0].Target)
	require.Equal(t, "0", page.Entries[1].Target)

	rec := f.do(t, http.MethodGet, "/api/audit-logs?limit=0", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/audit-logs?offset=x", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/control", controlRequest{Action: "start", Service: "db"}, "")

	rec := f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `service_compose_control_requests_total{action="start",result="success"} 1`)
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	f.hub.Publish(compose.Event{Service: "db", State: compose.StateBackoff, RestartCount: 2, Delay: 2 * time.Second})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string    `json:"type"`
		Data EventData `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MessageTypeServiceEvent, msg.Type)
	require.Equal(t, "db", msg.Data.Service)
	require.Equal(t, "backoff", msg.Data.State)
	require.Equal(t, int64(2000), msg.Data.DelayMS)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypePing}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MessageTypePong, msg.Type)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.hub.Serve(ctx))
	require.Equal(t, 0, f.hub.ClientCount())
}
