package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"helm/internal/auth"
	"helm/internal/config"
	"helm/internal/logstore"
	"helm/internal/monitor"
	"helm/internal/registry"
	"helm/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	principals map[string]auth.Principal
	outage     bool
}

func (f *fakeVerifier) Verify(_ context.Context, raw string) (auth.Principal, error) {
	if f.outage {
		return auth.Principal{}, fmt.Errorf("%w: fetching JWKS: connection refused", auth.ErrIdentityUnavailable)
	}
	p, ok := f.principals[raw]
	if !ok {
		return auth.Principal{}, fmt.Errorf("%w: bad token", auth.ErrUnauthorized)
	}
	return p, nil
}

type fakeSup struct {
	startErr error
	stopErr  error
	lastMode supervisor.Mode
}

func (f *fakeSup) Start(_ context.Context, name string, mode supervisor.Mode) (supervisor.ProcessRecord, error) {
	f.lastMode = mode
	if f.startErr != nil {
		return supervisor.ProcessRecord{}, f.startErr
	}
	return supervisor.ProcessRecord{ServiceName: name, Status: supervisor.StatusRunning, PID: 4242, Mode: mode}, nil
}

func (f *fakeSup) Stop(_ context.Context, name string) (supervisor.ProcessRecord, error) {
	if f.stopErr != nil {
		return supervisor.ProcessRecord{}, f.stopErr
	}
	return supervisor.ProcessRecord{ServiceName: name, Status: supervisor.StatusStopped}, nil
}

func (f *fakeSup) Restart(ctx context.Context, name string, mode supervisor.Mode) (supervisor.ProcessRecord, error) {
	if _, err := f.Stop(ctx, name); err != nil {
		return supervisor.ProcessRecord{}, err
	}
	return f.Start(ctx, name, mode)
}

func (f *fakeSup) DefaultMode() supervisor.Mode { return supervisor.ModeDevelopment }

type fakeStatuses map[string]monitor.ServiceStatus

func (f fakeStatuses) Statuses() map[string]monitor.ServiceStatus { return f }

func (f fakeStatuses) Status(name string) (monitor.ServiceStatus, bool) {
	s, ok := f[name]
	return s, ok
}

type fakeLogs struct {
	ingestErr error
	queryErr  error
	entries   []logstore.Entry
	pingErr   error
}

func (f *fakeLogs) IngestBatch(_ context.Context, batch logstore.Batch) (int, error) {
	if f.ingestErr != nil {
		return 0, f.ingestErr
	}
	return len(batch.Logs), nil
}

func (f *fakeLogs) Query(_ context.Context, filter logstore.Filter) ([]logstore.Entry, int64, error) {
	if f.queryErr != nil {
		return nil, 0, f.queryErr
	}
	return f.entries, int64(len(f.entries)), nil
}

func (f *fakeLogs) GetEntry(_ context.Context, id int64) (logstore.Entry, error) {
	for _, e := range f.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return logstore.Entry{}, fmt.Errorf("%w: id %d", logstore.ErrNotFound, id)
}

func (f *fakeLogs) MetricsSince(_ context.Context, service string, _ time.Time) ([]logstore.MetricSample, error) {
	return []logstore.MetricSample{{ServiceName: service, MetricName: "cpu_percent", Value: 1}}, nil
}

func (f *fakeLogs) LevelCountsSince(_ context.Context, _ time.Time) ([]logstore.LevelCount, error) {
	return []logstore.LevelCount{{ServiceName: "codex", Level: logstore.LevelError, Count: 3}}, nil
}

func (f *fakeLogs) Ping(_ context.Context) error { return f.pingErr }

type testCatalog []registry.ServiceEntry

func (c testCatalog) Get(name string) (registry.ServiceEntry, bool) {
	for _, e := range c {
		if e.Name == name {
			return e, true
		}
	}
	return registry.ServiceEntry{}, false
}

func (c testCatalog) All() []registry.ServiceEntry { return c }

type fixture struct {
	srv      *httptest.Server
	sup      *fakeSup
	logs     *fakeLogs
	verifier *fakeVerifier
}

func newFixture(t *testing.T) *fixture {
	catalog := testCatalog{
		{Name: "helm", Port: 5004},
		{Name: "core", Port: 5000},
		{Name: "codex", Port: 5010},
	}
	sup := &fakeSup{}
	logs := &fakeLogs{}
	verifier := &fakeVerifier{principals: map[string]auth.Principal{
		"admin-token": {Kind: auth.KindUser, Sub: "alice", PermissionLevel: "admin"},
		"tech-token":  {Kind: auth.KindUser, Sub: "bob", PermissionLevel: "technician"},
		"svc-token":   {Kind: auth.KindService, Sub: "codex", CallingService: "codex"},
	}}
	statuses := fakeStatuses{
		"codex": {ServiceName: "codex", Status: supervisor.StatusRunning, Port: 5010, Health: monitor.HealthHealthy},
	}

	s := New(catalog, sup, statuses, logs, verifier, config.DefaultSettings(), "1.0.0", nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, sup: sup, logs: logs, verifier: verifier}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]interface{}) {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "helm", body["service"])
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["database"])
	assert.Equal(t, "healthy", checks["supervisor"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestHealthDegradedWithoutDatabase(t *testing.T) {
	f := newFixture(t)
	f.logs.pingErr = fmt.Errorf("connection refused")
	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	paths := []string{"/services", "/services/status", "/logs", "/dashboard/status"}
	for _, path := range paths {
		resp, body := f.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "unauthorized", body["kind"], path)
	}

	resp, _ := f.do(t, http.MethodGet, "/services", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIdentityServiceOutageIs502(t *testing.T) {
	f := newFixture(t)
	f.verifier.outage = true

	resp, body := f.do(t, http.MethodGet, "/services", "admin-token", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad_gateway", body["kind"])
}

func TestListServices(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/services", nil)
	req.Header.Set("Authorization", "Bearer tech-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []registry.ServiceEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Len(t, entries, 3)
}

func TestServiceStatusFallsBackBeforeFirstProbe(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/services/codex/status", "tech-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])

	resp, body = f.do(t, http.MethodGet, "/services/core/status", "tech-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", body["status"])
	assert.Equal(t, "unknown", body["health"])

	resp, _ = f.do(t, http.MethodGet, "/services/ghost/status", "tech-token", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/services/codex/start", "tech-token", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["kind"])

	resp, _ = f.do(t, http.MethodPost, "/services/codex/start", "admin-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Service tokens bypass the permission gate.
	resp, _ = f.do(t, http.MethodPost, "/services/codex/restart", "svc-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartModeParsing(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/services/codex/start", "admin-token", `{"mode":"production"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, supervisor.ModeProduction, f.sup.lastMode)

	resp, body := f.do(t, http.MethodPost, "/services/codex/start", "admin-token", `{"mode":"staging"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["kind"])
}

func TestStartErrorMapping(t *testing.T) {
	tests := []struct {
		kind   supervisor.ErrorKind
		status int
	}{
		{supervisor.KindAlreadyRunning, http.StatusConflict},
		{supervisor.KindPortInUse, http.StatusUnprocessableEntity},
		{supervisor.KindUnknownService, http.StatusNotFound},
		{supervisor.KindNotSupervisable, http.StatusForbidden},
		{supervisor.KindSpawnFailed, http.StatusInternalServerError},
		{supervisor.KindStartTimeout, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t)
			f.sup.startErr = &supervisor.ProcessError{Kind: tt.kind, Service: "codex"}

			resp, body := f.do(t, http.MethodPost, "/services/codex/start", "admin-token", "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(tt.kind), body["kind"])
		})
	}
}

func TestIngest(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/logs/ingest", "svc-token",
		`{"service_name":"codex","logs":[{"level":"INFO","message":"hi"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["accepted"])

	resp, body = f.do(t, http.MethodPost, "/logs/ingest", "svc-token", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_batch", body["kind"])

	f.logs.ingestErr = fmt.Errorf("%w: bad level", logstore.ErrMalformedBatch)
	resp, _ = f.do(t, http.MethodPost, "/logs/ingest", "svc-token",
		`{"service_name":"codex","logs":[{"level":"LOUD","message":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.logs.ingestErr = fmt.Errorf("connection refused")
	resp, body = f.do(t, http.MethodPost, "/logs/ingest", "svc-token",
		`{"service_name":"codex","logs":[{"level":"INFO","message":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "storage_error", body["kind"])
}

func TestQueryLogs(t *testing.T) {
	f := newFixture(t)
	f.logs.entries = []logstore.Entry{{ID: 7, ServiceName: "codex", Level: logstore.LevelError, Message: "boom"}}

	resp, body := f.do(t, http.MethodGet, "/logs?service=codex&level=ERROR&limit=10", "tech-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, body = f.do(t, http.MethodGet, "/logs?from=yesterday", "tech-token", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_filter", body["kind"])

	f.logs.queryErr = fmt.Errorf("%w: limit", logstore.ErrInvalidFilter)
	resp, _ = f.do(t, http.MethodGet, "/logs?limit=5000", "tech-token", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetLogEntry(t *testing.T) {
	f := newFixture(t)
	f.logs.entries = []logstore.Entry{{ID: 7, ServiceName: "codex", Level: logstore.LevelError, Message: "boom"}}

	resp, body := f.do(t, http.MethodGet, "/logs/7", "tech-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "boom", body["message"])

	resp, _ = f.do(t, http.MethodGet, "/logs/99", "tech-token", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/logs/notanumber", "tech-token", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/metrics/codex", "tech-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "codex", body["service"])

	resp, _ = f.do(t, http.MethodGet, "/metrics/ghost", "tech-token", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/dashboard/status", "tech-token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	services := body["services"].(map[string]interface{})
	assert.Len(t, services, 3)
	assert.Equal(t, false, body["idp_degraded"])
	assert.NotNil(t, body["log_activity"])
	assert.Equal(t, "1.0.0", body["version"])
}
