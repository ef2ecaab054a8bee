package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/linkorbit/coordinator/internal/clock/fake"
	"github.com/linkorbit/coordinator/internal/config"
	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/dispatch"
	"github.com/linkorbit/coordinator/internal/fleet"
	"github.com/linkorbit/coordinator/internal/metrics"
	pubmemory "github.com/linkorbit/coordinator/internal/publisher/memory"
	"github.com/linkorbit/coordinator/internal/quota"
	"github.com/linkorbit/coordinator/internal/store/memory"
	"github.com/linkorbit/coordinator/internal/telemetry"
)

type fakeIDGen struct{ n int }

func (g *fakeIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

type testEnv struct {
	server     *Server
	dispatcher *dispatch.Dispatcher
	fleet      *fleet.Manager
	quota      *quota.Tracker
	clock      *fake.Clock
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	metrics.Init()
	clk := fake.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	jobs := memory.NewJobStore()
	fl := fleet.New(fleet.Config{HeartbeatTimeout: 90 * time.Second}, clk, zap.NewNop())
	qt := quota.New(quota.Config{FailureThreshold: 5, Cooldown: time.Minute},
		map[string]quota.ProviderSpec{
			"link_index": {Limit: 100, ResetPeriod: 24 * time.Hour},
		}, clk, nil, zap.NewNop())
	d := dispatch.New(dispatch.Config{}, jobs, fl, qt, clk, &fakeIDGen{}, zap.NewNop())
	hub := telemetry.NewHub(zap.NewNop())
	agg := telemetry.New(telemetry.Config{}, jobs, fl, qt, d, hub, pubmemory.New(), clk, zap.NewNop())
	server := NewServer(d, jobs, fl, qt, agg, hub, cfg, zap.NewNop())
	return &testEnv{server: server, dispatcher: d, fleet: fl, quota: qt, clock: clk}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submitJob(t *testing.T, target string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"target_url": target,
		"job_type":   "crawl",
		"config":     map[string]any{"max_depth": 2},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
	return resp["job_id"]
}

func TestSubmitAndGetJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	jobID := env.submitJob(t, "https://example.com")

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Job core.CrawlJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, core.JobStatusQueued, resp.Job.Status)
	require.Equal(t, "https://example.com", resp.Job.TargetURL)
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/v1/jobs", map[string]any{"job_type": "crawl"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "target_url")

	rec = env.do(t, http.MethodPost, "/v1/jobs", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodGet, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsFilterByStatus(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	env.submitJob(t, "https://a.example.com")
	env.submitJob(t, "https://b.example.com")

	rec := env.do(t, http.MethodGet, "/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)

	rec = env.do(t, http.MethodGet, "/v1/jobs?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	jobID := env.submitJob(t, "https://example.com")
	rec := env.do(t, http.MethodDelete, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"previous_status":"queued"`)

	rec = env.do(t, http.MethodDelete, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseResumeDispatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/v1/dispatch/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.dispatcher.Paused())

	rec = env.do(t, http.MethodPost, "/v1/dispatch/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, env.dispatcher.Paused())
}

func TestHeartbeatRegistersAndDeliversAssignment(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/v1/satellites/sat-1/heartbeat", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	jobID := env.submitJob(t, "https://example.com")
	env.dispatcher.DispatchOnce(context.Background())

	rec = env.do(t, http.MethodPost, "/v1/satellites/sat-1/heartbeat", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp heartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Assignment)
	require.Equal(t, jobID, resp.Assignment.ID)
}

func TestControlCommandDeliveredOnHeartbeat(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	env.do(t, http.MethodPost, "/v1/satellites/sat-1/heartbeat", map[string]any{})

	rec := env.do(t, http.MethodPost, "/v1/satellites/sat-1/control", map[string]any{"command": "PAUSE"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/satellites/sat-1/control", map[string]any{"command": "SELF_DESTRUCT"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/satellites/unknown/control", map[string]any{"command": "PAUSE"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/satellites/sat-1/heartbeat", map[string]any{})
	var resp heartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []core.ControlCommand{core.CommandPause}, resp.Commands)
}

func TestSatelliteReportFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	ctx := context.Background()

	env.do(t, http.MethodPost, "/v1/satellites/sat-1/heartbeat", map[string]any{})
	jobID := env.submitJob(t, "https://example.com")
	env.dispatcher.DispatchOnce(ctx)

	// Acknowledge, report progress, then completion.
	env.do(t, http.MethodPost, "/v1/satellites/sat-1/heartbeat", map[string]any{"current_job_id": jobID})

	rec := env.do(t, http.MethodPost, "/v1/satellites/sat-1/jobs/"+jobID+"/progress", map[string]any{
		"progress_percentage": 55,
		"urls_crawled":        120,
		"links_found":         40,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/satellites/sat-2/jobs/"+jobID+"/progress", map[string]any{
		"progress_percentage": 60,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/satellites/sat-1/jobs/"+jobID+"/complete", map[string]any{
		"success":      true,
		"urls_crawled": 200,
		"links_found":  80,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Job core.CrawlJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, core.JobStatusCompleted, resp.Job.Status)
	require.Equal(t, int64(200), resp.Job.URLsCrawled)
}

func TestListSatellites(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	env.do(t, http.MethodPost, "/v1/satellites/sat-1/heartbeat", map[string]any{})
	env.do(t, http.MethodPost, "/v1/satellites/sat-2/heartbeat", map[string]any{})

	rec := env.do(t, http.MethodGet, "/v1/satellites", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
}

func TestProviderAcquireAndReport(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/v1/providers/link_index/acquire", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/providers/link_index/report", map[string]any{
		"success":    true,
		"latency_ms": 120,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	status := env.quota.Status("link_index")
	require.Equal(t, int64(1), status.Used)

	// Exhaust the quota; the next acquire is rejected.
	for i := 0; i < 99; i++ {
		env.quota.RecordCall("link_index", true, time.Millisecond)
	}
	rec = env.do(t, http.MethodPost, "/v1/providers/link_index/acquire", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetTelemetrySnapshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	env.submitJob(t, "https://example.com")
	rec := env.do(t, http.MethodGet, "/v1/telemetry", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap telemetry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 1, snap.Jobs.Queued)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"},
	})

	rec := env.do(t, http.MethodGet, "/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?status=queued", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
