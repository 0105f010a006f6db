package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/observability/metrics"
	"taskd/internal/storage"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

func newDeps(t *testing.T) (Deps, *scheduler.Scheduler) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.InitPrometheusMetrics("taskd", reg)
	s := scheduler.New(scheduler.WithObserver(m))
	t.Cleanup(s.Terminate)

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return Deps{Scheduler: s, Gatherer: reg, Runs: st}, s
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_TasksAndCancel(t *testing.T) {
	deps, s := newDeps(t)
	task, err := scheduler.ScheduleDelay(s, func(context.Context) (int, error) { return 1, nil }, time.Hour, scheduler.WithName("later"))
	require.NoError(t, err)

	h := New(Config{}, deps, logx.Nop()).Handler(Config{})

	rec := do(t, h, http.MethodGet, "/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap scheduler.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "later", snap.Tasks[0].Name)

	rec = do(t, h, http.MethodPost, "/tasks/"+task.ID()+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, task.IsCancelled())

	rec = do(t, h, http.MethodPost, "/tasks/"+task.ID()+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskd_tasks_cancelled_total")

	rec = do(t, h, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Runs(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, deps.Runs.AppendRun(ctx, storage.RunRecord{
			At: time.Now().Add(time.Duration(i) * time.Second), Name: "job", Kind: "repeating", Run: uint64(i), OK: true,
		}))
	}
	h := New(Config{}, deps, logx.Nop()).Handler(Config{})

	rec := do(t, h, http.MethodGet, "/runs?name=job&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, uint64(3), runs[0].Run)

	rec = do(t, h, http.MethodGet, "/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	deps.Runs = nil
	h = New(Config{}, deps, logx.Nop()).Handler(Config{})
	rec = do(t, h, http.MethodGet, "/runs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Auth(t *testing.T) {
	deps, s := newDeps(t)
	cfg := Config{Token: "secret", Pprof: true}
	h := New(cfg, deps, logx.Nop()).Handler(cfg)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/tasks", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/tasks", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/tasks?token=wrong", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/tasks", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/tasks?token=secret", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/debug/pprof/", "secret").Code)

	// healthz stays open for probes.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	s.Terminate()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestService_StartStop(t *testing.T) {
	deps, _ := newDeps(t)
	svc := New(Config{}, deps, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	svc.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, svc.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.1:80":    false,
		"nonsense":       false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
	assert.True(t, strings.HasPrefix(DefaultAddr, "127.0.0.1:"))
}
