package admin

import (
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "taskd/pkg/logx"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

// Handler builds the admin mux for cfg.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /tasks                 scheduler snapshot
//	POST /tasks/{id}/cancel
//	GET  /runs?name=&limit=     persisted run history
//	     /debug/pprof/          when cfg.Pprof
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Scheduler != nil && s.deps.Scheduler.IsTerminated() {
			http.Error(w, "terminated", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("GET /metrics", wrap(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	mux.Handle("GET /tasks", wrap(http.HandlerFunc(s.handleTasks)))
	mux.Handle("POST /tasks/{id}/cancel", wrap(http.HandlerFunc(s.handleCancel)))
	mux.Handle("GET /runs", wrap(http.HandlerFunc(s.handleRuns)))

	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if !s.deps.Scheduler.Cancel(id) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	s.log.Info("task cancelled via admin", logx.String("task", id))
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.deps.Runs.RecentRuns(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		s.log.Warn("run history query failed", logx.Err(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("admin response write failed", logx.Err(err))
	}
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or "?token=<token>".
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
