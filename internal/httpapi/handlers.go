package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"chronod/internal/manager"
	"chronod/internal/pubsub"
	"chronod/pkg/logx"
)

const (
	// UserHeader names the acting user for the audit log.
	UserHeader = "X-Chronod-User"

	maxBody      = 1 << 20
	defaultRange = 10 * time.Minute
)

// Handler builds the full route table for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	api := func(h http.HandlerFunc) http.Handler {
		return s.withAuth(cfg.Token, s.met.instrument(withLimit(limiter, h)))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("POST /api/v1/jobs", api(s.addJob))
	mux.Handle("GET /api/v1/jobs", api(s.listJobs))
	mux.Handle("GET /api/v1/jobs/{id}", api(s.getJob))
	mux.Handle("PUT /api/v1/jobs/{id}", api(s.modifyJob))
	mux.Handle("PATCH /api/v1/jobs/{id}", api(s.pauseJob))
	mux.Handle("OPTIONS /api/v1/jobs/{id}", api(s.resumeJob))
	mux.Handle("DELETE /api/v1/jobs/{id}", api(s.removeJob))

	mux.Handle("GET /api/v1/executions", api(s.listExecutions))
	mux.Handle("GET /api/v1/executions/{id}", api(s.getExecution))
	mux.Handle("POST /api/v1/executions/{id}", api(s.runJob))
	mux.Handle("DELETE /api/v1/executions/{id}", api(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotImplemented, "cancelling an execution is not supported")
	}))

	mux.Handle("GET /api/v1/logs", api(s.listLogs))

	mux.Handle("POST /api/v1/callbacks", api(s.callback))
	mux.Handle("POST /api/v1/callbacks/{key}", api(s.callback))

	mux.Handle("GET /api/v1/payloads", api(s.payloads))
	mux.Handle("GET /api/v1/status", api(s.status))

	if cfg.Events && s.bus != nil {
		mux.Handle("GET /api/v1/events", s.withAuth(cfg.Token, http.HandlerFunc(s.events)))
	}
	if cfg.Metrics {
		mux.Handle("GET /metrics", s.withAuth(cfg.Token, s.met.Handler()))
	}
	if cfg.Pprof {
		wrap := func(h http.HandlerFunc) http.Handler { return s.withAuth(cfg.Token, h) }
		mux.Handle("/debug/pprof/", wrap(hpprof.Index))
		mux.Handle("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.Handle("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.Handle("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.Handle("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) addJob(w http.ResponseWriter, r *http.Request) {
	var req manager.JobRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.mgr.AddJob(r.Context(), user(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.mgr.ListJobs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Service) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.mgr.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Service) modifyJob(w http.ResponseWriter, r *http.Request) {
	var req manager.JobRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.mgr.ModifyJob(r.Context(), user(r), id, req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

func (s *Service) pauseJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.PauseJob(r.Context(), user(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

func (s *Service) resumeJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.ResumeJob(r.Context(), user(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

func (s *Service) removeJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.RemoveJob(r.Context(), user(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

func (s *Service) listExecutions(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs, err := s.mgr.ListExecutions(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Service) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.mgr.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// runJob runs the job named in the path now and answers once it finished.
func (s *Service) runJob(w http.ResponseWriter, r *http.Request) {
	execID, err := s.mgr.RunJob(r.Context(), user(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": execID})
}

func (s *Service) listLogs(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.mgr.ListAuditLogs(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// callback delivers a webhook body to the execution waiting on its key: the
// path segment when present, otherwise the body's "jobid".
func (s *Service) callback(w http.ResponseWriter, r *http.Request) {
	var body any
	if !decode(w, r, &body) {
		return
	}
	key := r.PathValue("key")
	if key == "" {
		if m, ok := body.(map[string]any); ok {
			switch v := m["jobid"].(type) {
			case string:
				key = v
			case float64:
				key = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}
	if err := s.mgr.Publish(key, body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Service) payloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"payloads": s.mgr.Payloads()})
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"runner":            s.mgr.RunnerStats(),
		"pending_callbacks": s.mgr.PendingCallbacks(),
	}
	if sched := s.mgr.Scheduler(); sched != nil {
		out["scheduler"] = sched.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

// fail maps an error to its response: lookups and bad input are the caller's
// fault (400), a late webhook is 404, the rest is logged as 500.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case manager.IsNotFound(err), manager.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case pubsub.IsNoSubscriber(err):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func user(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

// timeRange reads time_range_start and time_range_end as RFC 3339 or unix
// seconds. The default window is the last ten minutes.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := time.Now()
	if v := q.Get("time_range_end"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "time_range_end")
		}
		end = t
	}
	start := end.Add(-defaultRange)
	if v := q.Get("time_range_start"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "time_range_start")
		}
		start = t
	}
	return start, end, nil
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("cannot parse time %q", v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func withLimit(l *rate.Limiter, h http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		h(w, r)
	}
}

func (s *Service) withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token>
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
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
