package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stdlog "log"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"jobsched/internal/domain"
)

const (
	tokenHeader     = "x-token"
	maxRequestBytes = 1 << 20
)

// Scheduler is the set of operations the API exposes.
type Scheduler interface {
	Submit(ctx context.Context, j domain.Job) (string, error)
	ListPending(ctx context.Context) ([]domain.JobRecord, error)
	CountPending(ctx context.Context) (int, error)
	GetByID(ctx context.Context, id string) (domain.JobRecord, error)
	Executions(ctx context.Context, id string) ([]domain.Execution, error)
	Remove(ctx context.Context, id string) error
	RemoveAll(ctx context.Context) (int, error)
	Healthy(ctx context.Context) error
	Location() *time.Location
}

type Server struct {
	sched Scheduler
	token string
}

func NewServer(sched Scheduler, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog, middleware.Recoverer)

	s := &Server{sched: sched, token: token}

	r.Get("/health", s.health)
	r.Route("/jobs", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/", s.listJobs)
		r.Delete("/", s.removeAllJobs)
		r.Post("/create", s.createJob)
		r.Get("/number", s.countJobs)
		r.Get("/{id}", s.getJob)
		r.Get("/{id}/executions", s.listExecutions)
		r.Delete("/{id}", s.removeJob)
	})

	return r
}

// accessLog writes chi's request log through zerolog and skips health probes.
func accessLog(next http.Handler) http.Handler {
	logged := middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  stdlog.New(log.Logger, "", 0),
		NoColor: true,
	})(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// requireToken rejects every request when no token is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(tokenHeader)
		if s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusForbidden, errorResp{ErrorType: "client", ErrorMessage: "invalid or missing " + tokenHeader})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Healthy(r.Context()); err != nil {
		log.Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type jobReq struct {
	Name      string         `json:"name"`
	Category  string         `json:"category"`
	RunAt     string         `json:"run_at"`
	Action    *domain.Action `json:"action"`
	OnSuccess *domain.Action `json:"on_success"`
	OnFailure *domain.Action `json:"on_failure"`
}

type createReq struct {
	Job *jobReq `json:"job"`
}

func (req jobReq) toJob(loc *time.Location) (domain.Job, error) {
	if req.Action == nil {
		return domain.Job{}, errors.Wrap(domain.ErrInvalidJob, "action is required")
	}
	runAt, err := domain.ParseRunAt(req.RunAt, loc)
	if err != nil {
		return domain.Job{}, err
	}
	return domain.Job{
		Name:      req.Name,
		Category:  req.Category,
		RunAt:     runAt,
		Action:    *req.Action,
		OnSuccess: req.OnSuccess,
		OnFailure: req.OnFailure,
	}, nil
}

type jobIDResp struct {
	Status string `json:"status"`
	JobID  string `json:"job_uuid"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, errors.Mark(errors.Wrap(err, "decode request"), domain.ErrInvalidJob))
		return
	}
	if req.Job == nil {
		writeError(w, errors.Wrap(domain.ErrInvalidJob, "job is required"))
		return
	}
	job, err := req.Job.toJob(s.sched.Location())
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.sched.Submit(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobIDResp{Status: "success", JobID: id})
}

func (s *Server) view(rec domain.JobRecord) domain.JobRecord {
	rec.RunAt = rec.RunAt.In(s.sched.Location())
	return rec
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.sched.ListPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jobs := make([]domain.JobRecord, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, s.view(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "jobs": jobs})
}

func (s *Server) countJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.CountPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"num_jobs": n})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sched.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "job": s.view(rec)})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.sched.Executions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "executions": execs})
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobIDResp{Status: "success", JobID: id})
}

func (s *Server) removeAllJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.RemoveAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "num_jobs": n})
}

type errorResp struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.IsAny(err, domain.ErrInvalidJob, domain.ErrUnsupportedAction):
		return http.StatusBadRequest
	case domain.IsInfrastructureError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	errType := "client"
	if code >= 500 {
		errType = "server"
		log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeJSON(w, code, errorResp{ErrorType: errType, ErrorMessage: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
