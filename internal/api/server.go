// Package api translates HTTP commands into supervisor and catalog
// operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"nats3/internal/catalog"
	"nats3/internal/domain"
	"nats3/internal/metrics"
	"nats3/internal/supervisor"
)

type Server struct {
	sup  *supervisor.Supervisor
	cat  catalog.Catalog
	met  *metrics.Metrics
	log  *zap.Logger
	http *http.Server
}

func New(addr string, sup *supervisor.Supervisor, cat catalog.Catalog, met *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{sup: sup, cat: cat, met: met, log: log.Named("api")}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/store/jobs", s.listStoreJobs)
		r.Get("/store/job", s.getStoreJob)
		r.Post("/store/job", s.createStoreJob)
		r.Post("/store/job/pause", s.pauseStoreJob)
		r.Post("/store/job/resume", s.resumeStoreJob)
		r.Delete("/store/job", s.deleteStoreJob)

		r.Get("/load/jobs", s.listLoadJobs)
		r.Get("/load/job", s.getLoadJob)
		r.Post("/load/job", s.createLoadJob)
		r.Post("/load/job/pause", s.pauseLoadJob)
		r.Post("/load/job/resume", s.resumeLoadJob)
		r.Delete("/load/job", s.deleteLoadJob)
	})

	r.Method(http.MethodGet, "/metrics", s.met.Handler())
	r.Get("/healthz", s.healthz)
	return r
}

func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.sup.Degraded() {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "catalog unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// writeMappedError translates the error taxonomy into HTTP statuses:
// validation 400, unknown id 404, conflicts 409, dependency down 503,
// anything else 500.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, catalog.ErrIllegalTransition),
		errors.Is(err, catalog.ErrConflictKey),
		errors.Is(err, supervisor.ErrJobRunning):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, supervisor.ErrDegraded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case isValidation(err):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	default:
		s.log.Warn("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

type validationError struct{ err error }

func (e validationError) Error() string { return e.err.Error() }

func isValidation(err error) bool {
	var ve validationError
	return errors.As(err, &ve)
}

func jobID(r *http.Request) (uuid.UUID, error) {
	raw := r.URL.Query().Get("job_id")
	if raw == "" {
		return uuid.Nil, validationError{errors.New("job_id query parameter is required")}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, validationError{err}
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return validationError{err}
	}
	return nil
}

type createStoreJobRequest struct {
	Name      string           `json:"name"`
	Stream    string           `json:"stream"`
	Consumer  string           `json:"consumer,omitempty"`
	Subject   string           `json:"subject"`
	Bucket    string           `json:"bucket"`
	Prefix    string           `json:"prefix,omitempty"`
	Batch     *domain.Batch    `json:"batch,omitempty"`
	Encoding  *domain.Encoding `json:"encoding,omitempty"`
	Autostart *bool            `json:"autostart,omitempty"`
}

type createLoadJobRequest struct {
	Name         string           `json:"name"`
	Bucket       string           `json:"bucket"`
	Prefix       string           `json:"prefix,omitempty"`
	ReadStream   string           `json:"read_stream"`
	ReadSubject  string           `json:"read_subject"`
	ReadConsumer string           `json:"read_consumer,omitempty"`
	WriteSubject string           `json:"write_subject"`
	PollInterval *domain.Duration `json:"poll_interval,omitempty"`
	DeleteChunks bool             `json:"delete_chunks,omitempty"`
	FromTime     *time.Time       `json:"from_time,omitempty"`
	ToTime       *time.Time       `json:"to_time,omitempty"`
	Autostart    *bool            `json:"autostart,omitempty"`
}

func autostart(flag *bool) bool {
	return flag == nil || *flag
}

func (s *Server) listStoreJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cat.ListStoreJobs(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.StoreJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getStoreJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	job, err := s.cat.GetStoreJob(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) createStoreJob(w http.ResponseWriter, r *http.Request) {
	var req createStoreJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeMappedError(w, err)
		return
	}

	job := domain.StoreJob{
		Name:     req.Name,
		Stream:   req.Stream,
		Consumer: req.Consumer,
		Subject:  req.Subject,
		Bucket:   req.Bucket,
		Prefix:   req.Prefix,
	}
	if req.Batch != nil {
		job.Batch = *req.Batch
	}
	if req.Encoding != nil {
		job.Encoding = *req.Encoding
	}
	job.Batch = job.Batch.WithDefaults()
	job.Encoding = job.Encoding.WithDefaults()
	if err := job.Validate(); err != nil {
		s.writeMappedError(w, validationError{err})
		return
	}

	created, err := s.sup.CreateStoreJob(r.Context(), job, autostart(req.Autostart))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) pauseStoreJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	job, err := s.sup.PauseStoreJob(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) resumeStoreJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	job, err := s.sup.ResumeStoreJob(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteStoreJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := s.sup.DeleteStoreJob(r.Context(), id, cascade); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listLoadJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cat.ListLoadJobs(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.LoadJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getLoadJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	job, err := s.cat.GetLoadJob(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) createLoadJob(w http.ResponseWriter, r *http.Request) {
	var req createLoadJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeMappedError(w, err)
		return
	}

	job := domain.LoadJob{
		Name:         req.Name,
		Bucket:       req.Bucket,
		Prefix:       req.Prefix,
		Stream:       req.ReadStream,
		Subject:      req.ReadSubject,
		Consumer:     req.ReadConsumer,
		WriteSubject: req.WriteSubject,
		PollInterval: req.PollInterval,
		DeleteChunks: req.DeleteChunks,
		FromTime:     req.FromTime,
		ToTime:       req.ToTime,
	}
	if err := job.Validate(); err != nil {
		s.writeMappedError(w, validationError{err})
		return
	}

	created, err := s.sup.CreateLoadJob(r.Context(), job, autostart(req.Autostart))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) pauseLoadJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	job, err := s.sup.PauseLoadJob(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) resumeLoadJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	job, err := s.sup.ResumeLoadJob(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteLoadJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := s.sup.DeleteLoadJob(r.Context(), id); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
