package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dgurram/decoy/internal/cache"
	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/db"
	"github.com/dgurram/decoy/internal/jobs"
	"github.com/dgurram/decoy/internal/queue"
	"github.com/dgurram/decoy/internal/registry"
	"github.com/dgurram/decoy/internal/storage"
	webmiddleware "github.com/dgurram/decoy/internal/web/middleware"
	"github.com/dgurram/decoy/model"
)

// maxBodySize bounds request bodies; payloads are small JSON documents and
// anything bigger is garbage.
const maxBodySize = 1 << 20

var ErrInvalidJson = errors.New("invalid json payload")

type Server struct {
	router   chi.Router
	tracker  *jobs.Tracker
	registry *registry.Registry
}

func NewServer(ctx context.Context, c cache.Cache, q queue.Queue, st storage.Storage, d *db.DB) (*Server, error) {
	tracker, err := jobs.NewTracker(d, c, st, q)
	if err != nil {
		return nil, err
	}

	reg, err := registry.NewRegistry(d, q, c)
	if err != nil {
		return nil, err
	}

	cfg, err := config.GetServerConfig()
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:   chi.NewRouter(),
		tracker:  tracker,
		registry: reg,
	}

	s.routes(webmiddleware.NewLimiter(cfg.LIMITER_QUEUE_SIZE, cfg.LIMITER_MAX_INFLIGHT))
	return s, nil
}

// Expose the router for main.go
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes(limiter *webmiddleware.Limiter) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/results", s.handleJobResults)

	r.Get("/workers", s.handleListWorkers)
	r.Get("/workers/{id}", s.handleGetWorker)

	// Mutating routes ride through the admission limiter so a burst of
	// submissions degrades to 503s instead of piling onto Postgres.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Limit)

		r.Post("/jobs", s.handleCreateJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)

		r.Post("/workers", s.handleCreateWorker)
		r.Patch("/workers/{id}", s.handlePatchWorker)
		r.Post("/workers/{id}/relogin", s.handleReloginWorker)
		r.Delete("/workers/{id}", s.handleDeleteWorker)
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.JobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	job, err := s.tracker.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.tracker.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.tracker.List(r.Context(), r.URL.Query().Get("offset"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	results, err := s.tracker.Results(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []model.Result{}
	}

	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.tracker.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req model.WorkerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	worker, err := s.registry.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	platform := model.Platform(r.URL.Query().Get("platform"))
	if platform != "" && !platform.Valid() {
		writeError(w, fmt.Errorf("%w: unknown platform %q", model.ErrInvalidInput, platform))
		return
	}

	workers, err := s.registry.List(r.Context(), platform)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	worker, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, workerView{
		Worker:         worker,
		QuotaRemaining: worker.QuotaRemaining(),
	})
}

func (s *Server) handlePatchWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var patch model.WorkerPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}

	worker, err := s.registry.Patch(r.Context(), id, patch)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleReloginWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.registry.Relogin(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "relogin requested"})
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.registry.Destroy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// workerView decorates a worker with the quota headroom admins poll for.
type workerView struct {
	*model.Worker
	QuotaRemaining int `json:"quotaRemaining"`
}

func pathID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: malformed id %q", model.ErrInvalidInput, id)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJson, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, ErrInvalidJson):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateIdentity),
		errors.Is(err, model.ErrDuplicateFingerprint),
		errors.Is(err, model.ErrJobFinished):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
