// Package api is the Submission API: the HTTP façade over the job
// registry, the Job Store, and the Persistent Queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/common"
	"github.com/crawlkeeper/crawlkeeper/internal/hooks"
	"github.com/crawlkeeper/crawlkeeper/internal/jobstore"
	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/queue"
	"github.com/crawlkeeper/crawlkeeper/internal/registry"
)

// Server wires the job registry, job store, and queue into chi routes.
type Server struct {
	Registry *registry.Registry
	Jobs     *jobstore.Store
	Queue    *queue.Queue
	Logger   arbor.ILogger
	Config   *common.Config

	router       chi.Router
	shutdownChan chan struct{}
}

// New builds a Server with its routes mounted.
func New(reg *registry.Registry, jobs *jobstore.Store, q *queue.Queue, cfg *common.Config, logger arbor.ILogger) *Server {
	s := &Server{
		Registry:     reg,
		Jobs:         jobs,
		Queue:        q,
		Logger:       logger,
		Config:       cfg,
		shutdownChan: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requireAPIKey)

	r.Post("/crawl", s.handleSubmit)
	r.Post("/crawl/batch", s.handleSubmitBatch)
	r.Get("/crawl/status/{jobId}", s.handleStatus)
	r.Get("/crawl/results/{jobId}", s.handleResults)
	r.Get("/configurations", s.handleConfigurations)

	s.router = r
	return s
}

// ShutdownChan returns the channel an admin endpoint could close to
// request a graceful stop without an OS signal.
func (s *Server) ShutdownChan() <-chan struct{} {
	return s.shutdownChan
}

// Router exposes the chi router for http.ListenAndServe.
func (s *Server) Router() http.Handler {
	return s.router
}

// requireAPIKey rejects requests missing a matching X-API-Key header
// when Config.Server.APIKey is set. Auth is disabled entirely when no
// key is configured, so local/dev use needs no setup.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.Config.Server.APIKey
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != want {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-API-Key header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	Name   string            `json:"name,omitempty"`
	Config *model.TaskConfig `json:"config,omitempty"`
}

type submitResponse struct {
	JobID      string `json:"jobId"`
	JobName    string `json:"jobName"`
	StatusURL  string `json:"statusUrl"`
	ResultsURL string `json:"resultsUrl"`
}

// handleSubmit implements POST /crawl: a named job enqueues one queue
// entry carrying every one of its tasks, so a multi-task job is owned
// by a single worker end to end and produces one aggregated output
// file (spec.md §4.8); an ad-hoc config enqueues a single entry under
// jobName "custom". Either way the response carries exactly one jobId,
// matching spec.md §6's documented response shape.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}

	if req.Name != "" {
		tasks, ok := s.Registry.Tasks(req.Name)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown_job", fmt.Sprintf("no registered job named %q", req.Name))
			return
		}
		resp, err := s.enqueueJob(r.Context(), req.Name, tasks)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enqueue_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	if req.Config == nil {
		writeError(w, http.StatusBadRequest, "missing_fields", "request must set either name or config")
		return
	}
	if err := req.Config.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	if _, err := hooks.Resolve(req.Config.OnVisitPage); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}

	resp, err := s.enqueueJob(r.Context(), "custom", []model.TaskConfig{*req.Config})
	if err != nil {
		writeError(w, http.StatusBadRequest, "enqueue_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type batchRequest struct {
	Name string `json:"name"`
}

type batchConfigEntry struct {
	ConfigIndex int    `json:"configIndex"`
	JobID       string `json:"jobId"`
	StatusURL   string `json:"statusUrl"`
	ResultsURL  string `json:"resultsUrl"`
}

// handleSubmitBatch implements POST /crawl/batch: unlike handleSubmit,
// every task of the named job gets its own queue entry and its own
// jobId, so each task's progress can be tracked independently (no
// aggregation; spec.md §6's documented response shape is per-task).
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}

	tasks, ok := s.Registry.Tasks(req.Name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_job", fmt.Sprintf("no registered job named %q", req.Name))
		return
	}

	configs := make([]batchConfigEntry, 0, len(tasks))
	for i, task := range tasks {
		resp, err := s.enqueueJob(r.Context(), req.Name, []model.TaskConfig{task})
		if err != nil {
			writeError(w, http.StatusBadRequest, "enqueue_failed", err.Error())
			return
		}
		configs = append(configs, batchConfigEntry{
			ConfigIndex: i,
			JobID:       resp.JobID,
			StatusURL:   resp.StatusURL,
			ResultsURL:  resp.ResultsURL,
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobName":     req.Name,
		"configCount": len(configs),
		"configs":     configs,
	})
}

type statusResponse struct {
	JobID       string  `json:"jobId"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	CreatedAt   string  `json:"createdAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// handleStatus implements GET /crawl/status/:jobId, a direct proxy
// onto the Job Store.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := s.Jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "unknown_job_id", fmt.Sprintf("no job with id %q", jobID))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	resp := statusResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt.Format(dateLayout),
	}
	if job.CompletedAt != nil {
		formatted := job.CompletedAt.Format(dateLayout)
		resp.CompletedAt = &formatted
	}
	if job.Error != "" {
		resp.Error = &job.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

const dateLayout = "2006-01-02T15:04:05Z07:00"

// handleResults implements GET /crawl/results/:jobId: 202 while
// pending/running, an error body when failed, and the streamed output
// file when completed.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := s.Jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "unknown_job_id", fmt.Sprintf("no job with id %q", jobID))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	switch job.Status {
	case model.JobPending, model.JobRunning:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":    string(job.Status),
			"statusUrl": fmt.Sprintf("/crawl/status/%s", jobID),
		})
	case model.JobFailed:
		writeError(w, http.StatusInternalServerError, "task_failed", job.Error)
	case model.JobCompleted:
		s.streamOutputFile(w, job.OutputFile)
	default:
		writeError(w, http.StatusInternalServerError, "unknown_status", string(job.Status))
	}
}

func (s *Server) streamOutputFile(w http.ResponseWriter, path string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "output_unreadable", err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.Logger.Warn().Str("path", path).Err(err).Msg("failed streaming output file to client")
	}
}

// handleConfigurations implements GET /configurations.
func (s *Server) handleConfigurations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.Registry.List()})
}

// enqueueJob persists the JobRecord before the queue entry becomes
// observable and leaves no side effect if either write fails. All of
// tasks is carried in one QueuePayload, so the worker that claims this
// entry owns the whole job and produces one output file.
func (s *Server) enqueueJob(ctx context.Context, jobName string, tasks []model.TaskConfig) (submitResponse, error) {
	jobID := common.NewJobID()
	payload := model.QueuePayload{JobName: jobName, Tasks: tasks}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return submitResponse{}, fmt.Errorf("encode payload: %w", err)
	}

	if err := s.Jobs.Create(ctx, jobID, payloadBytes); err != nil {
		return submitResponse{}, fmt.Errorf("create job record: %w", err)
	}

	if _, err := s.Queue.Add(ctx, jobID, payloadBytes, 0, s.Config.Queue.MaxAttempts); err != nil {
		if delErr := s.Jobs.Delete(ctx, jobID); delErr != nil {
			s.Logger.Warn().Str("job_id", jobID).Err(delErr).Msg("failed to roll back orphaned job record after enqueue failure")
		}
		return submitResponse{}, fmt.Errorf("enqueue: %w", err)
	}

	return submitResponse{
		JobID:      jobID,
		JobName:    jobName,
		StatusURL:  fmt.Sprintf("/crawl/status/%s", jobID),
		ResultsURL: fmt.Sprintf("/crawl/results/%s", jobID),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}
