// Package admin exposes the orchestrator's control surface over HTTP: the
// worker registry, queue depths, task submission and cancellation, report
// logs, metrics exposition and a live websocket event stream.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/brandpulse/engine/internal/history"
	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/queue"
	"github.com/brandpulse/engine/internal/scheduler"
)

const (
	// MaxRequestBodySize limits request body to 1MB to prevent memory exhaustion.
	MaxRequestBodySize = 1 << 20 // 1 MB
)

// Core is the scheduler surface the admin API drives. *scheduler.Scheduler
// satisfies it.
type Core interface {
	View() *scheduler.View
	Submit(task *pipeline.Task) error
	Cancel(taskID string) error
	RemoveWorker(workerID string) error
	Feed() <-chan scheduler.AdminEvent
}

// Config carries the admin surface settings.
type Config struct {
	// AllowedOrigins are websocket origin patterns for the event stream.
	// Empty means same-origin only.
	AllowedOrigins []string
}

// Server serves the admin API. The pulsectl CLI and dashboards call these
// endpoints to inspect and drive the pipeline.
type Server struct {
	cfg      Config
	core     Core
	recorder history.Recorder
	metrics  *metrics.Registry
	logger   *slog.Logger
	hub      *hub
}

// New creates an admin server over the given scheduler core. A nil recorder
// disables history lookups; a nil registry disables the metrics endpoint.
func New(cfg Config, core Core, recorder history.Recorder, reg *metrics.Registry, logger *slog.Logger) *Server {
	if recorder == nil {
		recorder = history.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		core:     core,
		recorder: recorder,
		metrics:  reg,
		logger:   logger,
		hub:      newHub(),
	}
}

// Start begins pumping scheduler events to websocket subscribers. The pump
// exits when the scheduler closes its feed, so Server needs no Stop.
func (s *Server) Start() {
	go s.hub.run(s.core.Feed())
}

// RegisterRoutes registers all HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/registry", s.securityMiddleware(s.GetRegistry))
	mux.HandleFunc("GET /api/v1/queues", s.securityMiddleware(s.GetQueues))
	mux.HandleFunc("POST /api/v1/tasks", s.securityMiddleware(s.SubmitTask))
	mux.HandleFunc("GET /api/v1/tasks", s.securityMiddleware(s.ListTasks))
	mux.HandleFunc("GET /api/v1/tasks/{task_id}", s.securityMiddleware(s.GetTask))
	mux.HandleFunc("DELETE /api/v1/tasks/{task_id}", s.securityMiddleware(s.CancelTask))
	mux.HandleFunc("DELETE /api/v1/workers/{worker_id}", s.securityMiddleware(s.RemoveWorker))
	mux.HandleFunc("GET /api/v1/errors", s.securityMiddleware(s.GetErrors))
	mux.HandleFunc("GET /api/v1/learning", s.securityMiddleware(s.GetLearning))

	// Websocket upgrade manages its own headers.
	mux.HandleFunc("GET /api/v1/events", s.Events)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Health check (no security middleware needed for health endpoints)
	mux.HandleFunc("GET /health", s.Health)
	mux.HandleFunc("GET /ready", s.Ready)
}

// securityMiddleware adds security headers and request limits to handlers.
func (s *Server) securityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Limit request body size to prevent memory exhaustion attacks
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
		}

		next(w, r)
	}
}

// RegistryResponse lists known workers with their live scores.
type RegistryResponse struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Workers     []scheduler.WorkerView `json:"workers"`
	Count       int                    `json:"count"`
}

// GET /api/v1/registry.
func (s *Server) GetRegistry(w http.ResponseWriter, r *http.Request) {
	view := s.core.View()
	workers := view.Workers
	if workers == nil {
		workers = []scheduler.WorkerView{}
	}
	s.writeJSON(w, http.StatusOK, RegistryResponse{
		GeneratedAt: view.GeneratedAt,
		Workers:     workers,
		Count:       len(workers),
	})
}

// QueuesResponse reports per-type queue depths.
type QueuesResponse struct {
	GeneratedAt time.Time                            `json:"generated_at"`
	Queues      map[pipeline.WorkerType]queue.Depths `json:"queues"`
}

// GET /api/v1/queues.
func (s *Server) GetQueues(w http.ResponseWriter, r *http.Request) {
	view := s.core.View()
	queues := view.Queues
	if queues == nil {
		queues = map[pipeline.WorkerType]queue.Depths{}
	}
	s.writeJSON(w, http.StatusOK, QueuesResponse{
		GeneratedAt: view.GeneratedAt,
		Queues:      queues,
	})
}

// SubmitTaskRequest is the request to enqueue a new task.
type SubmitTaskRequest struct {
	Kind     pipeline.TaskKind `json:"kind"`
	Priority pipeline.Priority `json:"priority,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

// SubmitTaskResponse is the response from enqueueing a task.
type SubmitTaskResponse struct {
	TaskID   string              `json:"task_id"`
	Type     pipeline.WorkerType `json:"type"`
	Kind     pipeline.TaskKind   `json:"kind"`
	Priority pipeline.Priority   `json:"priority"`
	Status   pipeline.TaskStatus `json:"status"`
}

// POST /api/v1/tasks.
func (s *Server) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Handle MaxBytesReader error specially
		if err.Error() == "http: request body too large" {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown priority "+strconv.Quote(string(req.Priority)))
		return
	}
	// Reject unroutable tasks at the door instead of letting the owning
	// worker fail them later.
	if _, err := pipeline.DecodePayload(req.Kind, req.Payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	task, err := pipeline.NewTask(req.Kind, req.Priority, payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.core.Submit(task); err != nil {
		if errors.Is(err, scheduler.ErrEventQueueFull) {
			s.writeError(w, http.StatusServiceUnavailable, "scheduler saturated, retry later")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID:   task.ID,
		Type:     task.Type,
		Kind:     task.Kind,
		Priority: task.Priority,
		Status:   task.Status,
	})
}

// GET /api/v1/tasks/{task_id}. Live tasks are served from the scheduler
// snapshot, terminal tasks from history.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")

	if t, ok := s.core.View().Task(id); ok {
		s.writeJSON(w, http.StatusOK, history.NewTaskRecord(&t, t.AssignedTo, 0))
		return
	}

	rec, err := s.recorder.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("history lookup failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// ListTasksResponse is a merged page of live and terminal tasks.
type ListTasksResponse struct {
	Tasks []history.TaskRecord `json:"tasks"`
	Count int                  `json:"count"`
}

// GET /api/v1/tasks. Query params: worker_type, status, limit.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter history.TaskFilter

	if v := q.Get("worker_type"); v != "" {
		wt := pipeline.WorkerType(v)
		if !wt.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown worker type "+strconv.Quote(v))
			return
		}
		filter.WorkerType = wt
	}
	if v := q.Get("status"); v != "" {
		switch st := pipeline.TaskStatus(v); st {
		case pipeline.StatusPending, pipeline.StatusProcessing, pipeline.StatusCompleted, pipeline.StatusFailed:
			filter.Status = st
		default:
			s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	tasks := liveRecords(s.core.View(), filter)

	recs, err := s.recorder.ListTasks(r.Context(), filter)
	if err != nil {
		s.logger.Error("history list failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "history list failed")
		return
	}
	tasks = append(tasks, recs...)
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}

	s.writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: tasks, Count: len(tasks)})
}

// liveRecords converts matching live tasks into history records so the list
// endpoint serves one shape. Newest first.
func liveRecords(v *scheduler.View, f history.TaskFilter) []history.TaskRecord {
	if f.Status == pipeline.StatusCompleted || f.Status == pipeline.StatusFailed {
		return nil
	}
	out := make([]history.TaskRecord, 0, len(v.Tasks))
	for _, t := range v.Tasks {
		if f.WorkerType != "" && t.Type != f.WorkerType {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, history.NewTaskRecord(&t, t.AssignedTo, 0))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// DELETE /api/v1/tasks/{task_id}.
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")

	if _, ok := s.core.View().Task(id); !ok {
		s.writeError(w, http.StatusNotFound, "task not found or already terminal")
		return
	}
	if err := s.core.Cancel(id); err != nil {
		if errors.Is(err, scheduler.ErrEventQueueFull) {
			s.writeError(w, http.StatusServiceUnavailable, "scheduler saturated, retry later")
			return
		}
		s.logger.Error("cancel failed", slog.String("task_id", id), slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancelling"})
}

// DELETE /api/v1/workers/{worker_id}.
func (s *Server) RemoveWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("worker_id")

	if _, ok := s.core.View().Worker(id); !ok {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err := s.core.RemoveWorker(id); err != nil {
		if errors.Is(err, scheduler.ErrEventQueueFull) {
			s.writeError(w, http.StatusServiceUnavailable, "scheduler saturated, retry later")
			return
		}
		s.logger.Error("remove worker failed", slog.String("worker_id", id), slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "remove worker failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"worker_id": id, "status": "removing"})
}

// ReportsResponse carries per-worker report entries, keyed by worker id.
type ReportsResponse struct {
	GeneratedAt time.Time                          `json:"generated_at"`
	Reports     map[string][]scheduler.ReportEntry `json:"reports"`
}

// GET /api/v1/errors.
func (s *Server) GetErrors(w http.ResponseWriter, r *http.Request) {
	view := s.core.View()
	s.writeJSON(w, http.StatusOK, ReportsResponse{
		GeneratedAt: view.GeneratedAt,
		Reports:     orEmpty(view.Errors),
	})
}

// GET /api/v1/learning.
func (s *Server) GetLearning(w http.ResponseWriter, r *http.Request) {
	view := s.core.View()
	s.writeJSON(w, http.StatusOK, ReportsResponse{
		GeneratedAt: view.GeneratedAt,
		Reports:     orEmpty(view.Learning),
	})
}

func orEmpty(m map[string][]scheduler.ReportEntry) map[string][]scheduler.ReportEntry {
	if m == nil {
		return map[string][]scheduler.ReportEntry{}
	}
	return m
}

// Health check endpoint.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready check endpoint.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
