package scheduler

import (
	"encoding/json"
	"time"

	"github.com/brandpulse/engine/internal/metrics"
	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/queue"
	"github.com/brandpulse/engine/internal/registry"
)

// Admin event types published on the feed.
const (
	EventWorkerOnline    = "worker_online"
	EventWorkerOffline   = "worker_offline"
	EventWorkerRemoved   = "worker_removed"
	EventTaskEnqueued    = "task_enqueued"
	EventTaskAssigned    = "task_assigned"
	EventTaskCompleted   = "task_completed"
	EventTaskRetried     = "task_retried"
	EventTaskFailed      = "task_failed"
	EventTaskReleased    = "task_released"
	EventTaskCancelled   = "task_cancelled"
	EventResultDiscarded = "result_discarded"
)

// AdminEvent is one entry on the live activity feed consumed by the admin
// API. Delivery is best effort; slow consumers lose events, never block the
// scheduler.
type AdminEvent struct {
	Type       string              `json:"type"`
	At         time.Time           `json:"at"`
	WorkerID   string              `json:"worker_id,omitempty"`
	WorkerType pipeline.WorkerType `json:"worker_type,omitempty"`
	TaskID     string              `json:"task_id,omitempty"`
	Kind       pipeline.TaskKind   `json:"kind,omitempty"`
	Detail     string              `json:"detail,omitempty"`
}

func (s *Scheduler) emit(ev AdminEvent) {
	select {
	case s.feed <- ev:
	default:
		s.metrics.Counter("orchestrator_feed_dropped_total", nil).Inc()
	}
}

// Feed returns the admin event stream. It is closed by Stop.
func (s *Scheduler) Feed() <-chan AdminEvent {
	return s.feed
}

// WorkerView is a registry entry enriched with its current score and load.
type WorkerView struct {
	registry.Worker
	Score    float64 `json:"score"`
	InFlight int     `json:"in_flight"`
}

// View is an immutable snapshot of scheduler state, rebuilt once per tick.
// Tasks holds only live (pending and processing) tasks; terminal tasks are
// served from history.
type View struct {
	GeneratedAt time.Time                            `json:"generated_at"`
	Workers     []WorkerView                         `json:"workers"`
	Queues      map[pipeline.WorkerType]queue.Depths `json:"queues"`
	Tasks       map[string]pipeline.Task             `json:"-"`
	Aggregates  map[string]Aggregate                 `json:"aggregates"`
	Errors      map[string][]ReportEntry             `json:"errors"`
	Learning    map[string][]ReportEntry             `json:"learning"`
}

// Task looks up a live task by id.
func (v *View) Task(id string) (pipeline.Task, bool) {
	t, ok := v.Tasks[id]
	return t, ok
}

// Worker looks up a worker by id.
func (v *View) Worker(id string) (WorkerView, bool) {
	for _, w := range v.Workers {
		if w.ID == id {
			return w, true
		}
	}
	return WorkerView{}, false
}

// View returns the snapshot from the most recent tick. Safe for concurrent
// use; callers must not mutate it.
func (s *Scheduler) View() *View {
	return s.view.Load()
}

func (s *Scheduler) refreshView(now time.Time) {
	v := &View{
		GeneratedAt: now,
		Queues:      s.queues.DepthsByType(),
		Tasks:       make(map[string]pipeline.Task),
		Aggregates:  make(map[string]Aggregate, len(s.aggregates)),
		Errors:      s.errorLog.snapshot(),
		Learning:    s.learningLog.snapshot(),
	}

	onlineByType := make(map[pipeline.WorkerType]int)
	for _, w := range s.registry.List() {
		q := s.queues.ForType(w.Type)
		v.Workers = append(v.Workers, WorkerView{
			Worker:   *w,
			Score:    registry.Score(w.Health),
			InFlight: q.ProcessingCountFor(w.ID),
		})
		if w.Status == pipeline.WorkerOnline {
			onlineByType[w.Type]++
		}
	}

	for _, t := range pipeline.WorkerTypes() {
		q := s.queues.ForType(t)
		for _, task := range q.PendingTasks() {
			v.Tasks[task.ID] = *task
		}
		for _, a := range q.Assignments() {
			v.Tasks[a.Task.ID] = *a.Task
		}
	}

	for key, agg := range s.aggregates {
		v.Aggregates[key.String()] = *agg
	}

	s.view.Store(v)

	for t, d := range v.Queues {
		labels := metrics.Labels{"worker_type": string(t)}
		s.metrics.Gauge("orchestrator_queue_pending", labels).Set(float64(d.Pending))
		s.metrics.Gauge("orchestrator_queue_processing", labels).Set(float64(d.Processing))
	}
	for _, t := range pipeline.WorkerTypes() {
		s.metrics.Gauge("orchestrator_workers_online", metrics.Labels{"worker_type": string(t)}).
			Set(float64(onlineByType[t]))
	}
}

// ReportEntry is one retained error report or learning update.
type ReportEntry struct {
	At       time.Time       `json:"at"`
	WorkerID string          `json:"worker_id"`
	TaskID   string          `json:"task_id,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
	Signal   string          `json:"signal,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// reportLog retains the most recent entries per worker.
type reportLog struct {
	perWorker int
	entries   map[string][]ReportEntry
}

func newReportLog(perWorker int) *reportLog {
	return &reportLog{
		perWorker: perWorker,
		entries:   make(map[string][]ReportEntry),
	}
}

func (l *reportLog) append(workerID string, e ReportEntry) {
	list := append(l.entries[workerID], e)
	if len(list) > l.perWorker {
		list = list[len(list)-l.perWorker:]
	}
	l.entries[workerID] = list
}

func (l *reportLog) snapshot() map[string][]ReportEntry {
	out := make(map[string][]ReportEntry, len(l.entries))
	for id, list := range l.entries {
		cp := make([]ReportEntry, len(list))
		copy(cp, list)
		out[id] = cp
	}
	return out
}
