// Package registry tracks the workers known to the orchestrator: identity,
// capabilities, online/offline status and the latest health telemetry.
//
// A Registry is not safe for concurrent use. It is owned by the scheduler
// goroutine, which applies every mutation; other components observe it only
// through immutable snapshots.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandpulse/engine/internal/pipeline"
)

var ErrWorkerNotFound = errors.New("worker not found")

// Thresholds of the dispatch health gate. Workers at or above either bound
// are skipped even when their telemetry says healthy.
const (
	MemoryGate = 0.9
	CPUGate    = 90.0
)

// Worker is one registered worker. Registration order is preserved so that
// selection among equal scores is deterministic.
type Worker struct {
	ID           string                  `json:"id"`
	Type         pipeline.WorkerType     `json:"type"`
	Status       pipeline.WorkerStatus   `json:"status"`
	LastSeen     time.Time               `json:"last_seen"`
	Health       pipeline.HealthSnapshot `json:"health"`
	Capabilities []pipeline.TaskKind     `json:"capabilities,omitempty"`
	RegisteredAt time.Time               `json:"registered_at"`
}

type Registry struct {
	workers map[string]*Worker
	order   []string
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers: make(map[string]*Worker),
		logger:  logger,
	}
}

// RecordStatus upserts a worker from a status announcement. Unknown workers
// are registered on first contact; lastSeen refreshes on every call.
func (r *Registry) RecordStatus(id string, typ pipeline.WorkerType, status pipeline.WorkerStatus, caps []pipeline.TaskKind, now time.Time) (*Worker, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrWorkerNotFound)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", pipeline.ErrUnknownWorkerType, typ)
	}
	w, ok := r.workers[id]
	if !ok {
		w = &Worker{
			ID:           id,
			Type:         typ,
			RegisteredAt: now,
		}
		r.workers[id] = w
		r.order = append(r.order, id)
		r.logger.Info("worker registered",
			slog.String("worker_id", id),
			slog.String("worker_type", string(typ)),
		)
	}
	w.Type = typ
	w.Status = status
	w.LastSeen = now
	if len(caps) > 0 {
		w.Capabilities = caps
	}
	return w, nil
}

// RecordHealth stores the latest snapshot and refreshes lastSeen.
func (r *Registry) RecordHealth(id string, h pipeline.HealthSnapshot, now time.Time) error {
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	w.Health = h
	w.LastSeen = now
	return nil
}

func (r *Registry) Get(id string) (*Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

// List returns every worker in registration order.
func (r *Registry) List() []*Worker {
	out := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.workers)
}

// Eligible reports whether the worker passes the dispatch health gate:
// online, telemetry no older than freshness, self-reported healthy, and
// below the memory and CPU ceilings.
func Eligible(w *Worker, now time.Time, freshness time.Duration) bool {
	if w.Status != pipeline.WorkerOnline {
		return false
	}
	if now.Sub(w.LastSeen) > freshness {
		return false
	}
	if !w.Health.Healthy {
		return false
	}
	if w.Health.MemoryUsage >= MemoryGate {
		return false
	}
	if w.Health.CPUUsage >= CPUGate {
		return false
	}
	return true
}

// ListAvailable returns the workers of the given type that pass the health
// gate, in registration order.
func (r *Registry) ListAvailable(t pipeline.WorkerType, now time.Time, freshness time.Duration) []*Worker {
	var out []*Worker
	for _, id := range r.order {
		w := r.workers[id]
		if w.Type != t {
			continue
		}
		if Eligible(w, now, freshness) {
			out = append(out, w)
		}
	}
	return out
}

// SweepStale flips online workers whose lastSeen is older than staleAfter
// to offline and returns them so the caller can reassign their tasks.
func (r *Registry) SweepStale(now time.Time, staleAfter time.Duration) []*Worker {
	var flipped []*Worker
	for _, id := range r.order {
		w := r.workers[id]
		if w.Status != pipeline.WorkerOnline {
			continue
		}
		if now.Sub(w.LastSeen) <= staleAfter {
			continue
		}
		w.Status = pipeline.WorkerOffline
		flipped = append(flipped, w)
		r.logger.Warn("worker went stale",
			slog.String("worker_id", w.ID),
			slog.String("worker_type", string(w.Type)),
			slog.Duration("silent_for", now.Sub(w.LastSeen)),
		)
	}
	return flipped
}

// Remove deletes a worker from the registry.
func (r *Registry) Remove(id string) error {
	if _, ok := r.workers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	delete(r.workers, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Score ranks a worker for dispatch from its health snapshot. Lower load
// and a better success history raise the score; the result is clamped to
// [0,100].
func Score(h pipeline.HealthSnapshot) float64 {
	score := 100.0
	score -= h.CPUUsage * 0.3
	score -= h.MemoryUsage * 100 * 0.2
	score -= float64(h.ActiveTasks) * 5
	score += (1 - h.FailureRate()) * 20
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Snapshot is the serializable registry state persisted after mutations.
type Snapshot struct {
	Workers []Worker  `json:"workers"`
	SavedAt time.Time `json:"saved_at"`
}

func (r *Registry) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		Workers: make([]Worker, 0, len(r.order)),
		SavedAt: now,
	}
	for _, id := range r.order {
		s.Workers = append(s.Workers, *r.workers[id])
	}
	return s
}

// Restore rebuilds the registry from a snapshot, preserving the stored
// registration order. Stale entries age out through the normal sweep.
func (r *Registry) Restore(s Snapshot) {
	r.workers = make(map[string]*Worker, len(s.Workers))
	r.order = r.order[:0]
	for i := range s.Workers {
		w := s.Workers[i]
		r.workers[w.ID] = &w
		r.order = append(r.order, w.ID)
	}
}
