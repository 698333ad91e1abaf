// Package queue holds the per-worker-type task buckets: a priority-ordered
// pending store, the processing assignments, and retention-bounded
// completed/failed history.
//
// Like the registry, a Set is owned by the scheduler goroutine and is not
// safe for concurrent use.
package queue

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandpulse/engine/internal/pipeline"
)

var (
	ErrTaskExists   = errors.New("task already queued")
	ErrTaskNotFound = errors.New("task not found")
)

// DefaultMaxRetained caps the completed and failed buckets independently of
// the retention window, so a burst cannot grow them without bound.
const DefaultMaxRetained = 1000

type pendingEntry struct {
	priority pipeline.Priority
	element  *list.Element
}

// pendingStore keeps pending tasks in one FIFO list per priority level.
type pendingStore struct {
	buckets map[pipeline.Priority]*list.List
	index   map[string]pendingEntry
}

func newPendingStore() *pendingStore {
	s := &pendingStore{
		buckets: make(map[pipeline.Priority]*list.List, 3),
		index:   make(map[string]pendingEntry),
	}
	for _, p := range []pipeline.Priority{pipeline.PriorityHigh, pipeline.PriorityMedium, pipeline.PriorityLow} {
		s.buckets[p] = list.New()
	}
	return s
}

func (s *pendingStore) push(task *pipeline.Task) {
	prio := task.Priority
	if !prio.Valid() {
		prio = pipeline.PriorityMedium
	}
	elem := s.buckets[prio].PushBack(task)
	s.index[task.ID] = pendingEntry{priority: prio, element: elem}
}

// pop returns the oldest task of the highest non-empty priority.
func (s *pendingStore) pop() *pipeline.Task {
	for _, p := range []pipeline.Priority{pipeline.PriorityHigh, pipeline.PriorityMedium, pipeline.PriorityLow} {
		elem := s.buckets[p].Front()
		if elem == nil {
			continue
		}
		task := elem.Value.(*pipeline.Task)
		s.buckets[p].Remove(elem)
		delete(s.index, task.ID)
		return task
	}
	return nil
}

func (s *pendingStore) remove(taskID string) *pipeline.Task {
	entry, ok := s.index[taskID]
	if !ok {
		return nil
	}
	task := entry.element.Value.(*pipeline.Task)
	s.buckets[entry.priority].Remove(entry.element)
	delete(s.index, taskID)
	return task
}

func (s *pendingStore) len() int {
	return len(s.index)
}

func (s *pendingStore) tasks() []*pipeline.Task {
	out := make([]*pipeline.Task, 0, len(s.index))
	for _, p := range []pipeline.Priority{pipeline.PriorityHigh, pipeline.PriorityMedium, pipeline.PriorityLow} {
		for elem := s.buckets[p].Front(); elem != nil; elem = elem.Next() {
			out = append(out, elem.Value.(*pipeline.Task))
		}
	}
	return out
}

// Assignment binds a processing task to the worker it was dispatched to.
// Until Acked is set, AckDeadline bounds how long the orchestrator waits
// for the worker to confirm receipt.
type Assignment struct {
	Task        *pipeline.Task
	WorkerID    string
	AssignedAt  time.Time
	AckDeadline time.Time
	Acked       bool
}

// TypedQueue is the bucket set for one worker type. Every task id lives in
// exactly one bucket at a time.
type TypedQueue struct {
	typ        pipeline.WorkerType
	pending    *pendingStore
	processing map[string]*Assignment
	completed  []*pipeline.Task
	failed     []*pipeline.Task
	cancelled  map[string]time.Time
	maxRetain  int
}

func newTypedQueue(typ pipeline.WorkerType, maxRetain int) *TypedQueue {
	if maxRetain <= 0 {
		maxRetain = DefaultMaxRetained
	}
	return &TypedQueue{
		typ:        typ,
		pending:    newPendingStore(),
		processing: make(map[string]*Assignment),
		cancelled:  make(map[string]time.Time),
		maxRetain:  maxRetain,
	}
}

func (q *TypedQueue) contains(taskID string) bool {
	if _, ok := q.pending.index[taskID]; ok {
		return true
	}
	if _, ok := q.processing[taskID]; ok {
		return true
	}
	for _, t := range q.completed {
		if t.ID == taskID {
			return true
		}
	}
	for _, t := range q.failed {
		if t.ID == taskID {
			return true
		}
	}
	return false
}

// Enqueue adds a task to pending. Duplicate ids are refused regardless of
// which bucket currently holds them.
func (q *TypedQueue) Enqueue(task *pipeline.Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: empty task id", ErrTaskNotFound)
	}
	if q.contains(task.ID) {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	task.Status = pipeline.StatusPending
	task.AssignedTo = ""
	q.pending.push(task)
	return nil
}

// AssignNext pops the best pending task and moves it to processing bound to
// the given worker. Returns nil when nothing is pending.
func (q *TypedQueue) AssignNext(workerID string, now, ackDeadline time.Time) *Assignment {
	task := q.pending.pop()
	if task == nil {
		return nil
	}
	task.Status = pipeline.StatusProcessing
	task.AssignedTo = workerID
	a := &Assignment{
		Task:        task,
		WorkerID:    workerID,
		AssignedAt:  now,
		AckDeadline: ackDeadline,
	}
	q.processing[task.ID] = a
	return a
}

// Ack marks an assignment as confirmed by its worker.
func (q *TypedQueue) Ack(taskID string) bool {
	a, ok := q.processing[taskID]
	if !ok {
		return false
	}
	a.Acked = true
	return true
}

// Complete moves a processing task to completed.
func (q *TypedQueue) Complete(taskID string, result json.RawMessage, now time.Time) (*pipeline.Task, error) {
	a, ok := q.processing[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s not processing", ErrTaskNotFound, taskID)
	}
	delete(q.processing, taskID)
	task := a.Task
	task.Status = pipeline.StatusCompleted
	task.AssignedTo = ""
	task.Result = result
	task.CompletedAt = now
	q.completed = appendBounded(q.completed, task, q.maxRetain)
	return task, nil
}

// Fail records a failed execution. While the retry budget lasts the task
// returns to pending with retryCount incremented; once exhausted it moves
// to the failed bucket. The boolean reports whether the task was requeued.
func (q *TypedQueue) Fail(taskID, errMsg string, now time.Time) (*pipeline.Task, bool, error) {
	a, ok := q.processing[taskID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s not processing", ErrTaskNotFound, taskID)
	}
	delete(q.processing, taskID)
	task := a.Task
	task.Error = errMsg
	task.AssignedTo = ""
	if task.RetryCount < pipeline.MaxRetries {
		task.RetryCount++
		task.Status = pipeline.StatusPending
		q.pending.push(task)
		return task, true, nil
	}
	task.Status = pipeline.StatusFailed
	task.CompletedAt = now
	q.failed = appendBounded(q.failed, task, q.maxRetain)
	return task, false, nil
}

// Release returns a processing task to pending without charging a retry.
// Used when an assignment never reached its worker or the worker went
// offline.
func (q *TypedQueue) Release(taskID string) (*pipeline.Task, error) {
	a, ok := q.processing[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s not processing", ErrTaskNotFound, taskID)
	}
	delete(q.processing, taskID)
	task := a.Task
	task.Status = pipeline.StatusPending
	task.AssignedTo = ""
	q.pending.push(task)
	return task, nil
}

// CancelOutcome reports what Cancel found.
type CancelOutcome int

const (
	CancelNotFound CancelOutcome = iota
	CancelledPending
	CancelledProcessing
)

// Cancel removes a pending task immediately. A processing task stays with
// its worker, but is marked so its eventual result is discarded.
func (q *TypedQueue) Cancel(taskID string, now time.Time) CancelOutcome {
	if task := q.pending.remove(taskID); task != nil {
		q.cancelled[taskID] = now
		return CancelledPending
	}
	if _, ok := q.processing[taskID]; ok {
		delete(q.processing, taskID)
		q.cancelled[taskID] = now
		return CancelledProcessing
	}
	return CancelNotFound
}

func (q *TypedQueue) IsCancelled(taskID string) bool {
	_, ok := q.cancelled[taskID]
	return ok
}

// Assignment returns the processing record for a task id.
func (q *TypedQueue) Assignment(taskID string) (*Assignment, bool) {
	a, ok := q.processing[taskID]
	return a, ok
}

// Assignments lists every processing record.
func (q *TypedQueue) Assignments() []*Assignment {
	out := make([]*Assignment, 0, len(q.processing))
	for _, a := range q.processing {
		out = append(out, a)
	}
	return out
}

// AssignmentsFor lists the processing records bound to one worker.
func (q *TypedQueue) AssignmentsFor(workerID string) []*Assignment {
	var out []*Assignment
	for _, a := range q.processing {
		if a.WorkerID == workerID {
			out = append(out, a)
		}
	}
	return out
}

// ProcessingCountFor is the orchestrator-side in-flight count for a worker,
// the authoritative input to the per-worker capacity gate.
func (q *TypedQueue) ProcessingCountFor(workerID string) int {
	n := 0
	for _, a := range q.processing {
		if a.WorkerID == workerID {
			n++
		}
	}
	return n
}

// Overdue lists unacknowledged assignments whose ack deadline has passed.
func (q *TypedQueue) Overdue(now time.Time) []*Assignment {
	var out []*Assignment
	for _, a := range q.processing {
		if !a.Acked && now.After(a.AckDeadline) {
			out = append(out, a)
		}
	}
	return out
}

// PurgeExpired drops completed/failed tasks older than the retention window
// and forgets cancellation markers of the same age. Durable history lives in
// the external record store, not here.
func (q *TypedQueue) PurgeExpired(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)
	purged := 0
	q.completed, purged = dropBefore(q.completed, cutoff, purged)
	q.failed, purged = dropBefore(q.failed, cutoff, purged)
	for id, at := range q.cancelled {
		if at.Before(cutoff) {
			delete(q.cancelled, id)
		}
	}
	return purged
}

func dropBefore(tasks []*pipeline.Task, cutoff time.Time, purged int) ([]*pipeline.Task, int) {
	kept := tasks[:0]
	for _, t := range tasks {
		if t.CompletedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, t)
	}
	return kept, purged
}

func appendBounded(tasks []*pipeline.Task, t *pipeline.Task, max int) []*pipeline.Task {
	tasks = append(tasks, t)
	if len(tasks) > max {
		tasks = tasks[len(tasks)-max:]
	}
	return tasks
}

// Depths are the bucket sizes of one typed queue.
type Depths struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (q *TypedQueue) Depths() Depths {
	return Depths{
		Pending:    q.pending.len(),
		Processing: len(q.processing),
		Completed:  len(q.completed),
		Failed:     len(q.failed),
	}
}

// PendingTasks returns pending tasks in dispatch order.
func (q *TypedQueue) PendingTasks() []*pipeline.Task {
	return q.pending.tasks()
}

// Set is the full queue family, one TypedQueue per worker type.
type Set struct {
	queues map[pipeline.WorkerType]*TypedQueue
	logger *slog.Logger
}

func NewSet(logger *slog.Logger) *Set {
	return NewSetWithRetention(logger, DefaultMaxRetained)
}

func NewSetWithRetention(logger *slog.Logger, maxRetain int) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{
		queues: make(map[pipeline.WorkerType]*TypedQueue, 5),
		logger: logger,
	}
	for _, t := range pipeline.WorkerTypes() {
		s.queues[t] = newTypedQueue(t, maxRetain)
	}
	return s
}

// ForType returns the queue for a worker type, nil for unknown types.
func (s *Set) ForType(t pipeline.WorkerType) *TypedQueue {
	return s.queues[t]
}

// Enqueue routes a task to the queue of its worker type.
func (s *Set) Enqueue(task *pipeline.Task) error {
	q := s.queues[task.Type]
	if q == nil {
		return fmt.Errorf("%w: %q", pipeline.ErrUnknownWorkerType, task.Type)
	}
	return q.Enqueue(task)
}

// Find locates a task id in any bucket of any queue.
func (s *Set) Find(taskID string) (*pipeline.Task, bool) {
	for _, t := range pipeline.WorkerTypes() {
		q := s.queues[t]
		if entry, ok := q.pending.index[taskID]; ok {
			return entry.element.Value.(*pipeline.Task), true
		}
		if a, ok := q.processing[taskID]; ok {
			return a.Task, true
		}
		for _, task := range q.completed {
			if task.ID == taskID {
				return task, true
			}
		}
		for _, task := range q.failed {
			if task.ID == taskID {
				return task, true
			}
		}
	}
	return nil, false
}

// DepthsByType reports bucket sizes for every worker type.
func (s *Set) DepthsByType() map[pipeline.WorkerType]Depths {
	out := make(map[pipeline.WorkerType]Depths, len(s.queues))
	for t, q := range s.queues {
		out[t] = q.Depths()
	}
	return out
}

// PurgeExpired runs retention cleanup across all queues.
func (s *Set) PurgeExpired(now time.Time, retention time.Duration) int {
	total := 0
	for _, q := range s.queues {
		total += q.PurgeExpired(now, retention)
	}
	return total
}
