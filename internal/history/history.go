// Package history persists finished task records and periodic per-kind
// rollups so dashboards and the learning agent can see past runs after the
// in-memory queues have purged them.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/brandpulse/engine/internal/pipeline"
)

var ErrRecordNotFound = errors.New("history: record not found")

// TaskRecord is the durable snapshot of a task taken when it reaches a
// terminal status. Reassignments and retries overwrite the same record, so
// one task id maps to one row with its final outcome.
type TaskRecord struct {
	TaskID      string              `json:"task_id"`
	Kind        pipeline.TaskKind   `json:"kind"`
	WorkerType  pipeline.WorkerType `json:"worker_type"`
	WorkerID    string              `json:"worker_id,omitempty"`
	Priority    pipeline.Priority   `json:"priority"`
	Status      pipeline.TaskStatus `json:"status"`
	RetryCount  int                 `json:"retry_count"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Result      json.RawMessage     `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt time.Time           `json:"completed_at"`
	DurationMS  int64               `json:"duration_ms"`
}

// NewTaskRecord builds a record from a task in terminal state.
func NewTaskRecord(task *pipeline.Task, workerID string, durationMS int64) TaskRecord {
	return TaskRecord{
		TaskID:      task.ID,
		Kind:        task.Kind,
		WorkerType:  task.Type,
		WorkerID:    workerID,
		Priority:    task.Priority,
		Status:      task.Status,
		RetryCount:  task.RetryCount,
		Payload:     task.Payload,
		Result:      task.Result,
		Error:       task.Error,
		CreatedAt:   task.CreatedAt,
		CompletedAt: task.CompletedAt,
		DurationMS:  durationMS,
	}
}

// MetricRollup aggregates task outcomes for one (worker type, kind) pair
// over a fixed time bucket.
type MetricRollup struct {
	Bucket        time.Time           `json:"bucket"`
	WorkerType    pipeline.WorkerType `json:"worker_type"`
	Kind          pipeline.TaskKind   `json:"kind"`
	Completed     int64               `json:"completed"`
	Failed        int64               `json:"failed"`
	AvgDurationMS float64             `json:"avg_duration_ms"`
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	WorkerType pipeline.WorkerType
	Status     pipeline.TaskStatus
	Limit      int
}

const defaultListLimit = 100

// Recorder is the sink for terminal task records and rollups. Implementations
// must tolerate the same record arriving more than once.
type Recorder interface {
	RecordTask(ctx context.Context, rec TaskRecord) error
	RecordMetrics(ctx context.Context, rolls []MetricRollup) error
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error)
}

// Nop discards everything. Used when persistence is disabled.
type Nop struct{}

func (Nop) RecordTask(ctx context.Context, rec TaskRecord) error          { return nil }
func (Nop) RecordMetrics(ctx context.Context, rolls []MetricRollup) error { return nil }

func (Nop) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	return nil, ErrRecordNotFound
}
func (Nop) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error) {
	return nil, nil
}
