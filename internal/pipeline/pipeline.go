// Package pipeline defines the shared vocabulary of the content pipeline:
// worker types, task kinds, priorities, task records and health telemetry.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownWorkerType = errors.New("unknown worker type")
	ErrUnknownTaskKind   = errors.New("unknown task kind")
	ErrKindMismatch      = errors.New("task kind not served by worker type")
)

// WorkerType identifies one of the five agent roles.
type WorkerType string

const (
	TypeFeedMonitor      WorkerType = "feed_monitor"
	TypeContentGenerator WorkerType = "content_generator"
	TypeQualityControl   WorkerType = "quality_control"
	TypePublisher        WorkerType = "publisher"
	TypeLearning         WorkerType = "learning"
)

// WorkerTypes returns all worker types in pipeline order.
func WorkerTypes() []WorkerType {
	return []WorkerType{
		TypeFeedMonitor,
		TypeContentGenerator,
		TypeQualityControl,
		TypePublisher,
		TypeLearning,
	}
}

func (t WorkerType) Valid() bool {
	switch t {
	case TypeFeedMonitor, TypeContentGenerator, TypeQualityControl, TypePublisher, TypeLearning:
		return true
	}
	return false
}

// TaskKind identifies the unit of work inside a task. Every kind is served
// by exactly one worker type.
type TaskKind string

const (
	KindFeedCheck        TaskKind = "feed_check"
	KindTrendScan        TaskKind = "trend_scan"
	KindGeneratePost     TaskKind = "generate_post"
	KindGenerateVariants TaskKind = "generate_variants"
	KindQualityCheck     TaskKind = "quality_check"
	KindPublishPost      TaskKind = "publish_post"
	KindLearningSync     TaskKind = "learning_sync"
)

var kindOwners = map[TaskKind]WorkerType{
	KindFeedCheck:        TypeFeedMonitor,
	KindTrendScan:        TypeFeedMonitor,
	KindGeneratePost:     TypeContentGenerator,
	KindGenerateVariants: TypeContentGenerator,
	KindQualityCheck:     TypeQualityControl,
	KindPublishPost:      TypePublisher,
	KindLearningSync:     TypeLearning,
}

// KindOwner returns the worker type that serves the given kind.
func KindOwner(k TaskKind) (WorkerType, error) {
	t, ok := kindOwners[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskKind, k)
	}
	return t, nil
}

// Capabilities returns the task kinds served by a worker type, in a stable
// order suitable for registration announcements.
func Capabilities(t WorkerType) []TaskKind {
	switch t {
	case TypeFeedMonitor:
		return []TaskKind{KindFeedCheck, KindTrendScan}
	case TypeContentGenerator:
		return []TaskKind{KindGeneratePost, KindGenerateVariants}
	case TypeQualityControl:
		return []TaskKind{KindQualityCheck}
	case TypePublisher:
		return []TaskKind{KindPublishPost}
	case TypeLearning:
		return []TaskKind{KindLearningSync}
	}
	return nil
}

// WorkerStatus is the registry-side availability of a worker.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight orders priorities for dispatch: higher weight dispatches first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// MaxRetries is the number of times a failed task is returned to pending
// before the failure becomes terminal.
const MaxRetries = 3

// Task is the unit of work routed through the orchestrator. AssignedTo is
// the authoritative worker assignment while the task is processing and is
// empty in every other status.
type Task struct {
	ID          string          `json:"id"`
	Type        WorkerType      `json:"type"`
	Kind        TaskKind        `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      TaskStatus      `json:"status"`
	RetryCount  int             `json:"retry_count"`
	AssignedTo  string          `json:"assigned_to,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NewTask builds a pending task for the worker type that owns the kind.
// The payload may be nil for kinds that need no input.
func NewTask(kind TaskKind, priority Priority, payload any) (*Task, error) {
	owner, err := KindOwner(kind)
	if err != nil {
		return nil, err
	}
	if !priority.Valid() {
		priority = PriorityMedium
	}
	var raw json.RawMessage
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return &Task{
		ID:        uuid.NewString(),
		Type:      owner,
		Kind:      kind,
		Payload:   raw,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// HealthSnapshot is the self-reported load of a worker. CPUUsage is a
// percentage in [0,100]; MemoryUsage is a fraction in [0,1].
type HealthSnapshot struct {
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryUsage    float64 `json:"memory_usage"`
	ActiveTasks    int     `json:"active_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	Healthy        bool    `json:"healthy"`
}

// FailureRate is failed over completed, with the denominator floored at one
// so a worker that has completed nothing is not divided by zero.
func (h HealthSnapshot) FailureRate() float64 {
	completed := h.CompletedTasks
	if completed < 1 {
		completed = 1
	}
	return float64(h.FailedTasks) / float64(completed)
}
