package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brandpulse/engine/internal/pipeline"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownMessage  = errors.New("unknown message type")
)

type MessageType string

const (
	MessageTaskRequest    MessageType = "TASK_REQUEST"
	MessageTaskResult     MessageType = "TASK_RESULT"
	MessageStatusUpdate   MessageType = "STATUS_UPDATE"
	MessageErrorReport    MessageType = "ERROR_REPORT"
	MessageLearningUpdate MessageType = "LEARNING_UPDATE"
)

func (m MessageType) Valid() bool {
	switch m {
	case MessageTaskRequest, MessageTaskResult, MessageStatusUpdate, MessageErrorReport, MessageLearningUpdate:
		return true
	}
	return false
}

// TopicOrchestrator receives everything workers send upstream: results,
// status updates, error reports and learning updates.
const TopicOrchestrator = "orchestrator"

// AgentTopic is the per-worker-type topic that carries task requests.
// Every worker subscribes with its own consumer group and discards requests
// whose target names another worker, so a targeted request reaches exactly
// the worker the scheduler picked.
func AgentTopic(t pipeline.WorkerType) string {
	return "agents." + string(t)
}

// Envelope is the wire frame for every message on the bus. Target is a
// worker id, a worker type, or TopicOrchestrator. Timeout only applies when
// RequiresAck is set and bounds how long the sender waits for the receipt.
type Envelope struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Source      string            `json:"source"`
	Target      string            `json:"target"`
	Type        MessageType       `json:"type"`
	Priority    pipeline.Priority `json:"priority,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	RequiresAck bool              `json:"requires_ack,omitempty"`
	TimeoutMS   int64             `json:"timeout_ms,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and timestamp. The payload
// is marshalled to JSON; a nil payload is allowed.
func NewEnvelope(source, target string, mt MessageType, payload any) (*Envelope, error) {
	if !mt.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, mt)
	}
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", mt, err)
		}
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Target:    target,
		Type:      mt,
		Payload:   raw,
	}, nil
}

func (e *Envelope) Validate() error {
	if e == nil {
		return ErrInvalidEnvelope
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEnvelope)
	}
	if e.Target == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidEnvelope)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: message type %q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// TaskRequestPayload assigns a task to the worker named in the envelope
// target. The task carries its own retry count and priority.
type TaskRequestPayload struct {
	Task *pipeline.Task `json:"task"`
}

// TaskResultPayload reports the outcome of one task execution.
type TaskResultPayload struct {
	TaskID     string          `json:"task_id"`
	WorkerID   string          `json:"worker_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// StatusUpdatePayload carries worker lifecycle and health telemetry.
// AcceptedTaskIDs acknowledges task requests received since the last
// update, which settles the ack deadline on those assignments.
type StatusUpdatePayload struct {
	WorkerID        string                   `json:"worker_id"`
	WorkerType      pipeline.WorkerType      `json:"worker_type"`
	Status          pipeline.WorkerStatus    `json:"status"`
	Capabilities    []pipeline.TaskKind      `json:"capabilities,omitempty"`
	Health          *pipeline.HealthSnapshot `json:"health,omitempty"`
	AcceptedTaskIDs []string                 `json:"accepted_task_ids,omitempty"`
}

// ErrorReportPayload is a non-fatal error surfaced by a worker. It is
// recorded for operators, never acted on.
type ErrorReportPayload struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// LearningUpdatePayload is an opaque performance signal from the learning
// loop. The orchestrator stores it verbatim.
type LearningUpdatePayload struct {
	WorkerID string          `json:"worker_id"`
	Signal   string          `json:"signal"`
	Data     json.RawMessage `json:"data,omitempty"`
}
