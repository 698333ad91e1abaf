package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandpulse/engine/internal/bus"
	"github.com/brandpulse/engine/internal/circuit"
	"github.com/brandpulse/engine/internal/pipeline"
)

// EngagementSource reads post performance numbers from a platform.
type EngagementSource interface {
	Engagement(ctx context.Context, postID, platform string, window time.Duration) (pipeline.LearningSyncResult, error)
}

const defaultEngagementWindow = 24 * time.Hour

// LearningSyncHandler collects engagement metrics for a published post and
// surfaces them as a learning signal besides the task result.
type LearningSyncHandler struct {
	source  EngagementSource
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewLearningSyncHandler(source EngagementSource, breaker *circuit.Breaker, logger *slog.Logger) *LearningSyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LearningSyncHandler{source: source, breaker: breaker, logger: logger}
}

func (h *LearningSyncHandler) Kind() pipeline.TaskKind {
	return pipeline.KindLearningSync
}

func (h *LearningSyncHandler) Validate(payload json.RawMessage) error {
	_, err := pipeline.DecodePayload(pipeline.KindLearningSync, payload)
	return err
}

func (h *LearningSyncHandler) Execute(ctx context.Context, task *pipeline.Task) (json.RawMessage, error) {
	var p pipeline.LearningSyncPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	window := defaultEngagementWindow
	if p.WindowHours > 0 {
		window = time.Duration(p.WindowHours) * time.Hour
	}

	var result pipeline.LearningSyncResult
	err := call(h.breaker, func() error {
		var serr error
		result, serr = h.source.Engagement(ctx, p.PostID, p.Platform, window)
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("engagement for post %s: %w", p.PostID, err)
	}

	return json.Marshal(result)
}

// Learning forwards the engagement numbers as a signal for the orchestrator
// to retain.
func (h *LearningSyncHandler) Learning(task *pipeline.Task, result json.RawMessage) (*bus.LearningUpdatePayload, bool) {
	if len(result) == 0 {
		return nil, false
	}
	return &bus.LearningUpdatePayload{
		Signal: "engagement_sync",
		Data:   result,
	}, true
}
