package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/brandpulse/engine/internal/circuit"
	"github.com/brandpulse/engine/internal/pipeline"
)

// Scorer evaluates draft content. The returned reasons explain the score
// regardless of outcome.
type Scorer interface {
	Score(ctx context.Context, content string, contentType pipeline.ContentType) (float64, []string, error)
}

// DefaultMinScore is the approval bar when the task payload does not set
// one.
const DefaultMinScore = 70.0

// QualityCheckHandler scores a draft and decides approval against the
// payload's minimum score.
type QualityCheckHandler struct {
	scorer  Scorer
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewQualityCheckHandler(scorer Scorer, breaker *circuit.Breaker, logger *slog.Logger) *QualityCheckHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityCheckHandler{scorer: scorer, breaker: breaker, logger: logger}
}

func (h *QualityCheckHandler) Kind() pipeline.TaskKind {
	return pipeline.KindQualityCheck
}

func (h *QualityCheckHandler) Validate(payload json.RawMessage) error {
	_, err := pipeline.DecodePayload(pipeline.KindQualityCheck, payload)
	return err
}

func (h *QualityCheckHandler) Execute(ctx context.Context, task *pipeline.Task) (json.RawMessage, error) {
	var p pipeline.QualityCheckPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	minScore := p.MinScore
	if minScore <= 0 {
		minScore = DefaultMinScore
	}

	var (
		score   float64
		reasons []string
	)
	err := call(h.breaker, func() error {
		var serr error
		score, reasons, serr = h.scorer.Score(ctx, p.Content, p.ContentType)
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("score draft %s: %w", p.DraftID, err)
	}

	approved := score >= minScore
	if !approved {
		h.logger.Info("draft rejected",
			slog.String("draft_id", p.DraftID),
			slog.Float64("score", score),
			slog.Float64("min_score", minScore))
	}

	return json.Marshal(pipeline.QualityCheckResult{
		DraftID:  p.DraftID,
		Approved: approved,
		Score:    score,
		Reasons:  reasons,
	})
}
