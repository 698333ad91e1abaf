package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandpulse/engine/internal/circuit"
	"github.com/brandpulse/engine/internal/pipeline"
)

// FeedSource retrieves publishable opportunities from one content source.
// Implementations own parsing and relevance filtering.
type FeedSource interface {
	Fetch(ctx context.Context, source string, categories []string, maxItems int) ([]pipeline.Opportunity, error)
}

// TrendSource surfaces trending angles for an industry over a time window.
type TrendSource interface {
	Trends(ctx context.Context, industry string, keywords []string, window time.Duration) ([]pipeline.Opportunity, error)
}

const defaultTrendWindow = 24 * time.Hour

// FeedCheckHandler scans the configured sources and reports every
// opportunity found. Individual source failures are skipped; the task only
// fails when no source could be read.
type FeedCheckHandler struct {
	source  FeedSource
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewFeedCheckHandler(source FeedSource, breaker *circuit.Breaker, logger *slog.Logger) *FeedCheckHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedCheckHandler{source: source, breaker: breaker, logger: logger}
}

func (h *FeedCheckHandler) Kind() pipeline.TaskKind {
	return pipeline.KindFeedCheck
}

func (h *FeedCheckHandler) Validate(payload json.RawMessage) error {
	_, err := pipeline.DecodePayload(pipeline.KindFeedCheck, payload)
	return err
}

func (h *FeedCheckHandler) Execute(ctx context.Context, task *pipeline.Task) (json.RawMessage, error) {
	var p pipeline.FeedCheckPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var opportunities []pipeline.Opportunity
	failed := 0
	for _, src := range p.Sources {
		var items []pipeline.Opportunity
		err := call(h.breaker, func() error {
			var ferr error
			items, ferr = h.source.Fetch(ctx, src, p.Categories, p.MaxItems)
			return ferr
		})
		if err != nil {
			failed++
			h.logger.Warn("feed source failed",
				slog.String("source", src),
				slog.String("error", err.Error()))
			continue
		}
		opportunities = append(opportunities, items...)
	}
	if failed == len(p.Sources) {
		return nil, fmt.Errorf("all %d feed sources failed", failed)
	}
	if p.MaxItems > 0 && len(opportunities) > p.MaxItems {
		opportunities = opportunities[:p.MaxItems]
	}

	return json.Marshal(pipeline.FeedCheckResult{
		Opportunities: opportunities,
		ScannedAt:     time.Now().UTC(),
	})
}

// TrendScanHandler asks the trend source for rising angles. Results use the
// same opportunity shape as feed checks so downstream consumers need only
// one decoder.
type TrendScanHandler struct {
	source  TrendSource
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewTrendScanHandler(source TrendSource, breaker *circuit.Breaker, logger *slog.Logger) *TrendScanHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrendScanHandler{source: source, breaker: breaker, logger: logger}
}

func (h *TrendScanHandler) Kind() pipeline.TaskKind {
	return pipeline.KindTrendScan
}

func (h *TrendScanHandler) Validate(payload json.RawMessage) error {
	_, err := pipeline.DecodePayload(pipeline.KindTrendScan, payload)
	return err
}

func (h *TrendScanHandler) Execute(ctx context.Context, task *pipeline.Task) (json.RawMessage, error) {
	var p pipeline.TrendScanPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	window := defaultTrendWindow
	if p.WindowHours > 0 {
		window = time.Duration(p.WindowHours) * time.Hour
	}

	var trends []pipeline.Opportunity
	err := call(h.breaker, func() error {
		var terr error
		trends, terr = h.source.Trends(ctx, p.Industry, p.Keywords, window)
		return terr
	})
	if err != nil {
		return nil, fmt.Errorf("trend scan %s: %w", p.Industry, err)
	}

	return json.Marshal(pipeline.FeedCheckResult{
		Opportunities: trends,
		ScannedAt:     time.Now().UTC(),
	})
}
