package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/brandpulse/engine/internal/circuit"
	"github.com/brandpulse/engine/internal/pipeline"
)

// ComposeRequest is the generation brief handed to the text model.
type ComposeRequest struct {
	Topic       string
	ContentType pipeline.ContentType
	SourceURL   string
	VoiceHints  map[string]float64
}

// ComposeResult is what the model returns for one draft.
type ComposeResult struct {
	Content  string
	Hashtags []string
}

// TextModel produces draft content. Implementations wrap whatever model
// backend the deployment uses.
type TextModel interface {
	Compose(ctx context.Context, req ComposeRequest) (ComposeResult, error)
	Variants(ctx context.Context, content string, count int) ([]string, error)
}

// VariantSet is the result payload of a generate_variants task.
type VariantSet struct {
	DraftID  string   `json:"draft_id"`
	Variants []string `json:"variants"`
}

// GeneratePostHandler turns a topic brief into a draft post.
type GeneratePostHandler struct {
	model   TextModel
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewGeneratePostHandler(model TextModel, breaker *circuit.Breaker, logger *slog.Logger) *GeneratePostHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratePostHandler{model: model, breaker: breaker, logger: logger}
}

func (h *GeneratePostHandler) Kind() pipeline.TaskKind {
	return pipeline.KindGeneratePost
}

func (h *GeneratePostHandler) Validate(payload json.RawMessage) error {
	_, err := pipeline.DecodePayload(pipeline.KindGeneratePost, payload)
	return err
}

func (h *GeneratePostHandler) Execute(ctx context.Context, task *pipeline.Task) (json.RawMessage, error) {
	var p pipeline.GeneratePostPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var draft ComposeResult
	err := call(h.breaker, func() error {
		var cerr error
		draft, cerr = h.model.Compose(ctx, ComposeRequest{
			Topic:       p.Topic,
			ContentType: p.ContentType,
			SourceURL:   p.SourceURL,
			VoiceHints:  p.VoiceHints,
		})
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("compose %q: %w", p.Topic, err)
	}
	if draft.Content == "" {
		return nil, errors.New("model returned empty content")
	}

	return json.Marshal(pipeline.GeneratePostResult{
		DraftID:     uuid.NewString(),
		Content:     draft.Content,
		ContentType: p.ContentType,
		Hashtags:    draft.Hashtags,
		Topic:       p.Topic,
	})
}

// GenerateVariantsHandler produces alternative phrasings of an existing
// draft for A/B comparison.
type GenerateVariantsHandler struct {
	model   TextModel
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewGenerateVariantsHandler(model TextModel, breaker *circuit.Breaker, logger *slog.Logger) *GenerateVariantsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerateVariantsHandler{model: model, breaker: breaker, logger: logger}
}

func (h *GenerateVariantsHandler) Kind() pipeline.TaskKind {
	return pipeline.KindGenerateVariants
}

func (h *GenerateVariantsHandler) Validate(payload json.RawMessage) error {
	_, err := pipeline.DecodePayload(pipeline.KindGenerateVariants, payload)
	return err
}

func (h *GenerateVariantsHandler) Execute(ctx context.Context, task *pipeline.Task) (json.RawMessage, error) {
	var p pipeline.GenerateVariantsPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var variants []string
	err := call(h.breaker, func() error {
		var verr error
		variants, verr = h.model.Variants(ctx, p.Content, p.Count)
		return verr
	})
	if err != nil {
		return nil, fmt.Errorf("variants for draft %s: %w", p.DraftID, err)
	}
	if len(variants) == 0 {
		return nil, errors.New("model returned no variants")
	}

	return json.Marshal(VariantSet{
		DraftID:  p.DraftID,
		Variants: variants,
	})
}
