package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brandpulse/engine/internal/circuit"
	"github.com/brandpulse/engine/internal/pipeline"
)

// PlatformPost is the publish request handed to the platform adapter.
type PlatformPost struct {
	Content       string
	Platform      string
	CredentialRef string
	ScheduledFor  time.Time
}

// PlatformReceipt confirms a published post.
type PlatformReceipt struct {
	PostID      string
	URL         string
	PublishedAt time.Time
}

// Platform publishes content to one social platform. Implementations own
// credentials and API specifics.
type Platform interface {
	Publish(ctx context.Context, post PlatformPost) (PlatformReceipt, error)
}

// PublishPostHandler hands an approved draft to the platform adapter.
type PublishPostHandler struct {
	platform Platform
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

func NewPublishPostHandler(platform Platform, breaker *circuit.Breaker, logger *slog.Logger) *PublishPostHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishPostHandler{platform: platform, breaker: breaker, logger: logger}
}

func (h *PublishPostHandler) Kind() pipeline.TaskKind {
	return pipeline.KindPublishPost
}

func (h *PublishPostHandler) Validate(payload json.RawMessage) error {
	_, err := pipeline.DecodePayload(pipeline.KindPublishPost, payload)
	return err
}

func (h *PublishPostHandler) Execute(ctx context.Context, task *pipeline.Task) (json.RawMessage, error) {
	var p pipeline.PublishPostPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var receipt PlatformReceipt
	err := call(h.breaker, func() error {
		var perr error
		receipt, perr = h.platform.Publish(ctx, PlatformPost{
			Content:       p.Content,
			Platform:      p.Platform,
			CredentialRef: p.CredentialRef,
			ScheduledFor:  p.ScheduledFor,
		})
		return perr
	})
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", p.Platform, err)
	}
	if receipt.PostID == "" {
		return nil, errors.New("platform returned no post id")
	}
	if receipt.PublishedAt.IsZero() {
		receipt.PublishedAt = time.Now().UTC()
	}

	h.logger.Info("post published",
		slog.String("post_id", receipt.PostID),
		slog.String("platform", p.Platform))

	return json.Marshal(pipeline.PublishPostResult{
		PostID:      receipt.PostID,
		Platform:    p.Platform,
		URL:         receipt.URL,
		PublishedAt: receipt.PublishedAt,
	})
}
