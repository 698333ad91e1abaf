package local

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brandpulse/engine/internal/agent/handlers"
)

// Console "publishes" by logging the post and minting a receipt. Useful in
// development and as the dry-run target for rehearsing a pipeline against
// production config.
type Console struct {
	logger *slog.Logger
}

func NewConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger}
}

func (c *Console) Publish(_ context.Context, post handlers.PlatformPost) (handlers.PlatformReceipt, error) {
	id := uuid.NewString()
	attrs := []any{
		slog.String("post_id", id),
		slog.String("platform", post.Platform),
		slog.Int("chars", len(post.Content)),
	}
	if !post.ScheduledFor.IsZero() {
		attrs = append(attrs, slog.Time("scheduled_for", post.ScheduledFor))
	}
	c.logger.Info("console publish", attrs...)

	return handlers.PlatformReceipt{
		PostID:      id,
		URL:         fmt.Sprintf("local://%s/%s", post.Platform, id),
		PublishedAt: time.Now().UTC(),
	}, nil
}
