package local

import (
	"context"
	"time"

	"github.com/brandpulse/engine/internal/pipeline"
)

// Engagement fabricates post metrics. Numbers are stable per post and grow
// with the observation window, which is enough to drive the learning loop.
type Engagement struct{}

func NewEngagement() *Engagement {
	return &Engagement{}
}

func (e *Engagement) Engagement(_ context.Context, postID, platform string, window time.Duration) (pipeline.LearningSyncResult, error) {
	rng := seeded("engagement", postID, platform)

	scale := window.Hours() / 24
	if scale <= 0 {
		scale = 1
	}
	if scale > 7 {
		scale = 7
	}

	impressions := int(float64(400+rng.Intn(4600)) * scale)
	reactions := int(float64(impressions) * (0.01 + rng.Float64()*0.06))
	comments := reactions / 6
	shares := reactions / 9

	rate := 0.0
	if impressions > 0 {
		rate = float64(reactions+comments+shares) / float64(impressions)
	}

	return pipeline.LearningSyncResult{
		PostID:         postID,
		Impressions:    impressions,
		Reactions:      reactions,
		Comments:       comments,
		Shares:         shares,
		EngagementRate: rate,
	}, nil
}
