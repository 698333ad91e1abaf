package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ContentType enumerates the post formats the generator produces.
type ContentType string

const (
	ContentPost    ContentType = "post"
	ContentArticle ContentType = "article"
	ContentStory   ContentType = "story"
	ContentPoll    ContentType = "poll"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentPost, ContentArticle, ContentStory, ContentPoll:
		return true
	}
	return false
}

// Payload is the typed input of a task. Each task kind has exactly one
// payload shape; DecodePayload selects it from the kind.
type Payload interface {
	Validate() error
}

type FeedCheckPayload struct {
	Sources    []string `json:"sources"`
	Categories []string `json:"categories,omitempty"`
	MaxItems   int      `json:"max_items,omitempty"`
}

func (p FeedCheckPayload) Validate() error {
	if len(p.Sources) == 0 {
		return errors.New("feed_check: at least one source required")
	}
	return nil
}

type TrendScanPayload struct {
	Industry    string   `json:"industry"`
	Keywords    []string `json:"keywords,omitempty"`
	WindowHours int      `json:"window_hours,omitempty"`
}

func (p TrendScanPayload) Validate() error {
	if p.Industry == "" {
		return errors.New("trend_scan: industry required")
	}
	return nil
}

// Opportunity is one publishable angle discovered by the feed monitor.
// Urgency carries into the priority of the generation task it spawns.
type Opportunity struct {
	Topic     string   `json:"topic"`
	Summary   string   `json:"summary,omitempty"`
	SourceURL string   `json:"source_url,omitempty"`
	Urgency   Priority `json:"urgency"`
	Relevance float64  `json:"relevance,omitempty"`
}

type FeedCheckResult struct {
	Opportunities []Opportunity `json:"opportunities"`
	ScannedAt     time.Time     `json:"scanned_at"`
}

type GeneratePostPayload struct {
	Topic       string             `json:"topic"`
	ContentType ContentType        `json:"content_type"`
	Urgency     Priority           `json:"urgency,omitempty"`
	SourceURL   string             `json:"source_url,omitempty"`
	VoiceHints  map[string]float64 `json:"voice_hints,omitempty"`
}

func (p GeneratePostPayload) Validate() error {
	if p.Topic == "" {
		return errors.New("generate_post: topic required")
	}
	if !p.ContentType.Valid() {
		return fmt.Errorf("generate_post: invalid content type %q", p.ContentType)
	}
	return nil
}

type GeneratePostResult struct {
	DraftID     string      `json:"draft_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Hashtags    []string    `json:"hashtags,omitempty"`
	Topic       string      `json:"topic,omitempty"`
}

type GenerateVariantsPayload struct {
	DraftID string `json:"draft_id"`
	Content string `json:"content"`
	Count   int    `json:"count"`
}

func (p GenerateVariantsPayload) Validate() error {
	if p.DraftID == "" {
		return errors.New("generate_variants: draft_id required")
	}
	if p.Count < 1 {
		return errors.New("generate_variants: count must be positive")
	}
	return nil
}

type QualityCheckPayload struct {
	DraftID     string      `json:"draft_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type,omitempty"`
	MinScore    float64     `json:"min_score,omitempty"`
}

func (p QualityCheckPayload) Validate() error {
	if p.DraftID == "" {
		return errors.New("quality_check: draft_id required")
	}
	if p.Content == "" {
		return errors.New("quality_check: content required")
	}
	return nil
}

type QualityCheckResult struct {
	DraftID  string   `json:"draft_id"`
	Approved bool     `json:"approved"`
	Score    float64  `json:"score"`
	Reasons  []string `json:"reasons,omitempty"`
}

type PublishPostPayload struct {
	DraftID       string    `json:"draft_id"`
	Content       string    `json:"content"`
	Platform      string    `json:"platform"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	ScheduledFor  time.Time `json:"scheduled_for,omitempty"`
}

func (p PublishPostPayload) Validate() error {
	if p.Content == "" {
		return errors.New("publish_post: content required")
	}
	if p.Platform == "" {
		return errors.New("publish_post: platform required")
	}
	return nil
}

type PublishPostResult struct {
	PostID      string    `json:"post_id"`
	Platform    string    `json:"platform"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

type LearningSyncPayload struct {
	PostID      string `json:"post_id"`
	Platform    string `json:"platform"`
	WindowHours int    `json:"window_hours,omitempty"`
}

func (p LearningSyncPayload) Validate() error {
	if p.PostID == "" {
		return errors.New("learning_sync: post_id required")
	}
	return nil
}

type LearningSyncResult struct {
	PostID         string  `json:"post_id"`
	Impressions    int     `json:"impressions"`
	Reactions      int     `json:"reactions"`
	Comments       int     `json:"comments"`
	Shares         int     `json:"shares"`
	EngagementRate float64 `json:"engagement_rate"`
}

// DecodePayload unmarshals raw into the payload shape of the given kind and
// validates it. A nil raw payload is rejected for kinds that require input.
func DecodePayload(kind TaskKind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindFeedCheck:
		p = &FeedCheckPayload{}
	case KindTrendScan:
		p = &TrendScanPayload{}
	case KindGeneratePost:
		p = &GeneratePostPayload{}
	case KindGenerateVariants:
		p = &GenerateVariantsPayload{}
	case KindQualityCheck:
		p = &QualityCheckPayload{}
	case KindPublishPost:
		p = &PublishPostPayload{}
	case KindLearningSync:
		p = &LearningSyncPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskKind, kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
