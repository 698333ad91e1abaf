package local

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/brandpulse/engine/internal/agent/handlers"
	"github.com/brandpulse/engine/internal/pipeline"
)

func TestComposerFormats(t *testing.T) {
	c := NewComposer()
	tests := []struct {
		contentType pipeline.ContentType
		contains    string
	}{
		{pipeline.ContentPost, "What's your experience been?"},
		{pipeline.ContentArticle, "this quarter"},
		{pipeline.ContentStory, "swipe"},
		{pipeline.ContentPoll, "?"},
	}
	for _, tt := range tests {
		t.Run(string(tt.contentType), func(t *testing.T) {
			result, err := c.Compose(context.Background(), handlers.ComposeRequest{
				Topic:       "automation budgets",
				ContentType: tt.contentType,
			})
			if err != nil {
				t.Fatalf("Compose() error = %v", err)
			}
			if result.Content == "" {
				t.Fatal("Compose() returned empty content")
			}
			if !strings.Contains(result.Content, tt.contains) {
				t.Errorf("content %q missing %q", result.Content, tt.contains)
			}
		})
	}
}

func TestComposerHashtags(t *testing.T) {
	c := NewComposer()
	result, err := c.Compose(context.Background(), handlers.ComposeRequest{
		Topic:       "automation budgets moving fast in SaaS",
		ContentType: pipeline.ContentPost,
	})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(result.Hashtags) == 0 || len(result.Hashtags) > 3 {
		t.Fatalf("hashtags = %v, want 1..3", result.Hashtags)
	}
	for _, tag := range result.Hashtags {
		if !strings.HasPrefix(tag, "#") {
			t.Errorf("hashtag %q missing # prefix", tag)
		}
	}
}

func TestComposerVariants(t *testing.T) {
	c := NewComposer()
	variants, err := c.Variants(context.Background(), "Short content wins. Long content lingers.", 3)
	if err != nil {
		t.Fatalf("Variants() error = %v", err)
	}
	if len(variants) != 3 {
		t.Fatalf("variants = %d, want 3", len(variants))
	}
	if variants[0] != "Short content wins" {
		t.Errorf("first variant = %q, want the lead sentence unchanged", variants[0])
	}

	many, err := c.Variants(context.Background(), "One line.", 50)
	if err != nil {
		t.Fatalf("Variants() error = %v", err)
	}
	if len(many) != len(variantFrames) {
		t.Errorf("variants = %d, want cap at %d", len(many), len(variantFrames))
	}
}

func TestScorer(t *testing.T) {
	s := NewScorer()
	tests := []struct {
		name        string
		content     string
		contentType pipeline.ContentType
		wantScore   float64
		wantReason  string
	}{
		{
			name:        "clean post",
			content:     "We cut our posting schedule in half and engagement went up. Cadence is not the goal. #marketing",
			contentType: pipeline.ContentPost,
			wantScore:   100,
		},
		{
			name:        "shouting",
			content:     "STOP SCROLLING AND LOOK AT THIS RIGHT NOW BECAUSE THIS CHANGES EVERYTHING FOR YOU",
			contentType: pipeline.ContentPost,
			wantScore:   80,
			wantReason:  "reads as shouting",
		},
		{
			name:        "salesy",
			content:     "Click here to get the deal of a lifetime before it is gone, and save money today.",
			contentType: pipeline.ContentPost,
			wantScore:   85,
			wantReason:  "salesy phrasing: click here",
		},
		{
			name:        "short story",
			content:     "Tiny.",
			contentType: pipeline.ContentStory,
			wantScore:   75,
			wantReason:  "too short for the format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, reasons, err := s.Score(context.Background(), tt.content, tt.contentType)
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if score != tt.wantScore {
				t.Errorf("score = %v, want %v (reasons %v)", score, tt.wantScore, reasons)
			}
			if tt.wantReason == "" {
				if len(reasons) != 0 {
					t.Errorf("reasons = %v, want none", reasons)
				}
				return
			}
			found := false
			for _, r := range reasons {
				if r == tt.wantReason {
					found = true
				}
			}
			if !found {
				t.Errorf("reasons = %v, want %q", reasons, tt.wantReason)
			}
		})
	}
}

func TestFeedStableWithinHour(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	f := &Feed{now: func() time.Time { return fixed }}

	first, err := f.Fetch(context.Background(), "https://news.example/rss", nil, 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	second, err := f.Fetch(context.Background(), "https://news.example/rss", nil, 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(first) == 0 {
		t.Fatal("Fetch() returned no opportunities")
	}
	if len(first) != len(second) || first[0].Topic != second[0].Topic {
		t.Errorf("repeated fetch diverged: %v vs %v", first, second)
	}

	capped, err := f.Fetch(context.Background(), "https://news.example/rss", nil, 1)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(capped) != 1 {
		t.Errorf("capped fetch = %d items, want 1", len(capped))
	}
}

func TestFeedTrendsUrgency(t *testing.T) {
	f := NewFeed()
	hot, err := f.Trends(context.Background(), "saas", []string{"pricing"}, 2*time.Hour)
	if err != nil {
		t.Fatalf("Trends() error = %v", err)
	}
	if len(hot) != 1 || hot[0].Urgency != pipeline.PriorityHigh {
		t.Errorf("short-window trend = %+v, want high urgency", hot)
	}

	slow, err := f.Trends(context.Background(), "saas", []string{"pricing"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("Trends() error = %v", err)
	}
	if len(slow) != 1 || slow[0].Urgency != pipeline.PriorityMedium {
		t.Errorf("day-window trend = %+v, want medium urgency", slow)
	}
}

func TestConsolePublish(t *testing.T) {
	p := NewConsole(nil)
	receipt, err := p.Publish(context.Background(), handlers.PlatformPost{
		Content:  "final copy",
		Platform: "linkedin",
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if receipt.PostID == "" {
		t.Error("PostID is empty")
	}
	if !strings.HasPrefix(receipt.URL, "local://linkedin/") {
		t.Errorf("URL = %q", receipt.URL)
	}
	if receipt.PublishedAt.IsZero() {
		t.Error("PublishedAt is zero")
	}
}

func TestEngagementStablePerPost(t *testing.T) {
	e := NewEngagement()
	day, err := e.Engagement(context.Background(), "lp-123", "linkedin", 24*time.Hour)
	if err != nil {
		t.Fatalf("Engagement() error = %v", err)
	}
	again, err := e.Engagement(context.Background(), "lp-123", "linkedin", 24*time.Hour)
	if err != nil {
		t.Fatalf("Engagement() error = %v", err)
	}
	if day != again {
		t.Errorf("repeated sync diverged: %+v vs %+v", day, again)
	}
	if day.Impressions <= 0 {
		t.Errorf("Impressions = %d, want > 0", day.Impressions)
	}
	if day.EngagementRate <= 0 || day.EngagementRate >= 1 {
		t.Errorf("EngagementRate = %v, want (0, 1)", day.EngagementRate)
	}

	week, err := e.Engagement(context.Background(), "lp-123", "linkedin", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Engagement() error = %v", err)
	}
	if week.Impressions <= day.Impressions {
		t.Errorf("week impressions = %d, want more than day %d", week.Impressions, day.Impressions)
	}
}
