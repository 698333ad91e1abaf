package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/brandpulse/engine/internal/pipeline"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %T: %v", v, err)
	}
	return raw
}

func mustTask(t *testing.T, kind pipeline.TaskKind, priority pipeline.Priority, payload any) *pipeline.Task {
	t.Helper()
	task, err := pipeline.NewTask(kind, priority, payload)
	if err != nil {
		t.Fatalf("NewTask(%s) error = %v", kind, err)
	}
	return task
}

func TestContinueFeedCheckFansOut(t *testing.T) {
	e := NewEngine(nil, Options{})
	task := mustTask(t, pipeline.KindFeedCheck, pipeline.PriorityMedium, pipeline.FeedCheckPayload{
		Sources: []string{"https://example.com/feed"},
	})
	result := mustJSON(t, pipeline.FeedCheckResult{
		Opportunities: []pipeline.Opportunity{
			{Topic: "AI regulation update", Urgency: pipeline.PriorityHigh, SourceURL: "https://example.com/a"},
			{Topic: "Quarterly trends", Urgency: pipeline.PriorityLow},
		},
		ScannedAt: time.Now().UTC(),
	})

	next := e.Continue(task, result)
	if len(next) != 2 {
		t.Fatalf("Continue() produced %d tasks, want 2", len(next))
	}
	for _, nt := range next {
		if nt.Kind != pipeline.KindGeneratePost {
			t.Fatalf("emitted kind = %s, want generate_post", nt.Kind)
		}
		if nt.Type != pipeline.TypeContentGenerator {
			t.Fatalf("emitted type = %s, want content_generator", nt.Type)
		}
		if nt.Status != pipeline.StatusPending {
			t.Fatalf("emitted status = %s, want pending", nt.Status)
		}
	}
	if next[0].Priority != pipeline.PriorityHigh || next[1].Priority != pipeline.PriorityLow {
		t.Fatalf("urgency not carried into priority: [%s %s]", next[0].Priority, next[1].Priority)
	}

	var p pipeline.GeneratePostPayload
	if err := json.Unmarshal(next[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal emitted payload: %v", err)
	}
	if p.Topic != "AI regulation update" || p.SourceURL != "https://example.com/a" {
		t.Fatalf("emitted payload = %+v", p)
	}
	if p.ContentType != pipeline.ContentPost {
		t.Fatalf("ContentType = %s, want default %s", p.ContentType, pipeline.ContentPost)
	}
}

func TestContinueFeedCheckSkipsBlankTopics(t *testing.T) {
	e := NewEngine(nil, Options{})
	task := mustTask(t, pipeline.KindFeedCheck, pipeline.PriorityMedium, pipeline.FeedCheckPayload{
		Sources: []string{"https://example.com/feed"},
	})
	result := mustJSON(t, pipeline.FeedCheckResult{
		Opportunities: []pipeline.Opportunity{
			{Topic: ""},
			{Topic: "Real topic", Urgency: pipeline.PriorityMedium},
		},
	})

	next := e.Continue(task, result)
	if len(next) != 1 {
		t.Fatalf("Continue() produced %d tasks, want 1", len(next))
	}
}

func TestContinueGeneratePostEmitsQualityCheck(t *testing.T) {
	e := NewEngine(nil, Options{MinScore: 75})
	task := mustTask(t, pipeline.KindGeneratePost, pipeline.PriorityHigh, pipeline.GeneratePostPayload{
		Topic:       "AI regulation update",
		ContentType: pipeline.ContentPost,
	})
	result := mustJSON(t, pipeline.GeneratePostResult{
		DraftID:     "draft-1",
		Content:     "Here is what changed this week.",
		ContentType: pipeline.ContentPost,
	})

	next := e.Continue(task, result)
	if len(next) != 1 {
		t.Fatalf("Continue() produced %d tasks, want 1", len(next))
	}
	if next[0].Kind != pipeline.KindQualityCheck {
		t.Fatalf("emitted kind = %s, want quality_check", next[0].Kind)
	}
	if next[0].Priority != pipeline.PriorityHigh {
		t.Fatalf("priority = %s, want inherited high", next[0].Priority)
	}

	var p pipeline.QualityCheckPayload
	if err := json.Unmarshal(next[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal emitted payload: %v", err)
	}
	if p.DraftID != "draft-1" || p.Content != "Here is what changed this week." {
		t.Fatalf("emitted payload = %+v", p)
	}
	if p.MinScore != 75 {
		t.Fatalf("MinScore = %v, want 75", p.MinScore)
	}
}

func TestContinueQualityCheckApproved(t *testing.T) {
	e := NewEngine(nil, Options{Platform: "linkedin"})
	task := mustTask(t, pipeline.KindQualityCheck, pipeline.PriorityMedium, pipeline.QualityCheckPayload{
		DraftID: "draft-1",
		Content: "Approved body",
	})
	result := mustJSON(t, pipeline.QualityCheckResult{
		DraftID:  "draft-1",
		Approved: true,
		Score:    88,
	})

	next := e.Continue(task, result)
	if len(next) != 1 {
		t.Fatalf("Continue() produced %d tasks, want 1", len(next))
	}
	if next[0].Kind != pipeline.KindPublishPost {
		t.Fatalf("emitted kind = %s, want publish_post", next[0].Kind)
	}

	var p pipeline.PublishPostPayload
	if err := json.Unmarshal(next[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal emitted payload: %v", err)
	}
	if p.Content != "Approved body" || p.Platform != "linkedin" {
		t.Fatalf("emitted payload = %+v", p)
	}
}

func TestContinueQualityCheckRejected(t *testing.T) {
	e := NewEngine(nil, Options{})
	task := mustTask(t, pipeline.KindQualityCheck, pipeline.PriorityMedium, pipeline.QualityCheckPayload{
		DraftID: "draft-1",
		Content: "Weak body",
	})
	result := mustJSON(t, pipeline.QualityCheckResult{
		DraftID:  "draft-1",
		Approved: false,
		Score:    31,
		Reasons:  []string{"too generic"},
	})

	if next := e.Continue(task, result); len(next) != 0 {
		t.Fatalf("Continue() produced %d tasks for rejected draft, want 0", len(next))
	}
}

func TestContinuePublishEmitsLearningSync(t *testing.T) {
	e := NewEngine(nil, Options{})
	task := mustTask(t, pipeline.KindPublishPost, pipeline.PriorityHigh, pipeline.PublishPostPayload{
		DraftID:  "draft-1",
		Content:  "Live body",
		Platform: "linkedin",
	})
	result := mustJSON(t, pipeline.PublishPostResult{
		PostID:      "post-9",
		Platform:    "linkedin",
		PublishedAt: time.Now().UTC(),
	})

	next := e.Continue(task, result)
	if len(next) != 1 {
		t.Fatalf("Continue() produced %d tasks, want 1", len(next))
	}
	if next[0].Kind != pipeline.KindLearningSync {
		t.Fatalf("emitted kind = %s, want learning_sync", next[0].Kind)
	}
	if next[0].Priority != pipeline.PriorityLow {
		t.Fatalf("priority = %s, want low", next[0].Priority)
	}

	var p pipeline.LearningSyncPayload
	if err := json.Unmarshal(next[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal emitted payload: %v", err)
	}
	if p.PostID != "post-9" {
		t.Fatalf("PostID = %s, want post-9", p.PostID)
	}
}

func TestContinueTerminalKinds(t *testing.T) {
	e := NewEngine(nil, Options{})

	terminal := []*pipeline.Task{
		mustTask(t, pipeline.KindLearningSync, pipeline.PriorityLow, pipeline.LearningSyncPayload{PostID: "post-1"}),
		mustTask(t, pipeline.KindTrendScan, pipeline.PriorityLow, pipeline.TrendScanPayload{Industry: "saas"}),
		mustTask(t, pipeline.KindGenerateVariants, pipeline.PriorityLow, pipeline.GenerateVariantsPayload{DraftID: "d", Content: "c", Count: 2}),
	}
	for _, task := range terminal {
		if next := e.Continue(task, json.RawMessage(`{}`)); len(next) != 0 {
			t.Fatalf("Continue(%s) produced %d tasks, want 0", task.Kind, len(next))
		}
	}
}

func TestContinueMalformedResult(t *testing.T) {
	e := NewEngine(nil, Options{})
	task := mustTask(t, pipeline.KindFeedCheck, pipeline.PriorityMedium, pipeline.FeedCheckPayload{
		Sources: []string{"https://example.com/feed"},
	})

	if next := e.Continue(task, json.RawMessage(`{not json`)); len(next) != 0 {
		t.Fatalf("Continue() produced %d tasks from malformed result, want 0", len(next))
	}
}

func TestApplyRuleDisablesSource(t *testing.T) {
	e := NewEngine(nil, Options{})
	if err := e.Apply([]Rule{{On: "publisher/publish_post"}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	task := mustTask(t, pipeline.KindPublishPost, pipeline.PriorityMedium, pipeline.PublishPostPayload{
		DraftID: "draft-1", Content: "Live", Platform: "linkedin",
	})
	result := mustJSON(t, pipeline.PublishPostResult{PostID: "post-1"})

	if next := e.Continue(task, result); len(next) != 0 {
		t.Fatalf("Continue() produced %d tasks for disabled source, want 0", len(next))
	}
}

func TestApplyRuleOverridesPriority(t *testing.T) {
	e := NewEngine(nil, Options{})
	err := e.Apply([]Rule{{
		On:   "feed_monitor/feed_check",
		Emit: []RuleEmit{{Kind: "generate_post", Priority: "high"}},
	}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	task := mustTask(t, pipeline.KindFeedCheck, pipeline.PriorityMedium, pipeline.FeedCheckPayload{
		Sources: []string{"https://example.com/feed"},
	})
	result := mustJSON(t, pipeline.FeedCheckResult{
		Opportunities: []pipeline.Opportunity{{Topic: "Minor note", Urgency: pipeline.PriorityLow}},
	})

	next := e.Continue(task, result)
	if len(next) != 1 {
		t.Fatalf("Continue() produced %d tasks, want 1", len(next))
	}
	if next[0].Priority != pipeline.PriorityHigh {
		t.Fatalf("priority = %s, want overridden high", next[0].Priority)
	}
}

func TestApplyRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"missing slash", Rule{On: "feed_check"}},
		{"unknown kind", Rule{On: "feed_monitor/mystery"}},
		{"owner mismatch", Rule{On: "publisher/feed_check"}},
		{"unknown emit kind", Rule{On: "feed_monitor/feed_check", Emit: []RuleEmit{{Kind: "mystery"}}}},
		{"emit owner mismatch", Rule{On: "feed_monitor/feed_check", Emit: []RuleEmit{{Type: "publisher", Kind: "generate_post"}}}},
		{"bad priority", Rule{On: "feed_monitor/feed_check", Emit: []RuleEmit{{Kind: "generate_post", Priority: "urgent"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil, Options{})
			if err := e.Apply([]Rule{tt.rule}); err == nil {
				t.Fatalf("Apply(%+v) succeeded, want error", tt.rule)
			}
		})
	}
}

func TestRegisterCustomBuilder(t *testing.T) {
	e := NewEngine(nil, Options{})
	e.Register(pipeline.TypeFeedMonitor, pipeline.KindTrendScan, func(task *pipeline.Task, result json.RawMessage) ([]Next, error) {
		return []Next{{
			Kind:     pipeline.KindGeneratePost,
			Priority: pipeline.PriorityMedium,
			Payload:  pipeline.GeneratePostPayload{Topic: "trend digest", ContentType: pipeline.ContentArticle},
		}}, nil
	})

	task := mustTask(t, pipeline.KindTrendScan, pipeline.PriorityLow, pipeline.TrendScanPayload{Industry: "saas"})
	next := e.Continue(task, json.RawMessage(`{}`))
	if len(next) != 1 || next[0].Kind != pipeline.KindGeneratePost {
		t.Fatalf("custom builder emissions = %+v", next)
	}
}
