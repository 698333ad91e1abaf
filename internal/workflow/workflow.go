// Package workflow turns finished tasks into the next stage of the content
// pipeline. The rule table is a pure (worker type, task kind) lookup; payload
// mapping lives in builder functions so the scheduler never has to know the
// shape of any result.
package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brandpulse/engine/internal/pipeline"
)

// Next is one task emission produced by a continuation builder.
type Next struct {
	Kind     pipeline.TaskKind
	Priority pipeline.Priority
	Payload  any
}

// Builder maps a finished task and its raw result onto the payloads of the
// following stage. Returning no emissions ends the chain.
type Builder func(task *pipeline.Task, result json.RawMessage) ([]Next, error)

type sourceKey struct {
	Type pipeline.WorkerType
	Kind pipeline.TaskKind
}

func (k sourceKey) String() string {
	return string(k.Type) + "/" + string(k.Kind)
}

// Options tune the built-in content pipeline builders.
type Options struct {
	// Platform is stamped on publish_post payloads.
	Platform string
	// ContentType is the format requested from the generator for
	// opportunities discovered by the feed monitor.
	ContentType pipeline.ContentType
	// MinScore is forwarded on quality_check payloads. Zero leaves the
	// threshold to the quality worker.
	MinScore float64
}

const defaultPlatform = "linkedin"

// Engine holds the continuation rules. It is not safe for concurrent
// mutation; install builders and overrides before handing it to the
// scheduler.
type Engine struct {
	logger    *slog.Logger
	opts      Options
	builders  map[sourceKey]Builder
	overrides map[sourceKey]*emitFilter
}

// emitFilter restricts which emissions of a source survive. An empty allowed
// set makes the source terminal.
type emitFilter struct {
	allowed map[pipeline.TaskKind]pipeline.Priority
}

// NewEngine returns an engine preloaded with the default content pipeline:
// feed checks fan out into generation, generation flows through quality
// control, approved drafts get published, published posts seed a learning
// sync.
func NewEngine(logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Platform == "" {
		opts.Platform = defaultPlatform
	}
	if !opts.ContentType.Valid() {
		opts.ContentType = pipeline.ContentPost
	}

	e := &Engine{
		logger:    logger,
		opts:      opts,
		builders:  make(map[sourceKey]Builder),
		overrides: make(map[sourceKey]*emitFilter),
	}
	e.Register(pipeline.TypeFeedMonitor, pipeline.KindFeedCheck, e.buildFromFeedCheck)
	e.Register(pipeline.TypeContentGenerator, pipeline.KindGeneratePost, e.buildFromGeneratePost)
	e.Register(pipeline.TypeQualityControl, pipeline.KindQualityCheck, e.buildFromQualityCheck)
	e.Register(pipeline.TypePublisher, pipeline.KindPublishPost, e.buildFromPublishPost)
	return e
}

// Register installs or replaces the builder for one source. Sources without
// a builder are terminal.
func (e *Engine) Register(t pipeline.WorkerType, k pipeline.TaskKind, b Builder) {
	e.builders[sourceKey{Type: t, Kind: k}] = b
}

// Continue returns the follow-up tasks for a successfully completed task.
// Builder failures are logged and swallowed: a broken continuation must not
// take down result processing.
func (e *Engine) Continue(task *pipeline.Task, result json.RawMessage) []*pipeline.Task {
	src := sourceKey{Type: task.Type, Kind: task.Kind}

	build, ok := e.builders[src]
	if !ok {
		e.logger.Debug("no continuation rule", slog.String("source", src.String()))
		return nil
	}
	filter := e.overrides[src]
	if filter != nil && len(filter.allowed) == 0 {
		e.logger.Debug("continuation disabled by rule", slog.String("source", src.String()))
		return nil
	}

	nexts, err := build(task, result)
	if err != nil {
		e.logger.Warn("continuation builder failed",
			slog.String("source", src.String()),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return nil
	}

	var out []*pipeline.Task
	for _, next := range nexts {
		if filter != nil {
			pri, allowed := filter.allowed[next.Kind]
			if !allowed {
				e.logger.Debug("continuation edge disabled by rule",
					slog.String("source", src.String()),
					slog.String("kind", string(next.Kind)))
				continue
			}
			if pri != "" {
				next.Priority = pri
			}
		}
		t, err := pipeline.NewTask(next.Kind, next.Priority, next.Payload)
		if err != nil {
			e.logger.Warn("continuation emission rejected",
				slog.String("source", src.String()),
				slog.String("kind", string(next.Kind)),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, t)
	}
	return out
}

func (e *Engine) buildFromFeedCheck(task *pipeline.Task, result json.RawMessage) ([]Next, error) {
	var res pipeline.FeedCheckResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("decode feed_check result: %w", err)
	}

	nexts := make([]Next, 0, len(res.Opportunities))
	for _, opp := range res.Opportunities {
		if opp.Topic == "" {
			continue
		}
		nexts = append(nexts, Next{
			Kind:     pipeline.KindGeneratePost,
			Priority: opp.Urgency,
			Payload: pipeline.GeneratePostPayload{
				Topic:       opp.Topic,
				ContentType: e.opts.ContentType,
				Urgency:     opp.Urgency,
				SourceURL:   opp.SourceURL,
			},
		})
	}
	return nexts, nil
}

func (e *Engine) buildFromGeneratePost(task *pipeline.Task, result json.RawMessage) ([]Next, error) {
	var res pipeline.GeneratePostResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("decode generate_post result: %w", err)
	}
	if res.DraftID == "" || res.Content == "" {
		return nil, fmt.Errorf("generate_post result incomplete: draft_id=%q", res.DraftID)
	}

	contentType := res.ContentType
	if !contentType.Valid() {
		contentType = e.opts.ContentType
	}
	return []Next{{
		Kind:     pipeline.KindQualityCheck,
		Priority: task.Priority,
		Payload: pipeline.QualityCheckPayload{
			DraftID:     res.DraftID,
			Content:     res.Content,
			ContentType: contentType,
			MinScore:    e.opts.MinScore,
		},
	}}, nil
}

func (e *Engine) buildFromQualityCheck(task *pipeline.Task, result json.RawMessage) ([]Next, error) {
	var res pipeline.QualityCheckResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("decode quality_check result: %w", err)
	}
	if !res.Approved {
		// Rejected drafts stop here; the scorer's reasons live in the
		// task record.
		return nil, nil
	}

	// The approved content is carried in the check's own input, not its
	// verdict.
	var in pipeline.QualityCheckPayload
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode quality_check payload: %w", err)
	}
	if in.Content == "" {
		return nil, fmt.Errorf("quality_check payload for %s has no content", res.DraftID)
	}

	return []Next{{
		Kind:     pipeline.KindPublishPost,
		Priority: task.Priority,
		Payload: pipeline.PublishPostPayload{
			DraftID:  res.DraftID,
			Content:  in.Content,
			Platform: e.opts.Platform,
		},
	}}, nil
}

func (e *Engine) buildFromPublishPost(task *pipeline.Task, result json.RawMessage) ([]Next, error) {
	var res pipeline.PublishPostResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("decode publish_post result: %w", err)
	}
	if res.PostID == "" {
		return nil, fmt.Errorf("publish_post result has no post id")
	}

	platform := res.Platform
	if platform == "" {
		platform = e.opts.Platform
	}
	// Engagement collection is housekeeping; it never outranks fresh
	// content work.
	return []Next{{
		Kind:     pipeline.KindLearningSync,
		Priority: pipeline.PriorityLow,
		Payload: pipeline.LearningSyncPayload{
			PostID:   res.PostID,
			Platform: platform,
		},
	}}, nil
}

// Rule is the configuration form of a continuation override. An empty emit
// list makes the source terminal; otherwise only the listed kinds survive,
// each optionally forced to a priority.
type Rule struct {
	On   string     `yaml:"on" json:"on"`
	Emit []RuleEmit `yaml:"emit" json:"emit"`
}

// RuleEmit names one surviving emission. Type is optional and only checked
// against the kind's owner.
type RuleEmit struct {
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Kind     string `yaml:"kind" json:"kind"`
	Priority string `yaml:"priority,omitempty" json:"priority,omitempty"`
}

func (r Rule) source() (sourceKey, error) {
	parts := strings.SplitN(r.On, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return sourceKey{}, fmt.Errorf("workflow: rule %q: want worker_type/kind", r.On)
	}
	typ := pipeline.WorkerType(parts[0])
	kind := pipeline.TaskKind(parts[1])
	owner, err := pipeline.KindOwner(kind)
	if err != nil {
		return sourceKey{}, fmt.Errorf("workflow: rule %q: %w", r.On, err)
	}
	if owner != typ {
		return sourceKey{}, fmt.Errorf("workflow: rule %q: kind %s belongs to %s", r.On, kind, owner)
	}
	return sourceKey{Type: typ, Kind: kind}, nil
}

// Apply installs declarative overrides on top of the registered builders.
func (e *Engine) Apply(rules []Rule) error {
	for _, r := range rules {
		src, err := r.source()
		if err != nil {
			return err
		}

		filter := &emitFilter{allowed: make(map[pipeline.TaskKind]pipeline.Priority, len(r.Emit))}
		for _, em := range r.Emit {
			kind := pipeline.TaskKind(em.Kind)
			owner, err := pipeline.KindOwner(kind)
			if err != nil {
				return fmt.Errorf("workflow: rule %q: %w", r.On, err)
			}
			if em.Type != "" && pipeline.WorkerType(em.Type) != owner {
				return fmt.Errorf("workflow: rule %q: kind %s belongs to %s, not %s", r.On, kind, owner, em.Type)
			}
			var pri pipeline.Priority
			if em.Priority != "" {
				pri = pipeline.Priority(em.Priority)
				if !pri.Valid() {
					return fmt.Errorf("workflow: rule %q: invalid priority %q", r.On, em.Priority)
				}
			}
			filter.allowed[kind] = pri
		}
		e.overrides[src] = filter
	}
	return nil
}
