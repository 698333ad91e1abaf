package local

import (
	"context"
	"fmt"
	"strings"

	"github.com/brandpulse/engine/internal/agent/handlers"
	"github.com/brandpulse/engine/internal/pipeline"
)

var variantFrames = []string{
	"%s",
	"Hot take: %s",
	"Something I keep seeing: %s",
	"After a decade in this space: %s",
	"Let's be honest. %s",
}

// Composer renders drafts from fixed templates. It keeps the pipeline
// honest end to end without calling a model provider; the phrasing is
// deliberately plain.
type Composer struct {
	signoff string
}

func NewComposer() *Composer {
	return &Composer{signoff: "What's your experience been?"}
}

func (c *Composer) Compose(_ context.Context, req handlers.ComposeRequest) (handlers.ComposeResult, error) {
	opener := openerFor(req.VoiceHints)

	var b strings.Builder
	switch req.ContentType {
	case pipeline.ContentArticle:
		fmt.Fprintf(&b, "%s: %s\n\n", strings.ToUpper(firstWord(req.Topic)), req.Topic)
		fmt.Fprintf(&b, "%s %s is one of those subjects everyone has an opinion on and few have data for. ", opener, req.Topic)
		b.WriteString("Here is what we are seeing across the accounts we run, what changed this quarter, and what we would do differently starting today.\n\n")
		b.WriteString(c.signoff)
	case pipeline.ContentStory:
		fmt.Fprintf(&b, "%s %s, swipe for the numbers.", opener, req.Topic)
	case pipeline.ContentPoll:
		fmt.Fprintf(&b, "Quick pulse check on %s: are you investing more, holding steady, or pulling back this quarter?", req.Topic)
	default:
		fmt.Fprintf(&b, "%s %s.\n\n", opener, req.Topic)
		b.WriteString("Three things we keep relearning: start smaller than feels comfortable, measure one outcome, and publish before it feels finished.\n\n")
		b.WriteString(c.signoff)
	}
	if req.SourceURL != "" {
		fmt.Fprintf(&b, "\n\n%s", req.SourceURL)
	}

	return handlers.ComposeResult{
		Content:  b.String(),
		Hashtags: hashtagsFor(req.Topic),
	}, nil
}

func (c *Composer) Variants(_ context.Context, content string, count int) ([]string, error) {
	if count < 1 {
		count = 1
	}
	if count > len(variantFrames) {
		count = len(variantFrames)
	}
	lead := firstSentence(content)
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, fmt.Sprintf(variantFrames[i], lead))
	}
	return out, nil
}

// openerFor maps the strongest voice hint to an opening register.
func openerFor(hints map[string]float64) string {
	best, weight := "", 0.0
	for hint, w := range hints {
		if w > weight || (w == weight && hint < best) {
			best, weight = hint, w
		}
	}
	switch best {
	case "direct":
		return "Here it is, no preamble:"
	case "playful":
		return "Okay, hear me out —"
	case "authoritative":
		return "The data is unambiguous:"
	default:
		return "Worth a closer look:"
	}
}

func hashtagsFor(topic string) []string {
	words := strings.Fields(strings.ToLower(topic))
	tags := make([]string, 0, 3)
	for _, w := range words {
		w = strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, w)
		if len(w) < 4 {
			continue
		}
		tags = append(tags, "#"+w)
		if len(tags) == 3 {
			break
		}
	}
	return tags
}

func firstWord(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return s
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".!?\n"); i > 0 {
		return s[:i]
	}
	return s
}
