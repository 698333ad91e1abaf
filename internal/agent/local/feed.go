package local

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/brandpulse/engine/internal/pipeline"
)

var defaultAngles = []string{
	"what %s teams get wrong",
	"the quiet shift happening in %s",
	"why %s budgets are moving",
	"a contrarian take on %s",
	"%s, explained without the hype",
}

// Feed synthesizes opportunities instead of polling real feeds. Output
// rotates hourly and is stable within the hour, so repeated checks inside
// one cycle do not flood the pipeline with duplicates.
type Feed struct {
	now func() time.Time
}

func NewFeed() *Feed {
	return &Feed{now: time.Now}
}

func (f *Feed) Fetch(_ context.Context, source string, categories []string, maxItems int) ([]pipeline.Opportunity, error) {
	bucket := f.now().UTC().Format("2006010215")
	rng := seeded(source, bucket)

	subjects := categories
	if len(subjects) == 0 {
		subjects = []string{"automation", "brand voice", "distribution"}
	}

	n := 2 + rng.Intn(3)
	if maxItems > 0 && n > maxItems {
		n = maxItems
	}
	items := make([]pipeline.Opportunity, 0, n)
	for i := 0; i < n; i++ {
		subject := subjects[rng.Intn(len(subjects))]
		angle := defaultAngles[rng.Intn(len(defaultAngles))]
		items = append(items, pipeline.Opportunity{
			Topic:     fmt.Sprintf(angle, subject),
			Summary:   fmt.Sprintf("Spotted on %s under %s.", hostOf(source), subject),
			SourceURL: source,
			Urgency:   urgencyFor(rng),
			Relevance: 0.5 + rng.Float64()*0.5,
		})
	}
	return items, nil
}

func (f *Feed) Trends(_ context.Context, industry string, keywords []string, window time.Duration) ([]pipeline.Opportunity, error) {
	bucket := f.now().UTC().Truncate(window).Format(time.RFC3339)
	rng := seeded("trends", industry, bucket)

	terms := keywords
	if len(terms) == 0 {
		terms = []string{industry}
	}

	items := make([]pipeline.Opportunity, 0, len(terms))
	for _, term := range terms {
		angle := defaultAngles[rng.Intn(len(defaultAngles))]
		urgency := pipeline.PriorityMedium
		if window <= 6*time.Hour {
			// Short windows mean the caller wants what is moving right now.
			urgency = pipeline.PriorityHigh
		}
		items = append(items, pipeline.Opportunity{
			Topic:     fmt.Sprintf(angle, term),
			Summary:   fmt.Sprintf("Rising in %s over the last %s.", industry, window),
			Urgency:   urgency,
			Relevance: 0.6 + rng.Float64()*0.4,
		})
	}
	return items, nil
}

func urgencyFor(rng *rand.Rand) pipeline.Priority {
	switch rng.Intn(10) {
	case 0:
		return pipeline.PriorityHigh
	case 1, 2, 3:
		return pipeline.PriorityMedium
	default:
		return pipeline.PriorityLow
	}
}

func hostOf(source string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(source, "https://"), "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return source
	}
	return s
}
