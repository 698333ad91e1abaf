package local

import (
	"context"
	"strings"

	"github.com/brandpulse/engine/internal/pipeline"
)

var salesyPhrases = []string{"buy now", "click here", "act fast", "limited time", "don't miss out"}

// Scorer applies surface-level checks a human reviewer would catch on a
// first pass: length for the format, shouting, hashtag stuffing, salesy
// phrasing. Each deduction carries a reason so rejections are actionable.
type Scorer struct{}

func NewScorer() *Scorer {
	return &Scorer{}
}

func (s *Scorer) Score(_ context.Context, content string, contentType pipeline.ContentType) (float64, []string, error) {
	score := 100.0
	var reasons []string
	deduct := func(points float64, reason string) {
		score -= points
		reasons = append(reasons, reason)
	}

	minLen, maxLen := lengthBand(contentType)
	if len(content) < minLen {
		deduct(25, "too short for the format")
	}
	if len(content) > maxLen {
		deduct(15, "runs long for the format")
	}

	if upperRatio(content) > 0.3 {
		deduct(20, "reads as shouting")
	}

	if n := strings.Count(content, "#"); n > 5 {
		deduct(10, "hashtag stuffing")
	}

	lower := strings.ToLower(content)
	for _, phrase := range salesyPhrases {
		if strings.Contains(lower, phrase) {
			deduct(15, "salesy phrasing: "+phrase)
			break
		}
	}

	if score < 0 {
		score = 0
	}
	return score, reasons, nil
}

func lengthBand(t pipeline.ContentType) (int, int) {
	switch t {
	case pipeline.ContentArticle:
		return 200, 20000
	case pipeline.ContentStory:
		return 10, 300
	case pipeline.ContentPoll:
		return 20, 500
	default:
		return 40, 3000
	}
}

// upperRatio reports the share of letters written in upper case.
func upperRatio(s string) float64 {
	letters, upper := 0, 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			letters++
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}
