package analysis

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// MaxSummaryLength bounds verdict summaries, in characters.
const MaxSummaryLength = 280

// ErrInvalidVerdict marks collaborator output that failed validation.
var ErrInvalidVerdict = errors.New("invalid verdict")

// Validate checks v and returns it with entity symbols trimmed, upper-cased
// and de-duplicated (first occurrence wins).
func Validate(v Verdict) (Verdict, error) {
	if !v.Sentiment.Valid() {
		return Verdict{}, fmt.Errorf("%w: sentiment %q", ErrInvalidVerdict, v.Sentiment)
	}
	if !unitInterval(v.Confidence) {
		return Verdict{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidVerdict, v.Confidence)
	}
	if !unitInterval(v.ImpactScore) {
		return Verdict{}, fmt.Errorf("%w: impact_score %v outside [0,1]", ErrInvalidVerdict, v.ImpactScore)
	}
	v.Summary = strings.TrimSpace(v.Summary)
	if v.Summary == "" {
		return Verdict{}, fmt.Errorf("%w: empty summary", ErrInvalidVerdict)
	}
	if n := utf8.RuneCountInString(v.Summary); n > MaxSummaryLength {
		return Verdict{}, fmt.Errorf("%w: summary has %d characters", ErrInvalidVerdict, n)
	}

	seen := make(map[string]struct{}, len(v.Entities))
	entities := make([]store.Entity, 0, len(v.Entities))
	for _, e := range v.Entities {
		e.Symbol = strings.ToUpper(strings.TrimSpace(e.Symbol))
		if e.Symbol == "" {
			continue
		}
		if _, dup := seen[e.Symbol]; dup {
			continue
		}
		if e.Confidence != nil && !unitInterval(*e.Confidence) {
			return Verdict{}, fmt.Errorf("%w: entity %s confidence %v outside [0,1]", ErrInvalidVerdict, e.Symbol, *e.Confidence)
		}
		seen[e.Symbol] = struct{}{}
		entities = append(entities, e)
	}
	v.Entities = entities
	if v.Rationale != nil {
		r := strings.TrimSpace(*v.Rationale)
		if r == "" {
			v.Rationale = nil
		} else {
			v.Rationale = &r
		}
	}
	return v, nil
}

func unitInterval(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}
