package analysis

import "context"

// Waiter blocks until a request to key may proceed.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

type throttled struct {
	Analyzer
	waiter Waiter
}

// Throttle paces calls to an, keyed by its provider name.
func Throttle(an Analyzer, w Waiter) Analyzer {
	if w == nil {
		return an
	}
	return &throttled{Analyzer: an, waiter: w}
}

func (t *throttled) Analyze(ctx context.Context, in Input) (Verdict, error) {
	if err := t.waiter.Wait(ctx, t.Provider()); err != nil {
		return Verdict{}, err
	}
	return t.Analyzer.Analyze(ctx, in)
}
