package analysis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/alexduan-mel/SentinelStream/internal/queue"
)

// ErrPermanent can be wrapped by analyzers to force a terminal outcome.
var ErrPermanent = errors.New("permanent analysis failure")

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// StatusError is a non-2xx response from a remote analyzer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analyzer returned %d: %s", e.Code, e.Body)
}

var terminalMarkers = []string{"insufficient_quota", "invalid_api_key", "permission_denied"}

// Classify maps an analyzer error onto a job outcome. Quota and
// authorization problems are terminal; timeouts, transport errors and
// malformed output are retried.
func Classify(err error) queue.Outcome {
	if err == nil {
		return queue.Succeeded()
	}
	if errors.Is(err, ErrPermanent) {
		return queue.TerminalFailure(err)
	}
	if errors.Is(err, ErrInvalidVerdict) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return queue.TransientFailure(err)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusUnauthorized, statusErr.Code == http.StatusForbidden:
			return queue.TerminalFailure(err)
		case statusErr.Code == http.StatusTooManyRequests:
			if hasTerminalMarker(statusErr.Body) {
				return queue.TerminalFailure(err)
			}
			return queue.TransientFailure(err)
		case statusErr.Code >= 500:
			return queue.TransientFailure(err)
		case statusErr.Code >= 400:
			return queue.TerminalFailure(err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return queue.TransientFailure(err)
	}
	if hasTerminalMarker(err.Error()) {
		return queue.TerminalFailure(err)
	}
	return queue.TransientFailure(err)
}

func hasTerminalMarker(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range terminalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
