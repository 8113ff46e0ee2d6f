// Package queue implements the analysis job state machine: outcomes, retry
// policy, transitions and publishing. Claiming and persistence live in the
// store implementations.
package queue

import "unicode/utf8"

// Kind tags the result of one job execution.
type Kind int

// Outcome kinds reported by workers.
const (
	Success Kind = iota
	Transient
	Terminal
)

// MaxErrorLength bounds the error text persisted on jobs and results.
const MaxErrorLength = 500

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is what a worker learned from executing a job.
type Outcome struct {
	Kind Kind
	Err  error
}

// Succeeded reports a successful execution.
func Succeeded() Outcome {
	return Outcome{Kind: Success}
}

// TransientFailure reports a failure worth retrying.
func TransientFailure(err error) Outcome {
	return Outcome{Kind: Transient, Err: err}
}

// TerminalFailure reports a failure that no retry can fix.
func TerminalFailure(err error) Outcome {
	return Outcome{Kind: Terminal, Err: err}
}

// Message returns the truncated error text, or "" on success.
func (o Outcome) Message() string {
	if o.Err == nil {
		if o.Kind == Success {
			return ""
		}
		return o.Kind.String() + " failure"
	}
	return Truncate(o.Err.Error())
}

// Truncate cuts s to MaxErrorLength bytes without splitting a rune.
func Truncate(s string) string {
	if len(s) <= MaxErrorLength {
		return s
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
