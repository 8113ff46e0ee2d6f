package queue

import (
	"time"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// Next computes the state a running job moves to after outcome. Every
// execution counts as an attempt, and the lease is always released.
func Next(job store.AnalysisJob, outcome Outcome, policy Policy, now time.Time) store.Transition {
	attempts := job.Attempts + 1
	tr := store.Transition{
		Attempts: attempts,
		RunAfter: job.RunAfter,
		At:       now,
	}
	switch outcome.Kind {
	case Success:
		tr.Status = store.JobDone
		return tr
	case Transient:
		if attempts < policy.MaxAttempts {
			tr.Status = store.JobPending
			tr.RunAfter = now.Add(policy.Backoff(attempts))
		} else {
			tr.Status = store.JobFailed
		}
	default:
		tr.Status = store.JobFailed
	}
	msg := outcome.Message()
	tr.LastError = &msg
	return tr
}
