package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

const jobColumns = `id, news_event_id, trace_id, job_type, status, attempts, run_after,
	locked_at, locked_by, last_error, created_at, updated_at`

const leaseExpiredMessage = "lease expired"

func scanJob(row pgx.Row) (store.AnalysisJob, error) {
	var (
		job    store.AnalysisJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.NewsEventID,
		&job.TraceID,
		&job.JobType,
		&status,
		&job.Attempts,
		&job.RunAfter,
		&job.LockedAt,
		&job.LockedBy,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return store.AnalysisJob{}, err
	}
	job.Status = store.JobStatus(status)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]store.AnalysisJob, error) {
	defer rows.Close()
	var out []store.AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func insertJob(ctx context.Context, q querier, job store.AnalysisJob) (store.AnalysisJob, bool, error) {
	if job.Status == "" {
		job.Status = store.JobPending
	}
	stored, err := scanJob(q.QueryRow(ctx, `
INSERT INTO analysis_jobs (id, news_event_id, trace_id, job_type, status, attempts, run_after, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (news_event_id, job_type) DO NOTHING
RETURNING `+jobColumns,
		job.ID,
		job.NewsEventID,
		job.TraceID,
		job.JobType,
		string(job.Status),
		job.Attempts,
		job.RunAfter,
		job.CreatedAt,
		job.UpdatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isForeignKeyViolation(err) {
			return store.AnalysisJob{}, false, store.ErrNotFound
		}
		return store.AnalysisJob{}, false, fmt.Errorf("insert job: %w", err)
	}
	existing, err := scanJob(q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE news_event_id = $1 AND job_type = $2`,
		job.NewsEventID, job.JobType,
	))
	if err != nil {
		return store.AnalysisJob{}, false, fmt.Errorf("load existing job: %w", err)
	}
	return existing, false, nil
}

// PublishJob inserts job unless (news_event_id, job_type) exists.
func (s *Store) PublishJob(ctx context.Context, job store.AnalysisJob) (store.AnalysisJob, bool, error) {
	return insertJob(ctx, s.pool, job)
}

// ClaimJobs leases up to limit runnable jobs to workerID in one statement.
// SKIP LOCKED lets concurrent claimers pass over each other's rows.
func (s *Store) ClaimJobs(ctx context.Context, workerID string, limit int, now time.Time) ([]store.AnalysisJob, error) {
	rows, err := s.pool.Query(ctx, `
WITH picked AS (
	SELECT id
	FROM analysis_jobs
	WHERE status = 'pending' AND run_after <= $2
	ORDER BY run_after, created_at, id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE analysis_jobs AS j
SET status = 'running', locked_by = $1, locked_at = $2, updated_at = $2
FROM picked
WHERE j.id = picked.id
RETURNING j.id, j.news_event_id, j.trace_id, j.job_type, j.status, j.attempts, j.run_after,
	j.locked_at, j.locked_by, j.last_error, j.created_at, j.updated_at`,
		workerID, now, listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if !a.RunAfter.Equal(b.RunAfter) {
			return a.RunAfter.Before(b.RunAfter)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return jobs, nil
}

// Finish applies the job transition and result upsert in one transaction,
// guarded by the worker's lease.
func (s *Store) Finish(ctx context.Context, c store.Completion) error {
	return s.inTx(ctx, readWrite, func(tx pgx.Tx) error {
		tr := c.Transition
		tag, err := tx.Exec(ctx, `
UPDATE analysis_jobs
SET status = $3, attempts = $4, run_after = $5, last_error = $6,
	locked_at = NULL, locked_by = NULL, updated_at = $7
WHERE id = $1 AND status = 'running' AND locked_by = $2`,
			c.JobID, c.WorkerID, string(tr.Status), tr.Attempts, tr.RunAfter, tr.LastError, tr.At,
		)
		if err != nil {
			return fmt.Errorf("update job %s: %w", c.JobID, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrLeaseLost
		}
		if c.Result.ID == "" {
			return nil
		}
		return upsertResult(ctx, tx, c.Result, tr.At)
	})
}

// RecoverExpired releases running jobs locked before cutoff. Jobs that
// exhaust maxAttempts fail, and so does their event's pending result.
func (s *Store) RecoverExpired(
	ctx context.Context,
	cutoff time.Time,
	maxAttempts int,
	now time.Time,
) (store.RecoveryReport, error) {
	var report store.RecoveryReport
	err := s.inTx(ctx, readWrite, func(tx pgx.Tx) error {
		report = store.RecoveryReport{}
		rows, err := tx.Query(ctx, `
UPDATE analysis_jobs
SET attempts = attempts + 1,
	last_error = $3,
	locked_at = NULL,
	locked_by = NULL,
	updated_at = $4,
	status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
	run_after = CASE WHEN attempts + 1 >= $2 THEN run_after ELSE $4 END
WHERE status = 'running' AND locked_at < $1
RETURNING news_event_id, status`,
			cutoff, maxAttempts, leaseExpiredMessage, now,
		)
		if err != nil {
			return fmt.Errorf("recover expired leases: %w", err)
		}
		var failedEvents []string
		for rows.Next() {
			var eventID, status string
			if err := rows.Scan(&eventID, &status); err != nil {
				rows.Close()
				return fmt.Errorf("scan recovered job: %w", err)
			}
			if store.JobStatus(status) == store.JobFailed {
				report.Failed++
				failedEvents = append(failedEvents, eventID)
			} else {
				report.Requeued++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("recover expired leases: %w", err)
		}

		for _, eventID := range failedEvents {
			_, err := tx.Exec(ctx, `
UPDATE analysis_results
SET status = 'failed', error_message = $2, updated_at = $3
WHERE news_event_id = $1 AND status = 'pending'`,
				eventID, leaseExpiredMessage, now,
			)
			if err != nil {
				return fmt.Errorf("fail result for event %s: %w", eventID, err)
			}
		}
		return nil
	})
	if err != nil {
		return store.RecoveryReport{}, err
	}
	return report, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (store.AnalysisJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.AnalysisJob{}, store.ErrNotFound
	}
	if err != nil {
		return store.AnalysisJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobsForEvent returns the jobs of eventID ordered by job type.
func (s *Store) ListJobsForEvent(ctx context.Context, eventID string) ([]store.AnalysisJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE news_event_id = $1 ORDER BY job_type`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for event %s: %w", eventID, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list jobs for event %s: %w", eventID, err)
	}
	return jobs, nil
}

// CountJobs returns job counts per status.
func (s *Store) CountJobs(ctx context.Context) (map[store.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM analysis_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[store.JobStatus]int, len(store.JobStatuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[store.JobStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

// RequeueJob resets a failed job to pending with attempts cleared.
func (s *Store) RequeueJob(ctx context.Context, jobID string, now time.Time) (store.AnalysisJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
UPDATE analysis_jobs
SET status = 'pending', attempts = 0, run_after = $2, last_error = NULL, updated_at = $2
WHERE id = $1 AND status = 'failed'
RETURNING `+jobColumns, jobID, now))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.AnalysisJob{}, fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return store.AnalysisJob{}, err
	}
	return store.AnalysisJob{}, store.ErrInvalidState
}
