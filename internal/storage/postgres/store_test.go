package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

var (
	rawCols   = []string{"id", "source", "trace_id", "fetched_at", "published_at", "url", "title", "dedup_key", "status", "attempts", "last_error", "payload", "news_event_id"}
	eventCols = []string{"id", "news_id", "trace_id", "source", "request_ticker", "published_at", "ingested_at", "title", "url", "content", "tickers", "payload"}
	jobCols   = []string{"id", "news_event_id", "trace_id", "job_type", "status", "attempts", "run_after", "locked_at", "locked_by", "last_error", "created_at", "updated_at"}
)

var testNow = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	st, err := NewWithPool(mock)
	require.NoError(t, err)
	return st, mock
}

func rawRows(items ...store.RawItem) *pgxmock.Rows {
	rows := pgxmock.NewRows(rawCols)
	for _, it := range items {
		rows.AddRow(it.ID, it.Source, it.TraceID, it.FetchedAt, it.PublishedAt, it.URL, it.Title, it.DedupKey,
			string(it.Status), it.Attempts, it.LastError, []byte(it.Payload), it.NewsEventID)
	}
	return rows
}

func eventRows(events ...store.NewsEvent) *pgxmock.Rows {
	rows := pgxmock.NewRows(eventCols)
	for _, ev := range events {
		rows.AddRow(ev.ID, ev.NewsID, ev.TraceID, ev.Source, ev.RequestTicker, ev.PublishedAt, ev.IngestedAt,
			ev.Title, ev.URL, ev.Content, ev.Tickers, []byte(ev.Payload))
	}
	return rows
}

func jobRows(jobs ...store.AnalysisJob) *pgxmock.Rows {
	rows := pgxmock.NewRows(jobCols)
	for _, j := range jobs {
		rows.AddRow(j.ID, j.NewsEventID, j.TraceID, j.JobType, string(j.Status), j.Attempts, j.RunAfter,
			j.LockedAt, j.LockedBy, j.LastError, j.CreatedAt, j.UpdatedAt)
	}
	return rows
}

func sampleRaw() store.RawItem {
	return store.RawItem{
		ID:          "raw-1",
		Source:      "finnhub",
		TraceID:     "trace-1",
		FetchedAt:   testNow,
		PublishedAt: (*time.Time)(nil),
		URL:         ptr("https://example.com/a"),
		Title:       ptr("Apple beats"),
		DedupKey:    "key-1",
		Status:      store.RawFetched,
		LastError:   (*string)(nil),
		Payload:     json.RawMessage(`{"headline":"Apple beats"}`),
		NewsEventID: (*string)(nil),
	}
}

func sampleEvent() store.NewsEvent {
	return store.NewsEvent{
		ID:            "event-1",
		NewsID:        "news-1",
		TraceID:       "trace-1",
		Source:        "finnhub",
		RequestTicker: (*string)(nil),
		PublishedAt:   testNow.Add(-time.Hour),
		IngestedAt:    testNow,
		Title:         "Apple beats",
		URL:           "https://example.com/a",
		Content:       (*string)(nil),
		Tickers:       []string{"AAPL"},
		Payload:       json.RawMessage(`{}`),
	}
}

func sampleJob() store.AnalysisJob {
	return store.AnalysisJob{
		ID:          "job-1",
		NewsEventID: "event-1",
		TraceID:     "trace-1",
		JobType:     "llm_analysis",
		Status:      store.JobPending,
		RunAfter:    testNow,
		LockedAt:    (*time.Time)(nil),
		LockedBy:    (*string)(nil),
		LastError:   (*string)(nil),
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

func TestNewRequiresDSNAndPool(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewWithPool(nil)
	require.Error(t, err)
}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tickers").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs(1, "initial schema").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	applied, err := st.Migrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(len(migrations)))
	mock.ExpectCommit()

	applied, err := st.Migrate(context.Background())
	require.NoError(t, err)
	require.Zero(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRawCreatesRow(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	item := sampleRaw()

	mock.ExpectQuery("INSERT INTO raw_items").
		WithArgs(item.ID, item.Source, item.TraceID, item.FetchedAt, item.PublishedAt, item.URL, item.Title,
			item.DedupKey, "fetched", 0, []byte(item.Payload)).
		WillReturnRows(rawRows(item))

	stored, created, err := st.InsertRaw(context.Background(), item)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, item.ID, stored.ID)
	require.Equal(t, store.RawFetched, stored.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRawDuplicateReturnsExisting(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	existing := sampleRaw()
	dup := sampleRaw()
	dup.ID = "raw-2"

	mock.ExpectQuery("INSERT INTO raw_items").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(rawCols))
	mock.ExpectQuery("FROM raw_items WHERE source").WithArgs("finnhub", "key-1").WillReturnRows(rawRows(existing))

	stored, created, err := st.InsertRaw(context.Background(), dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "raw-1", stored.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRawFailureOnUnknownItem(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE raw_items").WithArgs("missing", "boom", false, 3).WillReturnRows(pgxmock.NewRows(rawCols))
	mock.ExpectQuery("FROM raw_items WHERE id").WithArgs("missing").WillReturnRows(pgxmock.NewRows(rawCols))

	_, err := st.RecordRawFailure(context.Background(), "missing", "boom", false, 3)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteInsertsEventJobsAndMarksRaw(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	ev := sampleEvent()
	job := sampleJob()

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectQuery("INSERT INTO news_events").WithArgs(ev.ID, ev.NewsID, ev.TraceID, ev.Source, ev.RequestTicker,
		ev.PublishedAt, ev.IngestedAt, ev.Title, ev.URL, ev.Content, ev.Tickers, []byte(ev.Payload)).
		WillReturnRows(eventRows(ev))
	mock.ExpectQuery("INSERT INTO analysis_jobs").WithArgs(job.ID, ev.ID, job.TraceID, job.JobType, "pending", 0,
		job.RunAfter, job.CreatedAt, job.UpdatedAt).
		WillReturnRows(jobRows(job))
	mock.ExpectExec("UPDATE raw_items").WithArgs("raw-1", ev.ID).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := st.Promote(context.Background(), store.Promotion{RawID: "raw-1", Event: ev, Jobs: []store.AnalysisJob{job}})
	require.NoError(t, err)
	require.True(t, res.EventCreated)
	require.Equal(t, 1, res.JobsCreated)
	require.Equal(t, []string{"AAPL"}, res.Event.Tickers)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteRejectsNewsIDCollision(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	ev := sampleEvent()
	existing := sampleEvent()
	existing.ID = "event-0"
	existing.URL = "https://example.com/other"

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectQuery("INSERT INTO news_events").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(eventCols))
	mock.ExpectQuery("FROM news_events WHERE news_id").WithArgs(ev.NewsID).WillReturnRows(eventRows(existing))
	mock.ExpectRollback()

	_, err := st.Promote(context.Background(), store.Promotion{RawID: "raw-1", Event: ev})
	require.ErrorIs(t, err, store.ErrInvariant)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimJobsReturnsClaimOrder(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	early := sampleJob()
	early.ID = "job-early"
	early.RunAfter = testNow.Add(-time.Minute)
	late := sampleJob()
	late.ID = "job-late"
	for _, j := range []*store.AnalysisJob{&early, &late} {
		j.Status = store.JobRunning
		j.LockedAt = ptr(testNow)
		j.LockedBy = ptr("w-1")
	}

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WithArgs("w-1", testNow, 2).WillReturnRows(jobRows(late, early))

	jobs, err := st.ClaimJobs(context.Background(), "w-1", 2, testNow)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-early", jobs[0].ID)
	require.Equal(t, store.JobRunning, jobs[1].Status)
	require.Equal(t, "w-1", *jobs[1].LockedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishWithoutLeaseWritesNothing(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec("UPDATE analysis_jobs").WithArgs("job-1", "w-2", "done", 1, testNow, (*string)(nil), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := st.Finish(context.Background(), store.Completion{
		JobID:      "job-1",
		WorkerID:   "w-2",
		Transition: store.Transition{Status: store.JobDone, Attempts: 1, RunAfter: testNow, At: testNow},
		Result:     store.AnalysisResult{ID: "analysis-1", NewsEventID: "event-1"},
	})
	require.ErrorIs(t, err, store.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginAnalysisWithoutLeaseLeavesResult(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec("UPDATE analysis_jobs SET locked_at").WithArgs("job-1", "stalled", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := st.BeginAnalysis(context.Background(), "job-1", "stalled", store.AnalysisResult{
		ID: "analysis-2", NewsEventID: "event-1", UpdatedAt: testNow,
	})
	require.ErrorIs(t, err, store.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginAnalysisRenewsLeaseAndMarksPending(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	resultCols := []string{"id", "news_event_id", "trace_id", "provider", "model", "status", "error_message",
		"sentiment", "confidence", "impact_score", "entities", "summary", "rationale", "raw_output", "created_at", "updated_at"}
	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec("UPDATE analysis_jobs SET locked_at").WithArgs("job-1", "w-1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO analysis_results").
		WithArgs("analysis-1", "event-1", "trace-1", "http", "m-1", testNow, testNow).
		WillReturnRows(pgxmock.NewRows(resultCols).AddRow(
			"analysis-1", "event-1", "trace-1", "http", "m-1", "pending", (*string)(nil),
			(*string)(nil), (*float64)(nil), (*float64)(nil), []byte(nil), (*string)(nil), (*string)(nil),
			(*string)(nil), testNow, testNow,
		))
	mock.ExpectCommit()

	result, err := st.BeginAnalysis(context.Background(), "job-1", "w-1", store.AnalysisResult{
		ID: "analysis-1", NewsEventID: "event-1", TraceID: "trace-1", Provider: "http", Model: "m-1", UpdatedAt: testNow,
	})
	require.NoError(t, err)
	require.Equal(t, store.ResultPending, result.Status)
	require.Nil(t, result.Entities)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishSucceededReplacesEntityLinks(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	sentiment := store.SentimentPositive
	result := store.AnalysisResult{
		ID:          "analysis-new",
		NewsEventID: "event-1",
		TraceID:     "trace-1",
		Provider:    "http",
		Model:       "m",
		Status:      store.ResultSucceeded,
		Sentiment:   &sentiment,
		Confidence:  ptr(0.9),
		ImpactScore: ptr(0.4),
		Summary:     ptr("beat"),
		Entities: []store.Entity{
			{Symbol: "AAPL", Confidence: ptr(0.9)},
			{Symbol: "AAPL"},
			{Symbol: "MSFT"},
		},
	}

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec("UPDATE analysis_jobs").WithArgs("job-1", "w-1", "done", 1, testNow, (*string)(nil), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO analysis_results").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), "succeeded", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), testNow, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("analysis-old"))
	mock.ExpectExec("DELETE FROM entity_links").WithArgs("analysis-old").WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("INSERT INTO entity_links").WithArgs("analysis-old", "AAPL", ptr(0.9)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO entity_links").WithArgs("analysis-old", "MSFT", (*float64)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := st.Finish(context.Background(), store.Completion{
		JobID:      "job-1",
		WorkerID:   "w-1",
		Transition: store.Transition{Status: store.JobDone, Attempts: 1, RunAfter: testNow, At: testNow},
		Result:     result,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishFailedResultDropsLinks(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec("UPDATE analysis_jobs").WithArgs("job-1", "w-1", "failed", 3, testNow, ptr("quota"), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO analysis_results").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), "failed", ptr("quota"), (*string)(nil), pgxmock.AnyArg(),
		pgxmock.AnyArg(), []byte("[]"), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), testNow, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("analysis-1"))
	mock.ExpectExec("DELETE FROM entity_links").WithArgs("analysis-1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := st.Finish(context.Background(), store.Completion{
		JobID:      "job-1",
		WorkerID:   "w-1",
		Transition: store.Transition{Status: store.JobFailed, Attempts: 3, RunAfter: testNow, LastError: ptr("quota"), At: testNow},
		Result: store.AnalysisResult{
			ID:           "analysis-1",
			NewsEventID:  "event-1",
			Status:       store.ResultFailed,
			ErrorMessage: ptr("quota"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverExpiredFailsPendingResults(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	cutoff := testNow.Add(-5 * time.Minute)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectQuery("UPDATE analysis_jobs").WithArgs(cutoff, 3, "lease expired", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"news_event_id", "status"}).
			AddRow("event-1", "pending").
			AddRow("event-2", "failed"))
	mock.ExpectExec("UPDATE analysis_results").WithArgs("event-2", "lease expired", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	report, err := st.RecoverExpired(context.Background(), cutoff, 3, testNow)
	require.NoError(t, err)
	require.Equal(t, store.RecoveryReport{Requeued: 1, Failed: 1}, report)
	require.Equal(t, 2, report.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueJobRejectsNonFailedJob(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	done := sampleJob()
	done.Status = store.JobDone

	mock.ExpectQuery("UPDATE analysis_jobs").WithArgs("job-1", testNow).WillReturnRows(pgxmock.NewRows(jobCols))
	mock.ExpectQuery("FROM analysis_jobs WHERE id").WithArgs("job-1").WillReturnRows(jobRows(done))

	_, err := st.RequeueJob(context.Background(), "job-1", testNow)
	require.ErrorIs(t, err, store.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountJobsGroupsByStatus(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectQuery("GROUP BY status").WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
		AddRow("pending", int64(4)).
		AddRow("done", int64(7)))

	counts, err := st.CountJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, counts[store.JobPending])
	require.Equal(t, 7, counts[store.JobDone])
	require.Zero(t, counts[store.JobFailed])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSignalReadsInSnapshot(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectQuery("FROM entity_links").WithArgs("TSLA").WillReturnRows(pgxmock.NewRows([]string{"ticker_symbol"}))
	mock.ExpectCommit()

	_, found, err := st.LatestSignal(context.Background(), "TSLA")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSignalsOneRowPerSucceededAnalysis(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	published := testNow.Add(-time.Hour)

	cols := []string{"symbol", "news_event_id", "analysis_id", "trace_id", "title", "url", "source", "published_at",
		"sentiment", "confidence", "impact_score", "summary", "rationale", "analyzed_at"}
	rows := pgxmock.NewRows(cols).
		AddRow("AAPL", "event-2", "analysis-2", "trace-2", "Apple and Microsoft", "https://example.com/b", "finnhub",
			published, "positive", 0.9, 0.4, "beat", (*string)(nil), testNow).
		AddRow("", "event-1", "analysis-1", "trace-1", "Market wrap", "https://example.com/a", "finnhub",
			published.Add(-time.Hour), "neutral", 0.5, 0.1, "flat", (*string)(nil), testNow)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectQuery(`FROM analysis_results r\s+JOIN news_events e`).WithArgs(5).WillReturnRows(rows)
	mock.ExpectCommit()

	list, err := st.ListSignals(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "AAPL", list[0].Symbol)
	require.Equal(t, store.SentimentPositive, list[0].Sentiment)
	require.Empty(t, list[1].Symbol)
	require.Equal(t, "event-1", list[1].NewsEventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMonitorSnapshotLeavesMissingSignalsNil(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	published := testNow.Add(-time.Hour)

	cols := []string{"symbol", "name", "exchange", "news_event_id", "analysis_id", "trace_id", "title", "url",
		"source", "published_at", "sentiment", "confidence", "impact_score", "summary", "rationale", "analyzed_at"}
	rows := pgxmock.NewRows(cols).
		AddRow("AAPL", "Apple", "NASDAQ", ptr("event-1"), ptr("analysis-1"), ptr("trace-1"), ptr("Apple beats"),
			ptr("https://example.com/a"), ptr("finnhub"), &published, ptr("positive"), ptr(0.9), ptr(0.4),
			ptr("beat"), (*string)(nil), ptr(testNow)).
		AddRow("GOOGL", "Alphabet", "NASDAQ", (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil),
			(*string)(nil), (*string)(nil), (*time.Time)(nil), (*string)(nil), (*float64)(nil), (*float64)(nil),
			(*string)(nil), (*string)(nil), (*time.Time)(nil))

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectQuery("LEFT JOIN LATERAL").WillReturnRows(rows)
	mock.ExpectCommit()

	snapshot, err := st.MonitorSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	require.NotNil(t, snapshot[0].Signal)
	require.Equal(t, "AAPL", snapshot[0].Signal.Symbol)
	require.Equal(t, store.SentimentPositive, snapshot[0].Signal.Sentiment)
	require.Equal(t, published, snapshot[0].Signal.PublishedAt)
	require.Equal(t, "GOOGL", snapshot[1].Ticker.Symbol)
	require.Nil(t, snapshot[1].Signal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTickersRunsInOneTransaction(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec("INSERT INTO tickers").WithArgs("AAPL", "Apple", "NASDAQ").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO tickers").WithArgs("GOOGL", "Alphabet", "NASDAQ").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := st.UpsertTickers(context.Background(), []store.Ticker{
		{Symbol: "AAPL", Name: "Apple", Exchange: "NASDAQ"},
		{Symbol: "GOOGL", Name: "Alphabet", Exchange: "NASDAQ"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
