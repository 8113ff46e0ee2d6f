package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexduan-mel/SentinelStream/internal/analysis"
	"github.com/alexduan-mel/SentinelStream/internal/clock"
	"github.com/alexduan-mel/SentinelStream/internal/id/uuid"
	"github.com/alexduan-mel/SentinelStream/internal/queue"
	"github.com/alexduan-mel/SentinelStream/internal/results"
	"github.com/alexduan-mel/SentinelStream/internal/snapshot"
	"github.com/alexduan-mel/SentinelStream/internal/storage/memory"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

var start = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

var policy = queue.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

type scriptedAnalyzer struct {
	mu    sync.Mutex
	calls int
	fails int
	err   error
}

func (a *scriptedAnalyzer) Provider() string { return "scripted" }
func (a *scriptedAnalyzer) Model() string    { return "v1" }

func (a *scriptedAnalyzer) Analyze(_ context.Context, in analysis.Input) (analysis.Verdict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.fails {
		return analysis.Verdict{}, a.err
	}
	entities := make([]store.Entity, 0, len(in.Tickers))
	for _, sym := range in.Tickers {
		entities = append(entities, store.Entity{Symbol: strings.ToLower(sym)})
	}
	return analysis.Verdict{
		Sentiment:   store.SentimentPositive,
		Confidence:  0.82,
		ImpactScore: 0.6,
		Summary:     "Good news for " + in.Title,
		Entities:    entities,
	}, nil
}

func (a *scriptedAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type blockingAnalyzer struct{}

func (blockingAnalyzer) Provider() string { return "blocking" }
func (blockingAnalyzer) Model() string    { return "v1" }

func (blockingAnalyzer) Analyze(ctx context.Context, _ analysis.Input) (analysis.Verdict, error) {
	<-ctx.Done()
	return analysis.Verdict{}, ctx.Err()
}

// gatedAnalyzer blocks inside Analyze until released or its context ends.
type gatedAnalyzer struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedAnalyzer() *gatedAnalyzer {
	return &gatedAnalyzer{started: make(chan struct{}), release: make(chan struct{})}
}

func (a *gatedAnalyzer) Provider() string { return "gated" }
func (a *gatedAnalyzer) Model() string    { return "v1" }

func (a *gatedAnalyzer) Analyze(ctx context.Context, in analysis.Input) (analysis.Verdict, error) {
	a.once.Do(func() { close(a.started) })
	select {
	case <-a.release:
		return analysis.Verdict{
			Sentiment: store.SentimentNeutral, Confidence: 0.6, Summary: "steady " + in.Title,
			Entities: []store.Entity{{Symbol: "AAPL"}},
		}, nil
	case <-ctx.Done():
		return analysis.Verdict{}, ctx.Err()
	}
}

// stallingStore holds GetEvent until released, standing in for a worker
// that pauses between claim and analysis.
type stallingStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) GetEvent(ctx context.Context, eventID string) (store.NewsEvent, error) {
	close(s.entered)
	<-s.release
	return s.Store.GetEvent(ctx, eventID)
}

type env struct {
	store *memory.Store
	clock *clock.Manual
	job   store.AnalysisJob
}

func newEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.UpsertTickers(ctx, []store.Ticker{{Symbol: "AAPL"}}))
	_, _, err := s.InsertRaw(ctx, store.RawItem{ID: "raw-1", Source: "finnhub", DedupKey: "k", FetchedAt: start})
	require.NoError(t, err)
	res, err := s.Promote(ctx, store.Promotion{
		RawID: "raw-1",
		Event: store.NewsEvent{
			ID: "event-1", NewsID: "n1", TraceID: "trace-1", URL: "https://x.com/a",
			Title: "Apple", PublishedAt: start, Tickers: []string{"AAPL"},
		},
		Jobs: []store.AnalysisJob{{ID: "job-1", TraceID: "trace-1", JobType: queue.DefaultJobType, Status: store.JobPending, RunAfter: start}},
	})
	require.NoError(t, err)
	return env{store: s, clock: clock.NewManual(start), job: res.Jobs[0]}
}

func (e env) worker(id string, a analysis.Analyzer, timeout time.Duration) *Worker {
	writer := results.NewWriter(e.store, uuid.New(), e.clock, policy, zap.NewNop())
	return New(e.store, a, writer, e.clock, Config{ID: id, BatchSize: 4, PollInterval: 5 * time.Millisecond, JobTimeout: timeout}, zap.NewNop())
}

// drain runs the worker until the job leaves the queue, advancing the clock
// past every backoff.
func (e env) drain(t *testing.T, w *Worker) store.AnalysisJob {
	t.Helper()
	for i := 0; i < 10; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		job, err := e.store.GetJob(context.Background(), e.job.ID)
		require.NoError(t, err)
		if job.Status == store.JobDone || job.Status == store.JobFailed {
			return job
		}
		e.clock.Advance(policy.MaxDelay)
	}
	t.Fatal("job never reached a terminal status")
	return store.AnalysisJob{}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	a := &scriptedAnalyzer{fails: 2, err: errors.New("upstream timeout")}
	job := e.drain(t, e.worker("w1", a, time.Second))

	require.Equal(t, store.JobDone, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Nil(t, job.LockedBy)
	require.Equal(t, 3, a.Calls())

	result, err := e.store.GetResult(context.Background(), "event-1")
	require.NoError(t, err)
	require.Equal(t, store.ResultSucceeded, result.Status)
	require.Nil(t, result.ErrorMessage)
	require.Equal(t, []store.Entity{{Symbol: "AAPL"}}, result.Entities)

	sig, ok, err := snapshot.NewReader(e.store).LatestSignal(context.Background(), "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, sig.HighConfidence)
}

func TestWorkerBacksOffBetweenAttempts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	a := &scriptedAnalyzer{fails: 1, err: errors.New("503")}
	w := e.worker("w1", a, time.Second)

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := e.store.GetJob(context.Background(), e.job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobPending, job.Status)
	require.Equal(t, start.Add(2*time.Second), job.RunAfter)

	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n, "job is not runnable before its backoff elapses")

	e.clock.Advance(2 * time.Second)
	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestWorkerExhaustsAttempts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	a := &scriptedAnalyzer{fails: 100, err: errors.New("upstream timeout")}
	job := e.drain(t, e.worker("w1", a, time.Second))

	require.Equal(t, store.JobFailed, job.Status)
	require.Equal(t, policy.MaxAttempts, job.Attempts)
	require.Equal(t, "upstream timeout", *job.LastError)

	result, err := e.store.GetResult(context.Background(), "event-1")
	require.NoError(t, err)
	require.Equal(t, store.ResultFailed, result.Status)

	_, ok, err := snapshot.NewReader(e.store).LatestSignal(context.Background(), "AAPL")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWorkerTerminalErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	a := &scriptedAnalyzer{fails: 1, err: &analysis.StatusError{Code: 401, Body: "invalid_api_key"}}
	job := e.drain(t, e.worker("w1", a, time.Second))

	require.Equal(t, store.JobFailed, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, 1, a.Calls())
}

func TestWorkerTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	w := e.worker("w1", blockingAnalyzer{}, 20*time.Millisecond)
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	job, err := e.store.GetJob(context.Background(), e.job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobPending, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Contains(t, *job.LastError, context.DeadlineExceeded.Error())
}

func TestStuckJobIsReclaimedByAnotherWorker(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	// A worker claims the job and crashes without reporting.
	claimed, err := e.store.ClaimJobs(ctx, "crashed", 1, e.clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sweeper := NewSweeper(e.store, e.clock, SweeperConfig{Lease: 5 * time.Minute, MaxAttempts: policy.MaxAttempts}, zap.NewNop())
	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Total())

	e.clock.Advance(6 * time.Minute)
	report, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Requeued)

	survivor := &scriptedAnalyzer{}
	job := e.drain(t, e.worker("survivor", survivor, time.Second))
	require.Equal(t, store.JobDone, job.Status)
	require.Equal(t, 2, job.Attempts)

	// The crashed worker's late report is rejected.
	late := results.NewWriter(e.store, uuid.New(), e.clock, policy, nil)
	_, err = late.Finish(ctx, results.Report{Job: claimed[0], WorkerID: "crashed", Outcome: queue.Succeeded()})
	require.ErrorIs(t, err, store.ErrLeaseLost)
}

func TestStalledWorkerCannotResetReclaimedResult(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	stalled := &stallingStore{Store: e.store, entered: make(chan struct{}), release: make(chan struct{})}
	writer := results.NewWriter(e.store, uuid.New(), e.clock, policy, zap.NewNop())
	slow := New(stalled, &scriptedAnalyzer{}, writer, e.clock, Config{ID: "stalled", JobTimeout: time.Second}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = slow.RunOnce(ctx)
	}()
	<-stalled.entered

	e.clock.Advance(6 * time.Minute)
	sweeper := NewSweeper(e.store, e.clock, SweeperConfig{Lease: 5 * time.Minute, MaxAttempts: policy.MaxAttempts}, zap.NewNop())
	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Requeued)

	n, err := e.worker("healthy", &scriptedAnalyzer{}, time.Second).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	close(stalled.release)
	<-done

	job, err := e.store.GetJob(ctx, e.job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobDone, job.Status)
	require.Equal(t, 2, job.Attempts)
	result, err := e.store.GetResult(ctx, "event-1")
	require.NoError(t, err)
	require.Equal(t, store.ResultSucceeded, result.Status)
	_, ok, err := snapshot.NewReader(e.store).LatestSignal(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
}

// sweepingAnalyzer lets analysis time pass and runs a sweep while each job is
// in flight.
type sweepingAnalyzer struct {
	scriptedAnalyzer
	clock   *clock.Manual
	sweeper *Sweeper
	step    time.Duration
	swept   int
}

func (a *sweepingAnalyzer) Analyze(ctx context.Context, in analysis.Input) (analysis.Verdict, error) {
	a.clock.Advance(a.step)
	report, err := a.sweeper.SweepOnce(ctx)
	if err != nil {
		return analysis.Verdict{}, err
	}
	a.swept += report.Total()
	return a.scriptedAnalyzer.Analyze(ctx, in)
}

func TestBatchJobsKeepLeaseWhileEarlierJobsRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	_, _, err := e.store.InsertRaw(ctx, store.RawItem{ID: "raw-2", Source: "finnhub", DedupKey: "k2", FetchedAt: start})
	require.NoError(t, err)
	_, err = e.store.Promote(ctx, store.Promotion{
		RawID: "raw-2",
		Event: store.NewsEvent{
			ID: "event-2", NewsID: "n2", TraceID: "trace-2", URL: "https://x.com/b",
			Title: "Apple again", PublishedAt: start, Tickers: []string{"AAPL"},
		},
		Jobs: []store.AnalysisJob{{ID: "job-2", TraceID: "trace-2", JobType: queue.DefaultJobType, Status: store.JobPending, RunAfter: start}},
	})
	require.NoError(t, err)

	a := &sweepingAnalyzer{
		clock:   e.clock,
		sweeper: NewSweeper(e.store, e.clock, SweeperConfig{Lease: 5 * time.Minute, MaxAttempts: policy.MaxAttempts}, zap.NewNop()),
		step:    4 * time.Minute,
	}
	n, err := e.worker("w1", a, time.Second).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Zero(t, a.swept, "a running batch is never swept")

	for _, id := range []string{"job-1", "job-2"} {
		job, err := e.store.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.JobDone, job.Status, id)
		require.Equal(t, 1, job.Attempts, id)
	}
}

func TestCancelDuringAnalysisFinishesClaimedJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	a := newGatedAnalyzer()
	w := e.worker("w1", a, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	<-a.started
	cancel()
	close(a.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after its claimed job finished")
	}

	job, err := e.store.GetJob(context.Background(), e.job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobDone, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Nil(t, job.LastError)
	result, err := e.store.GetResult(context.Background(), "event-1")
	require.NoError(t, err)
	require.Equal(t, store.ResultSucceeded, result.Status)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	a := &scriptedAnalyzer{}
	w := e.worker("w1", a, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := e.store.GetJob(context.Background(), e.job.ID)
		return err == nil && job.Status == store.JobDone
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestDefaultID(t *testing.T) {
	t.Parallel()

	id := DefaultID()
	require.Contains(t, id, ":")
	require.Equal(t, id, New(nil, nil, nil, nil, Config{}, nil).ID())
}
