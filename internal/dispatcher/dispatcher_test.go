package dispatcher

import (
	"context"
	"fmt"
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
	"github.com/alexduan-mel/SentinelStream/internal/storage/memory"
	"github.com/alexduan-mel/SentinelStream/internal/store"
	"github.com/alexduan-mel/SentinelStream/internal/worker"
)

type countingAnalyzer struct {
	mu    sync.Mutex
	calls map[string]int
}

func (a *countingAnalyzer) Provider() string { return "counting" }
func (a *countingAnalyzer) Model() string    { return "v1" }

func (a *countingAnalyzer) Analyze(_ context.Context, in analysis.Input) (analysis.Verdict, error) {
	a.mu.Lock()
	a.calls[in.NewsEventID]++
	a.mu.Unlock()
	return analysis.Verdict{Sentiment: store.SentimentNeutral, Confidence: 0.5, ImpactScore: 0.5, Summary: "ok"}, nil
}

type countingSweeper struct {
	started chan struct{}
}

func (s *countingSweeper) Run(ctx context.Context) {
	close(s.started)
	<-ctx.Done()
}

// TestDispatcherDrainsQueueOnce ensures competing workers process every job exactly once.
func TestDispatcherDrainsQueueOnce(t *testing.T) {
	t.Parallel()

	const jobs = 12
	now := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	ctx := context.Background()
	s := memory.New()
	for i := 0; i < jobs; i++ {
		rawID := fmt.Sprintf("raw-%d", i)
		_, _, err := s.InsertRaw(ctx, store.RawItem{ID: rawID, Source: "finnhub", DedupKey: rawID, FetchedAt: now})
		require.NoError(t, err)
		_, err = s.Promote(ctx, store.Promotion{
			RawID: rawID,
			Event: store.NewsEvent{ID: fmt.Sprintf("event-%d", i), NewsID: rawID, URL: "https://x.com/" + rawID},
			Jobs:  []store.AnalysisJob{{ID: fmt.Sprintf("job-%d", i), JobType: queue.DefaultJobType, Status: store.JobPending, RunAfter: now}},
		})
		require.NoError(t, err)
	}

	clk := clock.NewManual(now)
	a := &countingAnalyzer{calls: make(map[string]int)}
	writer := results.NewWriter(s, uuid.New(), clk, queue.DefaultPolicy(), zap.NewNop())
	var workers []*worker.Worker
	for i := 0; i < 4; i++ {
		workers = append(workers, worker.New(s, a, writer, clk,
			worker.Config{ID: fmt.Sprintf("w-%d", i), BatchSize: 2, PollInterval: 5 * time.Millisecond, JobTimeout: time.Second},
			zap.NewNop()))
	}
	sweeper := &countingSweeper{started: make(chan struct{})}
	dispatch := New(workers, sweeper)
	require.Equal(t, 4, dispatch.Size())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		dispatch.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		counts, err := s.CountJobs(ctx)
		return err == nil && counts[store.JobDone] == jobs
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-sweeper.started:
	case <-time.After(time.Second):
		t.Fatal("sweeper was not started")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.calls, jobs)
	for id, n := range a.calls {
		require.Equal(t, 1, n, "event %s analysed more than once", id)
	}
}
