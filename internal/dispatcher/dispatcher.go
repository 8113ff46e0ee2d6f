// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"github.com/alexduan-mel/SentinelStream/internal/worker"
)

// Runner is a long-lived loop bound to a context.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher runs a pool of workers plus the lease sweeper.
type Dispatcher struct {
	workers []*worker.Worker
	sweeper Runner
}

// New creates a Dispatcher. sweeper may be nil.
func New(workers []*worker.Worker, sweeper Runner) *Dispatcher {
	return &Dispatcher{
		workers: workers,
		sweeper: sweeper,
	}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sweeper.Run(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}
