package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexduan-mel/SentinelStream/internal/clock"
	"github.com/alexduan-mel/SentinelStream/internal/metrics"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// Recoverer releases expired leases.
type Recoverer interface {
	RecoverExpired(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (store.RecoveryReport, error)
}

// SweeperConfig controls the lease sweep.
type SweeperConfig struct {
	// Lease is how long a job may stay running before it is presumed lost.
	Lease       time.Duration
	MaxAttempts int
	Interval    time.Duration
}

// Sweeper periodically returns jobs held by crashed workers to the queue.
type Sweeper struct {
	store  Recoverer
	clock  clock.Clock
	cfg    SweeperConfig
	logger *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(st Recoverer, clk clock.Clock, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: st, clock: clk, cfg: cfg, logger: logger.Named("sweeper")}
}

// Run sweeps on every interval until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("lease sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce releases every running job whose lease started more than Lease ago.
func (s *Sweeper) SweepOnce(ctx context.Context) (store.RecoveryReport, error) {
	now := s.clock.Now()
	report, err := s.store.RecoverExpired(ctx, now.Add(-s.cfg.Lease), s.cfg.MaxAttempts, now)
	if err != nil {
		return store.RecoveryReport{}, fmt.Errorf("recover expired leases: %w", err)
	}
	metrics.ObserveRecovered(report.Requeued, report.Failed)
	if report.Total() > 0 {
		s.logger.Warn("expired leases recovered",
			zap.Int("requeued", report.Requeued),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}
