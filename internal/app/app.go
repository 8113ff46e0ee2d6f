// Package app initializes and holds long-lived pipeline services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/alexduan-mel/SentinelStream/internal/analysis"
	"github.com/alexduan-mel/SentinelStream/internal/clock"
	"github.com/alexduan-mel/SentinelStream/internal/config"
	"github.com/alexduan-mel/SentinelStream/internal/dispatcher"
	"github.com/alexduan-mel/SentinelStream/internal/health"
	"github.com/alexduan-mel/SentinelStream/internal/id/uuid"
	"github.com/alexduan-mel/SentinelStream/internal/ingest"
	pubmemory "github.com/alexduan-mel/SentinelStream/internal/publisher/memory"
	pubsubpub "github.com/alexduan-mel/SentinelStream/internal/publisher/pubsub"
	"github.com/alexduan-mel/SentinelStream/internal/queue"
	"github.com/alexduan-mel/SentinelStream/internal/ratelimit"
	"github.com/alexduan-mel/SentinelStream/internal/results"
	"github.com/alexduan-mel/SentinelStream/internal/snapshot"
	"github.com/alexduan-mel/SentinelStream/internal/storage/memory"
	"github.com/alexduan-mel/SentinelStream/internal/storage/postgres"
	"github.com/alexduan-mel/SentinelStream/internal/store"
	"github.com/alexduan-mel/SentinelStream/internal/worker"
)

// Notifier publishes signal notifications and owns a connection.
type Notifier interface {
	results.Notifier
	Close() error
}

// Migrator is implemented by stores with a versioned schema.
type Migrator interface {
	Migrate(ctx context.Context) (int, error)
}

// App holds the shared services built from one Config.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    clock.Clock
	ids      *uuid.Generator
	store    store.Store
	notifier Notifier
}

// Option customizes an App.
type Option func(*App)

// WithClock overrides the system clock.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// WithNotifier overrides the Pub/Sub notifier.
func WithNotifier(n Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// New opens the configured store and notifier. It fails fast when a
// critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		st  store.Store
		err error
	)
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to postgres")
		st, err = postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize store: %w", err)
		}
	case config.DriverMemory:
		logger.Info("using in-memory store; state is lost on exit")
		st = memory.New()
	default:
		return nil, fmt.Errorf("unknown db driver: %s", cfg.DB.Driver)
	}

	var opts []Option
	switch {
	case cfg.PubSub.Enabled():
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.PubSub.TopicName))
		n, err := pubsubpub.Dial(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("initialize pubsub: %w", err)
		}
		opts = append(opts, WithNotifier(n))
	case cfg.DB.Driver == config.DriverMemory:
		// A fully in-process pipeline keeps its notifications in process too.
		opts = append(opts, WithNotifier(pubmemory.New()))
	}
	return NewWithStore(cfg, st, logger, opts...), nil
}

// NewWithStore builds an App around an existing store.
func NewWithStore(cfg config.Config, st store.Store, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  clock.NewSystem(),
		ids:    uuid.New(),
		store:  st,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the pipeline store.
func (a *App) Store() store.Store { return a.store }

// Notifier returns the signal notifier, or nil when notifications are off.
func (a *App) Notifier() Notifier { return a.notifier }

// Policy converts the queue settings into a retry policy.
func (a *App) Policy() queue.Policy {
	return queue.Policy{
		MaxAttempts: a.cfg.Queue.MaxAttempts,
		BaseDelay:   a.cfg.Queue.BaseDelay,
		MaxDelay:    a.cfg.Queue.MaxDelay,
	}
}

// Migrate applies schema migrations when the store has a schema.
func (a *App) Migrate(ctx context.Context) (int, error) {
	m, ok := a.store.(Migrator)
	if !ok {
		a.logger.Info("store has no schema to migrate")
		return 0, nil
	}
	return m.Migrate(ctx)
}

// SyncTickers upserts the configured ticker universe.
func (a *App) SyncTickers(ctx context.Context) (int, error) {
	tickers := make([]store.Ticker, 0, len(a.cfg.Tickers))
	for _, t := range a.cfg.Tickers {
		tickers = append(tickers, store.Ticker{
			Symbol:   strings.ToUpper(strings.TrimSpace(t.Symbol)),
			Name:     t.Name,
			Exchange: t.Exchange,
		})
	}
	if err := a.store.UpsertTickers(ctx, tickers); err != nil {
		return 0, fmt.Errorf("sync tickers: %w", err)
	}
	return len(tickers), nil
}

// RequeueJob moves a failed job back to pending so it is analysed again.
func (a *App) RequeueJob(ctx context.Context, jobID string) (store.AnalysisJob, error) {
	job, err := a.store.RequeueJob(ctx, jobID, a.clock.Now())
	if err != nil {
		return store.AnalysisJob{}, fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	a.logger.Info("job requeued", zap.String("job_id", job.ID), zap.String("news_event_id", job.NewsEventID))
	return job, nil
}

// Stager builds the raw item stager.
func (a *App) Stager() *ingest.Stager {
	return ingest.NewStager(a.store, a.ids, a.clock, a.logger)
}

// JobPublisher builds the job publisher.
func (a *App) JobPublisher() *queue.Publisher {
	return queue.NewPublisher(a.store, a.ids, a.clock, a.logger)
}

// Normalizer builds the normalizer.
func (a *App) Normalizer() *ingest.Normalizer {
	return ingest.NewNormalizer(a.store, a.JobPublisher(), a.ids, a.clock, ingest.NormalizerConfig{
		MaxAttempts: a.cfg.Normalizer.MaxAttempts,
		JobTypes:    a.cfg.Normalizer.JobTypes,
	}, a.logger)
}

// Writer builds the result writer, publishing notifications when a
// notifier is configured.
func (a *App) Writer() *results.Writer {
	var opts []results.Option
	if a.notifier != nil {
		opts = append(opts, results.WithNotifier(a.notifier, a.cfg.PubSub.TopicName))
	}
	return results.NewWriter(a.store, a.ids, a.clock, a.Policy(), a.logger, opts...)
}

// Analyzer builds the HTTP analysis client, paced by analysis.rate_limit_rps
// when set.
func (a *App) Analyzer() (analysis.Analyzer, error) {
	an, err := analysis.NewHTTPAnalyzer(analysis.HTTPConfig{
		Endpoint: a.cfg.Analysis.Endpoint,
		APIKey:   a.cfg.Analysis.APIKey,
		Provider: a.cfg.Analysis.Provider,
		Model:    a.cfg.Analysis.Model,
		Timeout:  a.cfg.Analysis.Timeout,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize analyzer: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Analysis.RateLimitRPS,
		Burst: a.cfg.Analysis.RateLimitBurst,
	})
	if limiter.Unlimited() {
		return an, nil
	}
	return analysis.Throttle(an, limiter), nil
}

// Sweeper builds the lease-expiry sweeper.
func (a *App) Sweeper() *worker.Sweeper {
	return worker.NewSweeper(a.store, a.clock, worker.SweeperConfig{
		Lease:       a.cfg.Queue.Lease,
		MaxAttempts: a.cfg.Queue.MaxAttempts,
		Interval:    a.cfg.Queue.SweepInterval,
	}, a.logger)
}

// Dispatcher builds worker.concurrency workers sharing one writer, plus the
// sweeper.
func (a *App) Dispatcher(an analysis.Analyzer) *dispatcher.Dispatcher {
	writer := a.Writer()
	base := a.cfg.Worker.ID
	if base == "" {
		base = worker.DefaultID()
	}
	workers := make([]*worker.Worker, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		id := base
		if a.cfg.Worker.Concurrency > 1 {
			id = fmt.Sprintf("%s-%d", base, i)
		}
		workers = append(workers, worker.New(a.store, an, writer, a.clock, worker.Config{
			ID:           id,
			BatchSize:    a.cfg.Worker.BatchSize,
			PollInterval: a.cfg.Worker.PollInterval,
			JobTimeout:   a.cfg.Worker.JobTimeout,
		}, a.logger))
	}
	return dispatcher.New(workers, a.Sweeper())
}

// Reader builds the snapshot reader.
func (a *App) Reader() *snapshot.Reader {
	return snapshot.NewReader(a.store)
}

// Health builds the metrics and health-check server.
func (a *App) Health() *health.Server {
	return health.NewServer(a.store, a.logger)
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("error closing notifier", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("error closing store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
