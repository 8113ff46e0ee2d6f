package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alexduan-mel/SentinelStream/internal/clock"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// DefaultJobType is the analysis every news event receives.
const DefaultJobType = "llm_analysis"

// JobWriter inserts jobs idempotently.
type JobWriter interface {
	PublishJob(ctx context.Context, job store.AnalysisJob) (store.AnalysisJob, bool, error)
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher creates the analysis jobs of news events.
type Publisher struct {
	jobs   JobWriter
	ids    IDGenerator
	clock  clock.Clock
	logger *zap.Logger
}

// NewPublisher wires a Publisher.
func NewPublisher(jobs JobWriter, ids IDGenerator, clk clock.Clock, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{jobs: jobs, ids: ids, clock: clk, logger: logger.Named("publisher")}
}

// Build returns a pending, immediately runnable job for event.
func (p *Publisher) Build(event store.NewsEvent, jobType string) (store.AnalysisJob, error) {
	if jobType == "" {
		jobType = DefaultJobType
	}
	id, err := p.ids.NewID()
	if err != nil {
		return store.AnalysisJob{}, fmt.Errorf("job id: %w", err)
	}
	now := p.clock.Now()
	return store.AnalysisJob{
		ID:          id,
		NewsEventID: event.ID,
		TraceID:     event.TraceID,
		JobType:     jobType,
		Status:      store.JobPending,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Publish inserts the job for (event, jobType) unless it already exists.
// created is false when an existing job was returned.
func (p *Publisher) Publish(ctx context.Context, event store.NewsEvent, jobType string) (store.AnalysisJob, bool, error) {
	job, err := p.Build(event, jobType)
	if err != nil {
		return store.AnalysisJob{}, false, err
	}
	stored, created, err := p.jobs.PublishJob(ctx, job)
	if err != nil {
		return store.AnalysisJob{}, false, fmt.Errorf("publish job: %w", err)
	}
	if created {
		p.logger.Info("job published",
			zap.String("job_id", stored.ID),
			zap.String("news_event_id", stored.NewsEventID),
			zap.String("job_type", stored.JobType),
			zap.String("trace_id", stored.TraceID),
		)
	}
	return stored, created, nil
}
