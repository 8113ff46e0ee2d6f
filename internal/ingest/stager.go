// Package ingest stages fetched news payloads and promotes them into
// deduplicated news events with their analysis jobs.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/alexduan-mel/SentinelStream/internal/clock"
	"github.com/alexduan-mel/SentinelStream/internal/identity"
	"github.com/alexduan-mel/SentinelStream/internal/logging"
	"github.com/alexduan-mel/SentinelStream/internal/metrics"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// ErrMissingSource is returned when a payload is staged without a source.
var ErrMissingSource = errors.New("source is required")

// IDGenerator produces UUID strings.
type IDGenerator interface {
	NewID() (string, error)
}

// Stager records fetched payloads exactly once per (source, dedup key).
type Stager struct {
	raw    store.RawStore
	ids    IDGenerator
	clock  clock.Clock
	logger *zap.Logger
}

// NewStager wires a Stager.
func NewStager(raw store.RawStore, ids IDGenerator, clk clock.Clock, logger *zap.Logger) *Stager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{raw: raw, ids: ids, clock: clk, logger: logger.Named("stager")}
}

// Stage stores payload as a raw item. When an item with the same dedup key
// already exists it is returned unchanged with created=false. An empty
// traceID gets a fresh one.
func (s *Stager) Stage(ctx context.Context, source, traceID string, payload json.RawMessage) (store.RawItem, bool, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return store.RawItem{}, false, ErrMissingSource
	}
	a, err := parseArticle(payload)
	if err != nil {
		return store.RawItem{}, false, err
	}
	if traceID == "" {
		if traceID, err = s.ids.NewID(); err != nil {
			return store.RawItem{}, false, fmt.Errorf("trace id: %w", err)
		}
	}
	id, err := s.ids.NewID()
	if err != nil {
		return store.RawItem{}, false, fmt.Errorf("raw id: %w", err)
	}

	item := store.RawItem{
		ID:          id,
		Source:      source,
		TraceID:     traceID,
		FetchedAt:   s.clock.Now(),
		PublishedAt: a.PublishedAt,
		DedupKey:    identity.DedupKey(source, a.URL, a.Title, a.PublishedAt),
		Status:      store.RawFetched,
		Payload:     append(json.RawMessage(nil), payload...),
	}
	if a.URL != "" {
		u := a.URL
		item.URL = &u
	}
	if a.Title != "" {
		title := a.Title
		item.Title = &title
	}

	stored, created, err := s.raw.InsertRaw(ctx, item)
	if err != nil {
		return store.RawItem{}, false, fmt.Errorf("stage raw item: %w", err)
	}
	metrics.ObserveStaged(source, created)
	if !created {
		logging.WithTrace(s.logger, traceID).Debug("raw item already staged",
			zap.String("raw_id", stored.ID),
			zap.String("dedup_key", stored.DedupKey),
		)
	}
	return stored, created, nil
}

// BatchReport summarizes one StageBatch call.
type BatchReport struct {
	TraceID    string
	Fetched    int
	Inserted   int
	Duplicates int
	Rejected   int
	Items      []store.RawItem
}

// StageBatch stages every payload of one fetch run under a shared trace id.
// Payloads that are not JSON objects are counted as rejected; store errors
// abort the batch.
func (s *Stager) StageBatch(ctx context.Context, source string, payloads []json.RawMessage) (BatchReport, error) {
	traceID, err := s.ids.NewID()
	if err != nil {
		return BatchReport{}, fmt.Errorf("trace id: %w", err)
	}
	log := logging.WithTrace(s.logger, traceID)
	report := BatchReport{TraceID: traceID, Fetched: len(payloads)}
	for i, payload := range payloads {
		item, created, err := s.Stage(ctx, source, traceID, payload)
		switch {
		case errors.Is(err, ErrInvalidPayload):
			report.Rejected++
			log.Warn("payload rejected",
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		case err != nil:
			return report, err
		case created:
			report.Inserted++
		default:
			report.Duplicates++
		}
		report.Items = append(report.Items, item)
	}
	log.Info("fetch run staged",
		zap.String("source", source),
		zap.Int("fetched", report.Fetched),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("rejected", report.Rejected),
	)
	return report, nil
}
