// Package memory provides an in-process store for development and tests. A
// single mutex stands in for the database's row locks, so every operation is
// atomic with respect to every other.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store with maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	tickers map[string]store.Ticker

	raw      map[string]store.RawItem
	rawByKey map[string]string

	events         map[string]store.NewsEvent
	eventsByNewsID map[string]string

	jobs      map[string]store.AnalysisJob
	jobsByKey map[string]string

	// results and links are keyed by news event id and analysis id.
	results map[string]store.AnalysisResult
	links   map[string][]store.EntityLink
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tickers:        make(map[string]store.Ticker),
		raw:            make(map[string]store.RawItem),
		rawByKey:       make(map[string]string),
		events:         make(map[string]store.NewsEvent),
		eventsByNewsID: make(map[string]string),
		jobs:           make(map[string]store.AnalysisJob),
		jobsByKey:      make(map[string]string),
		results:        make(map[string]store.AnalysisResult),
		links:          make(map[string][]store.EntityLink),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// UpsertTickers inserts or renames tickers.
func (s *Store) UpsertTickers(_ context.Context, tickers []store.Ticker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		s.tickers[t.Symbol] = t
	}
	return nil
}

// ListTickers returns the ticker universe ordered by symbol.
func (s *Store) ListTickers(context.Context) ([]store.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTickers(), nil
}

func (s *Store) sortedTickers() []store.Ticker {
	out := make([]store.Ticker, 0, len(s.tickers))
	for _, t := range s.tickers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// InsertRaw inserts item unless (source, dedup_key) is taken.
func (s *Store) InsertRaw(_ context.Context, item store.RawItem) (store.RawItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.Source + "|" + item.DedupKey
	if id, ok := s.rawByKey[key]; ok {
		return cloneRaw(s.raw[id]), false, nil
	}
	if item.Status == "" {
		item.Status = store.RawFetched
	}
	item = cloneRaw(item)
	s.raw[item.ID] = item
	s.rawByKey[key] = item.ID
	return cloneRaw(item), true, nil
}

// GetRaw loads one raw item.
func (s *Store) GetRaw(_ context.Context, rawID string) (store.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.raw[rawID]
	if !ok {
		return store.RawItem{}, store.ErrNotFound
	}
	return cloneRaw(item), nil
}

// ListStagedRaw returns fetched items, oldest first.
func (s *Store) ListStagedRaw(_ context.Context, limit int) ([]store.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.RawItem
	for _, item := range s.raw {
		if item.Status == store.RawFetched {
			out = append(out, cloneRaw(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].FetchedAt.Before(out[j].FetchedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordRawFailure bumps attempts and possibly fails the item.
func (s *Store) RecordRawFailure(
	_ context.Context,
	rawID string,
	errText string,
	terminal bool,
	maxAttempts int,
) (store.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.raw[rawID]
	if !ok {
		return store.RawItem{}, store.ErrNotFound
	}
	if item.Status != store.RawFetched {
		return cloneRaw(item), nil
	}
	item.Attempts++
	item.LastError = &errText
	if terminal || item.Attempts >= maxAttempts {
		item.Status = store.RawFailed
	}
	s.raw[rawID] = item
	return cloneRaw(item), nil
}

// Promote inserts the event and its jobs and marks the raw item normalized.
func (s *Store) Promote(_ context.Context, p store.Promotion) (store.PromotionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.raw[p.RawID]
	if !ok {
		return store.PromotionResult{}, store.ErrNotFound
	}

	var res store.PromotionResult
	if id, exists := s.eventsByNewsID[p.Event.NewsID]; exists {
		existing := s.events[id]
		if existing.URL != p.Event.URL {
			return store.PromotionResult{}, store.ErrInvariant
		}
		res.Event = cloneEvent(existing)
	} else {
		ev := cloneEvent(p.Event)
		s.events[ev.ID] = ev
		s.eventsByNewsID[ev.NewsID] = ev.ID
		res.Event = cloneEvent(ev)
		res.EventCreated = true
	}

	for _, job := range p.Jobs {
		job.NewsEventID = res.Event.ID
		stored, created := s.publishLocked(job)
		res.Jobs = append(res.Jobs, stored)
		if created {
			res.JobsCreated++
		}
	}

	eventID := res.Event.ID
	raw.Status = store.RawNormalized
	raw.NewsEventID = &eventID
	raw.LastError = nil
	s.raw[raw.ID] = raw
	return res, nil
}

// GetEvent loads one event.
func (s *Store) GetEvent(_ context.Context, eventID string) (store.NewsEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return store.NewsEvent{}, store.ErrNotFound
	}
	return cloneEvent(ev), nil
}

// PublishJob inserts job unless (news_event_id, job_type) exists.
func (s *Store) PublishJob(_ context.Context, job store.AnalysisJob) (store.AnalysisJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[job.NewsEventID]; !ok {
		return store.AnalysisJob{}, false, store.ErrNotFound
	}
	stored, created := s.publishLocked(job)
	return stored, created, nil
}

func (s *Store) publishLocked(job store.AnalysisJob) (store.AnalysisJob, bool) {
	key := job.NewsEventID + "|" + job.JobType
	if id, ok := s.jobsByKey[key]; ok {
		return s.jobs[id], false
	}
	s.jobs[job.ID] = job
	s.jobsByKey[key] = job.ID
	return job, true
}

// ClaimJobs leases up to limit runnable jobs to workerID.
func (s *Store) ClaimJobs(_ context.Context, workerID string, limit int, now time.Time) ([]store.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runnable []store.AnalysisJob
	for _, job := range s.jobs {
		if job.Status == store.JobPending && !job.RunAfter.After(now) {
			runnable = append(runnable, job)
		}
	}
	sort.Slice(runnable, func(i, j int) bool {
		a, b := runnable[i], runnable[j]
		if !a.RunAfter.Equal(b.RunAfter) {
			return a.RunAfter.Before(b.RunAfter)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(runnable) > limit {
		runnable = runnable[:limit]
	}
	for i := range runnable {
		lockedAt := now
		owner := workerID
		runnable[i].Status = store.JobRunning
		runnable[i].LockedAt = &lockedAt
		runnable[i].LockedBy = &owner
		runnable[i].UpdatedAt = now
		s.jobs[runnable[i].ID] = runnable[i]
	}
	return runnable, nil
}

// Finish applies a completion if workerID still holds the lease.
func (s *Store) Finish(_ context.Context, c store.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[c.JobID]
	if !ok || job.Status != store.JobRunning || job.LockedBy == nil || *job.LockedBy != c.WorkerID {
		return store.ErrLeaseLost
	}
	tr := c.Transition
	job.Status = tr.Status
	job.Attempts = tr.Attempts
	job.RunAfter = tr.RunAfter
	job.LastError = tr.LastError
	job.LockedAt = nil
	job.LockedBy = nil
	job.UpdatedAt = tr.At
	s.jobs[job.ID] = job

	if c.Result.ID == "" {
		return nil
	}
	result := s.upsertResultLocked(c.Result, tr.At)
	if result.Status == store.ResultSucceeded {
		s.links[result.ID] = s.linksFor(result)
	} else {
		delete(s.links, result.ID)
	}
	return nil
}

func (s *Store) upsertResultLocked(result store.AnalysisResult, now time.Time) store.AnalysisResult {
	if existing, ok := s.results[result.NewsEventID]; ok {
		result.ID = existing.ID
		result.CreatedAt = existing.CreatedAt
	} else if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now
	result = cloneResult(result)
	s.results[result.NewsEventID] = result
	return result
}

func (s *Store) linksFor(result store.AnalysisResult) []store.EntityLink {
	seen := make(map[string]struct{}, len(result.Entities))
	var out []store.EntityLink
	for _, e := range result.Entities {
		if _, tracked := s.tickers[e.Symbol]; !tracked {
			continue
		}
		if _, dup := seen[e.Symbol]; dup {
			continue
		}
		seen[e.Symbol] = struct{}{}
		out = append(out, store.EntityLink{AnalysisID: result.ID, TickerSymbol: e.Symbol, Confidence: e.Confidence})
	}
	return out
}

// RecoverExpired releases running jobs whose lease started before cutoff.
func (s *Store) RecoverExpired(
	_ context.Context,
	cutoff time.Time,
	maxAttempts int,
	now time.Time,
) (store.RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var report store.RecoveryReport
	msg := "lease expired"
	for id, job := range s.jobs {
		if job.Status != store.JobRunning || job.LockedAt == nil || !job.LockedAt.Before(cutoff) {
			continue
		}
		job.Attempts++
		job.LastError = &msg
		job.LockedAt = nil
		job.LockedBy = nil
		job.UpdatedAt = now
		if job.Attempts >= maxAttempts {
			job.Status = store.JobFailed
			report.Failed++
			if result, ok := s.results[job.NewsEventID]; ok && result.Status == store.ResultPending {
				result.Status = store.ResultFailed
				result.ErrorMessage = &msg
				result.UpdatedAt = now
				s.results[job.NewsEventID] = result
			}
		} else {
			job.Status = store.JobPending
			job.RunAfter = now
			report.Requeued++
		}
		s.jobs[id] = job
	}
	return report, nil
}

// GetJob loads one job.
func (s *Store) GetJob(_ context.Context, jobID string) (store.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.AnalysisJob{}, store.ErrNotFound
	}
	return job, nil
}

// ListJobsForEvent returns the jobs of eventID ordered by job type.
func (s *Store) ListJobsForEvent(_ context.Context, eventID string) ([]store.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AnalysisJob
	for _, job := range s.jobs {
		if job.NewsEventID == eventID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobType < out[j].JobType })
	return out, nil
}

// CountJobs returns job counts per status.
func (s *Store) CountJobs(context.Context) (map[store.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[store.JobStatus]int, len(store.JobStatuses))
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// RequeueJob resets a failed job.
func (s *Store) RequeueJob(_ context.Context, jobID string, now time.Time) (store.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.AnalysisJob{}, store.ErrNotFound
	}
	if job.Status != store.JobFailed {
		return store.AnalysisJob{}, store.ErrInvalidState
	}
	job.Status = store.JobPending
	job.Attempts = 0
	job.RunAfter = now
	job.LastError = nil
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return job, nil
}

// BeginAnalysis renews workerID's lease on jobID and upserts the event's
// result row to pending.
func (s *Store) BeginAnalysis(_ context.Context, jobID, workerID string, result store.AnalysisResult) (store.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := result.UpdatedAt
	job, ok := s.jobs[jobID]
	if !ok || job.Status != store.JobRunning || job.LockedBy == nil || *job.LockedBy != workerID {
		return store.AnalysisResult{}, store.ErrLeaseLost
	}
	lockedAt := now
	job.LockedAt = &lockedAt
	job.UpdatedAt = now
	s.jobs[jobID] = job
	if existing, ok := s.results[result.NewsEventID]; ok {
		existing.Status = store.ResultPending
		existing.ErrorMessage = nil
		existing.Provider = result.Provider
		existing.Model = result.Model
		existing.TraceID = result.TraceID
		existing.UpdatedAt = now
		s.results[result.NewsEventID] = existing
		return cloneResult(existing), nil
	}
	result.Status = store.ResultPending
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result = cloneResult(result)
	s.results[result.NewsEventID] = result
	return cloneResult(result), nil
}

// GetResult loads the result for one event.
func (s *Store) GetResult(_ context.Context, eventID string) (store.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[eventID]
	if !ok {
		return store.AnalysisResult{}, store.ErrNotFound
	}
	return cloneResult(result), nil
}

// ListEntityLinks returns the links of one analysis ordered by symbol.
func (s *Store) ListEntityLinks(_ context.Context, analysisID string) ([]store.EntityLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]store.EntityLink(nil), s.links[analysisID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].TickerSymbol < out[j].TickerSymbol })
	return out, nil
}

// LatestSignal returns the newest qualifying signal for symbol.
func (s *Store) LatestSignal(_ context.Context, symbol string) (store.Signal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.latestLocked(symbol)
	return sig, ok, nil
}

// MonitorSnapshot returns one row per ticker.
func (s *Store) MonitorSnapshot(context.Context) ([]store.MonitorRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tickers := s.sortedTickers()
	rows := make([]store.MonitorRow, 0, len(tickers))
	for _, t := range tickers {
		row := store.MonitorRow{Ticker: t}
		if sig, ok := s.latestLocked(t.Symbol); ok {
			row.Signal = &sig
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ListSignals returns the newest succeeded analyses, one row each, labeled
// with the event's request ticker.
func (s *Store) ListSignals(_ context.Context, limit int) ([]store.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Signal
	for _, result := range s.results {
		if result.Status != store.ResultSucceeded {
			continue
		}
		ev, ok := s.events[result.NewsEventID]
		if !ok {
			continue
		}
		symbol := ""
		if ev.RequestTicker != nil {
			symbol = *ev.RequestTicker
		}
		out = append(out, buildSignal(symbol, ev, result))
	}
	sortSignals(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) latestLocked(symbol string) (store.Signal, bool) {
	var candidates []store.Signal
	for _, result := range s.results {
		if result.Status != store.ResultSucceeded || !s.hasLink(result.ID, symbol) {
			continue
		}
		ev, ok := s.events[result.NewsEventID]
		if !ok || !ev.HasTicker(symbol) {
			continue
		}
		candidates = append(candidates, buildSignal(symbol, ev, result))
	}
	if len(candidates) == 0 {
		return store.Signal{}, false
	}
	sortSignals(candidates)
	return candidates[0], true
}

func (s *Store) hasLink(analysisID, symbol string) bool {
	for _, link := range s.links[analysisID] {
		if link.TickerSymbol == symbol {
			return true
		}
	}
	return false
}

func sortSignals(sigs []store.Signal) {
	sort.Slice(sigs, func(i, j int) bool {
		if !sigs[i].PublishedAt.Equal(sigs[j].PublishedAt) {
			return sigs[i].PublishedAt.After(sigs[j].PublishedAt)
		}
		if sigs[i].NewsEventID != sigs[j].NewsEventID {
			return sigs[i].NewsEventID > sigs[j].NewsEventID
		}
		return sigs[i].Symbol < sigs[j].Symbol
	})
}

func buildSignal(symbol string, ev store.NewsEvent, result store.AnalysisResult) store.Signal {
	sig := store.Signal{
		Symbol:      symbol,
		NewsEventID: ev.ID,
		AnalysisID:  result.ID,
		TraceID:     ev.TraceID,
		Title:       ev.Title,
		URL:         ev.URL,
		Source:      ev.Source,
		PublishedAt: ev.PublishedAt,
		Rationale:   result.Rationale,
		AnalyzedAt:  result.UpdatedAt,
	}
	if result.Sentiment != nil {
		sig.Sentiment = *result.Sentiment
	}
	if result.Confidence != nil {
		sig.Confidence = *result.Confidence
	}
	if result.ImpactScore != nil {
		sig.ImpactScore = *result.ImpactScore
	}
	if result.Summary != nil {
		sig.Summary = *result.Summary
	}
	return sig
}

func cloneRaw(item store.RawItem) store.RawItem {
	item.Payload = append([]byte(nil), item.Payload...)
	return item
}

func cloneEvent(ev store.NewsEvent) store.NewsEvent {
	ev.Tickers = append([]string(nil), ev.Tickers...)
	ev.Payload = append([]byte(nil), ev.Payload...)
	return ev
}

func cloneResult(r store.AnalysisResult) store.AnalysisResult {
	r.Entities = append([]store.Entity(nil), r.Entities...)
	r.RawOutput = append([]byte(nil), r.RawOutput...)
	return r
}
