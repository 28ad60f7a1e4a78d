// Package worker implements the analysis pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opsintel/intelhub/internal/intel"
	"github.com/opsintel/intelhub/internal/metrics"
	"github.com/opsintel/intelhub/internal/policy"
)

// Config controls Worker behavior.
type Config struct {
	// MaxRetries bounds how many times a retryable failure is retried
	// beyond the first attempt.
	MaxRetries      int
	AnalysisTimeout time.Duration
	ArchiveTopic    string
}

// Worker consumes queue items and drives them to a terminal state.
type Worker struct {
	queue      intel.Queue
	itemStore  intel.ItemStore
	archive    intel.ArchiveStore
	analyzer   intel.Analyzer
	acceptance *policy.Acceptance
	backoff    intel.ExponentialBackoff
	publisher  intel.Publisher
	clock      intel.Clock
	stats      *intel.Stats
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. publisher may be nil to skip event publishing.
func New(
	queue intel.Queue,
	itemStore intel.ItemStore,
	archive intel.ArchiveStore,
	analyzer intel.Analyzer,
	acceptance *policy.Acceptance,
	backoff intel.ExponentialBackoff,
	publisher intel.Publisher,
	clock intel.Clock,
	stats *intel.Stats,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = &intel.Stats{}
	}
	metrics.Init()
	return &Worker{
		queue:      queue,
		itemStore:  itemStore,
		archive:    archive,
		analyzer:   analyzer,
		acceptance: acceptance,
		backoff:    backoff,
		publisher:  publisher,
		clock:      clock,
		stats:      stats,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, qi intel.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	// The claim is conditional on the item still being queued, so a stale
	// or duplicate queue entry loses the race and is dropped here.
	item, err := w.itemStore.MarkAnalyzing(ctx, qi.ItemID)
	if err != nil {
		if errors.Is(err, intel.ErrNotFound) {
			w.logger.Debug("item no longer queued", zap.String("item_id", qi.ItemID))
			return
		}
		w.logger.Error("claim item failed", zap.String("item_id", qi.ItemID), zap.Error(err))
		return
	}
	attempt := item.Attempts

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.AnalysisTimeout)
	defer cancel()

	start := w.clock.Now()
	verdict, err := w.analyzer.Analyze(callCtx, item)
	elapsed := w.clock.Now().Sub(start)
	w.stats.Analyses.Add(1)

	switch {
	case err == nil:
		metrics.ObserveAnalysis("ok", elapsed)
		w.settle(ctx, item, verdict)
	case intel.IsRetryable(err):
		w.stats.AnalysisErrors.Add(1)
		metrics.ObserveAnalysis("retryable", elapsed)
		w.park(ctx, item, attempt, err)
	case intel.IsMalformed(err):
		w.stats.AnalysisErrors.Add(1)
		w.stats.Discarded.Add(1)
		metrics.ObserveAnalysis("malformed", elapsed)
		metrics.ObserveItemTerminal(string(intel.StatusDiscarded))
		w.logger.Warn("discarding item after unrepairable model output",
			zap.String("item_id", item.ID),
			zap.Error(err))
		w.updateStatus(ctx, item.ID, intel.StatusDiscarded, attempt, nil, err.Error())
	case ctx.Err() != nil:
		// Shutdown mid-call. The item stays analyzing and is re-queued
		// by the startup resume pass.
		w.logger.Info("analysis interrupted by shutdown", zap.String("item_id", item.ID))
	default:
		w.stats.AnalysisErrors.Add(1)
		metrics.ObserveAnalysis("retryable", elapsed)
		w.park(ctx, item, attempt, err)
	}
}

// park either schedules a retry with backoff or fails the item once the
// retry budget is spent.
func (w *Worker) park(ctx context.Context, item intel.RawItem, attempt int, cause error) {
	if attempt > w.cfg.MaxRetries {
		w.stats.Failed.Add(1)
		metrics.ObserveItemTerminal(string(intel.StatusFailed))
		w.logger.Error("item failed permanently",
			zap.String("item_id", item.ID),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		w.updateStatus(ctx, item.ID, intel.StatusFailed, attempt, nil, cause.Error())
		return
	}
	eligible := w.clock.Now().Add(w.backoff.Delay(attempt))
	w.stats.Retries.Add(1)
	w.logger.Warn("scheduling retry",
		zap.String("item_id", item.ID),
		zap.Int("attempt", attempt),
		zap.Time("next_eligible", eligible),
		zap.Error(cause))
	w.updateStatus(ctx, item.ID, intel.StatusRetryPending, attempt, &eligible, cause.Error())
}

// settle applies the acceptance policy to a validated verdict.
func (w *Worker) settle(ctx context.Context, item intel.RawItem, verdict intel.Verdict) {
	decision := w.acceptance.Evaluate(verdict.Ratings)
	if !decision.Accept {
		w.stats.Discarded.Add(1)
		metrics.ObserveItemTerminal(string(intel.StatusDiscarded))
		w.logger.Info("discarding item below archive threshold",
			zap.String("item_id", item.ID),
			zap.Float64("max_score", decision.MaxScore),
			zap.Float64("threshold", w.acceptance.Threshold()))
		w.updateStatus(ctx, item.ID, intel.StatusDiscarded, item.Attempts, nil, "")
		return
	}

	record := intel.ArchivedIntelligence{
		ItemID:          item.ID,
		Fingerprint:     item.Fingerprint,
		SourceURL:       item.SourceURL,
		Title:           item.Title,
		Body:            item.Body,
		Informant:       item.Informant,
		PublishedAt:     item.PublishedAt,
		CollectedAt:     item.CollectedAt,
		EventTitle:      verdict.EventTitle,
		EventBrief:      verdict.EventBrief,
		Ratings:         verdict.Ratings,
		Entities:        verdict.Entities,
		RawModelText:    verdict.RawModelText,
		ServiceIdentity: verdict.ServiceIdentity,
		MaxRateClass:    decision.MaxClass,
		MaxRateScore:    decision.MaxScore,
		ArchivedAt:      w.clock.Now(),
	}
	stored, err := w.archive.Commit(ctx, record)
	if err != nil {
		w.logger.Error("archive commit failed", zap.String("item_id", item.ID), zap.Error(err))
		w.park(ctx, item, item.Attempts, err)
		return
	}

	w.stats.Archived.Add(1)
	metrics.ObserveItemTerminal(string(intel.StatusArchived))
	w.logger.Info("item archived",
		zap.String("item_id", item.ID),
		zap.String("event_title", stored.EventTitle),
		zap.String("max_class", stored.MaxRateClass),
		zap.Float64("max_score", stored.MaxRateScore))
	w.updateStatus(ctx, item.ID, intel.StatusArchived, item.Attempts, nil, "")
	w.publishArchived(ctx, stored)
}

func (w *Worker) publishArchived(ctx context.Context, record intel.ArchivedIntelligence) {
	if w.publisher == nil || w.cfg.ArchiveTopic == "" {
		return
	}
	payload := map[string]any{
		"item_id":     record.ItemID,
		"fingerprint": record.Fingerprint,
		"event_title": record.EventTitle,
		"max_class":   record.MaxRateClass,
		"max_score":   record.MaxRateScore,
		"archived_at": record.ArchivedAt.Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.ArchiveTopic, payload); err != nil {
		w.logger.Warn("publish archive event failed",
			zap.String("item_id", record.ItemID),
			zap.Error(err))
	}
}

func (w *Worker) updateStatus(ctx context.Context, itemID string, status intel.ItemStatus, attempts int, eligible *time.Time, lastError string) {
	if err := w.itemStore.UpdateStatus(ctx, itemID, status, attempts, eligible, lastError); err != nil {
		w.logger.Error("status update failed",
			zap.String("item_id", itemID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
