// Package dispatcher manages worker fan-out, startup resume, and the retry
// sweeper over the analysis queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/opsintel/intelhub/internal/intel"
	"github.com/opsintel/intelhub/internal/metrics"
	"github.com/opsintel/intelhub/internal/worker"
)

// Config controls Dispatcher behavior.
type Config struct {
	SweepInterval time.Duration
	ResumeLimit   int
}

// DepthReporter exposes the queue's current depth for gauges.
type DepthReporter interface {
	Depth() int
}

// KeyHealthReporter exposes the key pool's healthy count for gauges.
type KeyHealthReporter interface {
	HealthyCount() int
}

// Dispatcher fans out queue work to a pool of workers and keeps the queue
// fed from durable state: in-flight items at startup, retry-due items on a
// recurring sweep.
type Dispatcher struct {
	queue   intel.Queue
	items   intel.ItemStore
	workers []*worker.Worker
	clock   intel.Clock
	cfg     Config
	logger  *zap.Logger

	depth DepthReporter
	keys  KeyHealthReporter
}

// New creates a Dispatcher. depth and keys may be nil to skip their gauges.
func New(
	queue intel.Queue,
	items intel.ItemStore,
	workers []*worker.Worker,
	clock intel.Clock,
	depth DepthReporter,
	keys KeyHealthReporter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.ResumeLimit <= 0 {
		cfg.ResumeLimit = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Dispatcher{
		queue:   queue,
		items:   items,
		workers: workers,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		depth:   depth,
		keys:    keys,
	}
}

// Run resumes durable state, starts the sweeper and all workers, and blocks
// until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	if err := d.Resume(ctx); err != nil {
		d.logger.Error("startup resume failed", zap.Error(err))
	}

	// Sweeps must not overlap: a slow sweep plus an on-time successor
	// would race over the same retry-due rows.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", d.cfg.SweepInterval)
	if _, err := c.AddFunc(spec, func() { d.sweep(ctx) }); err != nil {
		d.logger.Error("schedule retry sweep failed", zap.Error(err))
	}
	c.Start()

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item intel.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Resume re-queues items that were in flight when the service stopped.
// Items found analyzing were abandoned mid-call and get another attempt.
func (d *Dispatcher) Resume(ctx context.Context) error {
	items, err := d.items.ListResumable(ctx, d.cfg.ResumeLimit)
	if err != nil {
		return fmt.Errorf("list resumable items: %w", err)
	}
	requeued := 0
	for _, item := range items {
		if err := d.requeue(ctx, item); err != nil {
			if errors.Is(err, intel.ErrNotFound) {
				continue
			}
			d.logger.Error("resume item failed", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		d.logger.Info("resumed in-flight items", zap.Int("count", requeued))
	}
	return nil
}

// sweep moves retry-due items back onto the queue and refreshes gauges.
func (d *Dispatcher) sweep(ctx context.Context) {
	now := d.clock.Now()
	due, err := d.items.ListRetryDue(ctx, now, d.cfg.ResumeLimit)
	if err != nil {
		d.logger.Error("list retry-due items failed", zap.Error(err))
		return
	}
	for _, item := range due {
		if err := d.requeue(ctx, item); err != nil {
			if errors.Is(err, intel.ErrNotFound) {
				continue
			}
			d.logger.Error("requeue retry item failed", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		d.logger.Debug("retry item requeued",
			zap.String("item_id", item.ID),
			zap.Int("attempts", item.Attempts))
	}

	if d.depth != nil {
		metrics.SetQueueDepth(d.depth.Depth())
	}
	if d.keys != nil {
		metrics.SetHealthyKeys(d.keys.HealthyCount())
	}
}

// requeue moves the item back to queued only if it still holds the status
// from the snapshot; an item a worker already claimed is left alone.
func (d *Dispatcher) requeue(ctx context.Context, item intel.RawItem) error {
	if err := d.items.MarkQueued(ctx, item.ID, item.Status); err != nil {
		if errors.Is(err, intel.ErrNotFound) {
			return intel.ErrNotFound
		}
		return fmt.Errorf("mark queued: %w", err)
	}
	if err := d.queue.Enqueue(ctx, intel.QueueItem{
		ItemID:      item.ID,
		Fingerprint: item.Fingerprint,
		Attempt:     item.Attempts,
		Submitted:   d.clock.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
