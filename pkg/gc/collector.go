// Package gc drains the pending deletion queue: blobs whose metadata
// was removed in a committed transaction but whose bytes still sit in
// the content store.
//
// File removal is metadata-first. The removing transaction enqueues
// the node id durably, and this collector releases the blob afterward
// and resolves the queue entry only once the release succeeded. A
// crash at any point leaves the id queued, so no blob is ever leaked;
// at worst one is deleted twice, which content stores accept.
package gc

import (
	"context"
	"time"

	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/pkg/metrics"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Config contains the collector settings.
type Config struct {
	// Enabled controls whether the background worker runs. RunNow
	// works regardless.
	Enabled bool

	// Interval between sweeps. Zero means 1 minute.
	Interval time.Duration

	// BatchSize is how many queued deletions one sweep takes at a
	// time. Zero means 256.
	BatchSize int
}

// Stats summarizes one collection run.
type Stats struct {
	Scanned  int
	Released int
	Failed   int
}

// Collector owns the background sweep goroutine.
//
// Thread safety: Start and Stop are safe to call once each from the
// orchestrating goroutine; RunNow may be called concurrently with the
// worker (sweeps race benignly, deletions are idempotent).
type Collector struct {
	meta    metadata.Store
	blobs   content.Store
	config  Config
	metrics metrics.GCMetrics
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCollector creates a collector over the shared stores, applying
// config defaults.
func NewCollector(meta metadata.Store, blobs content.Store, config Config) *Collector {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 256
	}

	return &Collector{
		meta:    meta,
		blobs:   blobs,
		config:  config,
		metrics: metrics.NewGCMetrics(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the background worker. No-op when disabled.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("blob collector disabled")
		close(c.doneCh)
		return
	}

	logger.Info("starting blob collector: interval=%s batch_size=%d",
		c.config.Interval, c.config.BatchSize)
	go c.worker()
}

// Stop signals the worker and waits for the in-progress sweep to
// finish. Safe to call when the collector is disabled.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	// One sweep right away: the queue may hold work from before the
	// last shutdown.
	c.sweep(context.Background())

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(context.Background())
		}
	}
}

// RunNow drains the queue completely, batch by batch, and reports
// what happened. Blocks until the queue is empty, a batch makes no
// progress, or ctx is cancelled.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	total := &Stats{}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		stats, err := c.sweepOnce(ctx)
		if err != nil {
			return total, err
		}

		total.Scanned += stats.Scanned
		total.Released += stats.Released
		total.Failed += stats.Failed

		// Stop when the queue is drained or nothing in the batch
		// could be released (retrying immediately would spin).
		if stats.Scanned < c.config.BatchSize || stats.Released == 0 {
			return total, nil
		}
	}
}

// sweep is the worker's per-tick pass: one batch, errors logged, not
// returned.
func (c *Collector) sweep(ctx context.Context) {
	stats, err := c.sweepOnce(ctx)
	if err != nil {
		logger.Warn("blob collector sweep failed: %v", err)
		return
	}
	if stats.Scanned > 0 {
		logger.Debug("blob collector: released %d/%d queued blobs (%d failed)",
			stats.Released, stats.Scanned, stats.Failed)
	}
}

// sweepOnce takes one batch from the queue and tries to release each
// blob. An id is resolved only after its deletion succeeded; failures
// stay queued for the next sweep.
func (c *Collector) sweepOnce(ctx context.Context) (Stats, error) {
	ids, err := c.meta.TakePendingDeletions(ctx, c.config.BatchSize)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Scanned: len(ids)}
	c.metrics.SetQueueDepth(len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := c.blobs.Delete(ctx, id); err != nil {
			logger.Warn("blob collector: releasing blob %d: %v", id, err)
			c.metrics.RecordFailure()
			stats.Failed++
			continue
		}

		if err := c.meta.ResolvePendingDeletion(ctx, id); err != nil {
			// The blob is gone but the queue entry stands; the next
			// sweep re-deletes a missing blob, which is a no-op.
			logger.Warn("blob collector: resolving deletion %d: %v", id, err)
			c.metrics.RecordFailure()
			stats.Failed++
			continue
		}

		stats.Released++
	}

	c.metrics.RecordSweep(stats.Released)
	return stats, nil
}
