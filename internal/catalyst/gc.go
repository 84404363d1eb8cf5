package catalyst

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultGCGrace    = 10 * time.Minute
	gcDeleteBatchSize = 100
)

// GCResult summarises one sweep.
type GCResult struct {
	Scanned  int
	Deleted  int
	Failed   int
	Duration time.Duration
}

// GarbageCollector removes content that no deployment or snapshot needs.
type GarbageCollector struct {
	db      Database
	store   ContentStore
	pins    *Pins
	grace   time.Duration
	clock   Clock
	metrics *Metrics
	logger  Logger
}

func NewGarbageCollector(db Database, store ContentStore, pins *Pins, grace time.Duration, clock Clock, metrics *Metrics, logger Logger) *GarbageCollector {
	if grace <= 0 {
		grace = DefaultGCGrace
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &GarbageCollector{db: db, store: store, pins: pins, grace: grace, clock: clock, metrics: metrics, logger: logger}
}

// Sweep deletes unreferenced content. Individual deletion failures are
// logged and counted; only failures to compute the referenced set or to list
// the store abort the sweep.
func (g *GarbageCollector) Sweep(ctx context.Context) (*GCResult, error) {
	start := g.clock.Now()
	cutoff := start.Add(-g.grace).UnixMilli()

	// Deployments committed after the referenced set is read keep their
	// hashes pinned until the sweep ends.
	endSweep := g.pins.BeginSweep()
	defer endSweep()

	referenced, err := g.db.ReferencedHashes(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("computing referenced hashes: %w", err)
	}

	result := &GCResult{}
	batch := make([]string, 0, gcDeleteBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		failed := g.deleteBatch(ctx, batch)
		result.Deleted += len(batch) - failed
		result.Failed += failed
		batch = batch[:0]
	}

	for hash, err := range g.store.List(ctx) {
		if err != nil {
			return nil, fmt.Errorf("listing content: %w", err)
		}
		result.Scanned++
		if _, ok := referenced[hash]; ok {
			continue
		}
		if g.pins.Pinned(hash) {
			continue
		}
		batch = append(batch, hash)
		if len(batch) == gcDeleteBatchSize {
			flush()
			if err := ctx.Err(); err != nil {
				return result, err
			}
		}
	}
	flush()

	result.Duration = g.clock.Now().Sub(start)
	g.metrics.GCDeleted.Add(float64(result.Deleted))
	g.metrics.GCFailed.Add(float64(result.Failed))
	g.metrics.GCDuration.Observe(result.Duration.Seconds())
	g.logger.Info("garbage collection finished",
		"scanned", result.Scanned,
		"deleted", result.Deleted,
		"failed", result.Failed,
		"duration", result.Duration)
	return result, nil
}

// deleteBatch returns how many hashes could not be deleted.
func (g *GarbageCollector) deleteBatch(ctx context.Context, hashes []string) int {
	err := g.store.Delete(ctx, hashes)
	if err == nil {
		return 0
	}

	failed := 0
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			var se *StorageError
			if errors.As(e, &se) {
				g.logger.Warn("could not delete content", "hash", se.Hash, "error", se.Err)
			} else {
				g.logger.Warn("could not delete content", "error", e)
			}
			failed++
		}
		return failed
	}
	g.logger.Warn("could not delete content batch", "count", len(hashes), "error", err)
	return len(hashes)
}
