package relay

import (
	"context"
	"time"
)

// GC runs the two-phase (mark then sweep) blob garbage collector:
// mark flags uploaded blobs with no surviving doc_blobs binding, and
// a later sweep pass (once markSweepDelay has elapsed, giving any
// in-flight downloads time to finish) deletes both the object and its
// row. Never the other order — never delete an object a download
// might still be reading (spec.md §5 shared-resource policy).
type GC struct {
	store         *Store
	objects       *ObjectStore
	markSweepDelay time.Duration
}

// NewGC returns a GC operating on store/objects.
func NewGC(store *Store, objects *ObjectStore, markSweepDelay time.Duration) *GC {
	if markSweepDelay <= 0 {
		markSweepDelay = time.Hour
	}
	return &GC{store: store, objects: objects, markSweepDelay: markSweepDelay}
}

// MarkResult reports the outcome of one mark+sweep pass.
type MarkResult struct {
	Marked  int
	Removed int
}

// Run executes one mark-then-sweep pass.
func (g *GC) Run(ctx context.Context, now time.Time) (MarkResult, error) {
	marked, err := g.store.markUnusedBlobs(ctx, now)
	if err != nil {
		return MarkResult{}, err
	}

	swept, err := g.store.sweepMarkedBlobs(ctx, now.Add(-g.markSweepDelay))
	if err != nil {
		return MarkResult{Marked: len(marked)}, err
	}
	for _, b := range swept {
		if err := g.objects.Delete(ctx, b.Path); err != nil {
			return MarkResult{Marked: len(marked), Removed: len(swept)}, err
		}
	}

	return MarkResult{Marked: len(marked), Removed: len(swept)}, nil
}

// RunLoop runs Run on a fixed period until ctx is cancelled, applying
// the standard initial-delay / period / on-error-delay schedule
// (spec.md §6 Blob GC: "15-min period, 30s initial delay, 2s error delay").
func (g *GC) RunLoop(ctx context.Context, period, initialDelay, errorDelay time.Duration) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := g.Run(ctx, time.Now()); err != nil {
			timer.Reset(errorDelay)
			continue
		}
		timer.Reset(period)
	}
}
