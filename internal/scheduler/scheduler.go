// Package scheduler runs the device's background task loop: a single
// writer goroutine draining a bounded channel of Sync / EmptyBin /
// ProcessFiles / DownloadFile tasks, one at a time, so no two tasks
// ever touch the local encrypted database concurrently (spec.md §4.9,
// §5: "single-writer cooperative scheduler").
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/inkline-dev/inkline/internal/events"
)

// Kind identifies a queued background task.
type Kind int

const (
	KindSync Kind = iota
	KindEmptyBin
	KindProcessFiles
	KindDownloadFile
)

// Task is one unit of background work. CardID/FileID are only set for
// ProcessFiles/DownloadFile tasks; OneshotAck, when non-nil, is closed
// once this specific task finishes (used by callers that need to wait
// on a single enqueued task rather than the whole loop).
type Task struct {
	Kind       Kind
	CardID     string
	FileID     string
	OneshotAck chan struct{}
}

// Handlers supplies the actual work each task Kind performs. Each
// field may be nil if the device never needs that capability (a
// relay-only process, for instance).
type Handlers struct {
	Sync         func(ctx context.Context) error
	EmptyBin     func(ctx context.Context) error
	ProcessFiles func(ctx context.Context, cardID string) error
	DownloadFile func(ctx context.Context, cardID, fileID string) error
}

// Scheduler serializes Task execution through one goroutine.
type Scheduler struct {
	handlers Handlers
	bus      *events.Bus
	queue    chan Task
	backoff  backoff.BackOff

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns a Scheduler with a bounded task queue. The backoff
// policy governs retries for Sync specifically (spec.md §4.8: sync
// failures retry with exponential backoff, never the other task kinds).
func New(handlers Handlers, bus *events.Bus, queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Scheduler{
		handlers: handlers,
		bus:      bus,
		queue:    make(chan Task, queueSize),
		backoff:  backoff.NewExponentialBackOff(),
	}
}

// Start launches the single-writer loop. Call Stop to shut it down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the loop and waits for the in-flight task to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Enqueue submits a task. It blocks if the queue is full, applying
// natural backpressure to callers rather than silently dropping work.
func (s *Scheduler) Enqueue(ctx context.Context, t Task) error {
	select {
	case s.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.execute(ctx, t)
			if t.OneshotAck != nil {
				close(t.OneshotAck)
			}
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t Task) {
	var err error
	switch t.Kind {
	case KindSync:
		err = s.runSyncWithBackoff(ctx)
	case KindEmptyBin:
		if s.handlers.EmptyBin != nil {
			err = s.handlers.EmptyBin(ctx)
		}
	case KindProcessFiles:
		if s.handlers.ProcessFiles != nil {
			err = s.handlers.ProcessFiles(ctx, t.CardID)
		}
	case KindDownloadFile:
		if s.handlers.DownloadFile != nil {
			err = s.handlers.DownloadFile(ctx, t.CardID, t.FileID)
		}
	}

	if err != nil {
		s.publishFailure(t, err)
		return
	}
	s.publishSuccess(t)
}

// runSyncWithBackoff retries the Sync handler through an exponential
// backoff policy within the single task slot — a failing sync never
// blocks EmptyBin/ProcessFiles/DownloadFile tasks queued behind it
// past this one retry budget, since backoff.NewExponentialBackOff has
// a bounded MaxElapsedTime.
func (s *Scheduler) runSyncWithBackoff(ctx context.Context) error {
	if s.handlers.Sync == nil {
		return nil
	}
	policy := backoff.WithContext(s.backoff, ctx)
	return backoff.Retry(func() error {
		return s.handlers.Sync(ctx)
	}, policy)
}

func (s *Scheduler) publishSuccess(t Task) {
	if s.bus == nil {
		return
	}
	switch t.Kind {
	case KindSync:
		s.bus.Publish(events.Event{Type: events.Synced})
	case KindDownloadFile:
		s.bus.Publish(events.Event{Type: events.DownloadCompleted, Payload: t.FileID, DedupeKey: t.FileID})
	}
}

func (s *Scheduler) publishFailure(t Task, err error) {
	if s.bus == nil {
		return
	}
	switch t.Kind {
	case KindSync:
		s.bus.Publish(events.Event{Type: events.SyncFailed, Payload: err.Error()})
	case KindDownloadFile:
		s.bus.Publish(events.Event{Type: events.DownloadFailed, Payload: fmt.Sprintf("%s: %v", t.FileID, err), DedupeKey: t.FileID})
	}
}

// RetryInterval returns a capped exponential interval: base doubled
// attempt times, capped at max. internal/docstore's Push uses it to
// compute a failed push's retry-after time.
func RetryInterval(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
