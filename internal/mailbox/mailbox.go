// Package mailbox implements the per-device FIFO handshake queue: MLS
// welcome/commit/key-package messages pass through it on their way
// between devices that do not yet share a document (spec.md §4.5).
package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/store"
)

// maxCreatedAtSec bounds created_at_sec per spec.md §4.5: values must
// fit in an int62-ish range to leave headroom for a nanosecond field
// without overflowing downstream signed arithmetic.
const maxCreatedAtSec = int64(1) << 62

// Message is a single handshake envelope as it crosses the mailbox.
type Message struct {
	ID            string
	Body          []byte
	CreatedAtSec  int64
	CreatedAtNano int64
}

// ValidateCreatedAt enforces spec.md §4.5's InvalidCreatedAt bounds:
// created_at_sec in [0, 2^62) and created_at_nano in [0, 10^9).
func ValidateCreatedAt(sec, nano int64) error {
	if sec < 0 || sec >= maxCreatedAtSec {
		return fmt.Errorf("%w: created_at_sec=%d out of range", apperr.ErrInvalidCreatedAt, sec)
	}
	if nano < 0 || nano >= 1_000_000_000 {
		return fmt.Errorf("%w: created_at_nano=%d out of range", apperr.ErrInvalidCreatedAt, nano)
	}
	return nil
}

// DB is the subset of *store.DB the mailbox needs, isolated behind an
// interface so scheduler tests can fake it.
type DB interface {
	EnqueuePushMailbox(ctx context.Context, id string, message []byte, queuedAt time.Time) error
	PushMailboxBatch(ctx context.Context, limit int) ([]store.MailboxMessage, error)
	DequeuePushMailbox(ctx context.Context, id string) error
	EnqueueAckMailbox(ctx context.Context, messageID string, processingErr error) error
	AckMailboxBatch(ctx context.Context, limit int) ([]string, error)
	DequeueAckMailbox(ctx context.Context, messageID string) error
}

// Pusher delivers a batch of queued messages to the relay's mailbox
// endpoint and reports which ids the relay accepted.
type Pusher interface {
	Push(ctx context.Context, deviceID string, messages []Message) (acceptedIDs []string, err error)
}

// Fetcher pulls a device's pending mailbox and acks the relay once
// messages are durably processed locally.
type Fetcher interface {
	Fetch(ctx context.Context, deviceID string) ([]Message, error)
	Ack(ctx context.Context, deviceID string, messageIDs []string) error
}

// Queue wraps the local queue tables with the mailbox's idempotency
// and validation rules.
type Queue struct {
	db DB
}

// New returns a Queue backed by db.
func New(db DB) *Queue {
	return &Queue{db: db}
}

// Enqueue validates and queues a handshake message for push. Queueing
// the same message id twice is a no-op (idempotent push, spec.md §4.5).
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	if err := ValidateCreatedAt(msg.CreatedAtSec, msg.CreatedAtNano); err != nil {
		return err
	}
	return q.db.EnqueuePushMailbox(ctx, msg.ID, msg.Body, time.Now())
}

// DrainPush pushes every queued outbound message via pusher, dequeuing
// each one the relay acknowledges.
func (q *Queue) DrainPush(ctx context.Context, deviceID string, pusher Pusher, limit int) (int, error) {
	batch, err := q.db.PushMailboxBatch(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("mailbox: push batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	messages := make([]Message, len(batch))
	for i, m := range batch {
		messages[i] = Message{ID: m.ID, Body: m.Message}
	}

	accepted, err := pusher.Push(ctx, deviceID, messages)
	if err != nil {
		return 0, fmt.Errorf("mailbox: push: %w", err)
	}
	for _, id := range accepted {
		if err := q.db.DequeuePushMailbox(ctx, id); err != nil {
			return 0, fmt.Errorf("mailbox: dequeue push %s: %w", id, err)
		}
	}
	return len(accepted), nil
}

// Process fetches pending inbound messages, hands each to handle, and
// queues an ack for every one handle returns from (success or error —
// a handshake message that fails to process is still consumed, since
// redelivery would only repeat the same failure).
func (q *Queue) Process(ctx context.Context, deviceID string, fetcher Fetcher, handle func(Message) error) (int, error) {
	messages, err := fetcher.Fetch(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("mailbox: fetch: %w", err)
	}

	var acked []string
	for _, m := range messages {
		handleErr := handle(m)
		if err := q.db.EnqueueAckMailbox(ctx, m.ID, handleErr); err != nil {
			return 0, fmt.Errorf("mailbox: enqueue ack %s: %w", m.ID, err)
		}
		acked = append(acked, m.ID)
	}

	if len(acked) > 0 {
		if err := fetcher.Ack(ctx, deviceID, acked); err != nil {
			return 0, fmt.Errorf("mailbox: ack: %w", err)
		}
		for _, id := range acked {
			if err := q.db.DequeueAckMailbox(ctx, id); err != nil {
				return 0, fmt.Errorf("mailbox: dequeue ack %s: %w", id, err)
			}
		}
	}

	return len(messages), nil
}
