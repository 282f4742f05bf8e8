package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MailboxMessage is one handshake message waiting to be pushed to (or
// having been fetched from) the device mailbox (spec.md §4.5).
type MailboxMessage struct {
	ID      string
	Message []byte
}

// EnqueuePushMailbox queues a handshake message for delivery. The
// insert is idempotent on message id, matching the mailbox's own
// idempotent-push contract — re-queueing the same id is a no-op.
func (db *DB) EnqueuePushMailbox(ctx context.Context, id string, message []byte, queuedAt time.Time) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT OR IGNORE INTO push_mailbox_queue (id, message, queued_at) VALUES (?, ?, ?)
	`, id, message, queuedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: enqueue push mailbox %s: %w", id, err)
	}
	return nil
}

// PushMailboxBatch returns up to limit queued messages, oldest first.
func (db *DB) PushMailboxBatch(ctx context.Context, limit int) ([]MailboxMessage, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, message FROM push_mailbox_queue ORDER BY queued_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: push mailbox batch: %w", err)
	}
	defer rows.Close()

	var out []MailboxMessage
	for rows.Next() {
		var m MailboxMessage
		if err := rows.Scan(&m.ID, &m.Message); err != nil {
			return nil, fmt.Errorf("store: scan push mailbox row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DequeuePushMailbox removes a message once the relay has accepted it.
func (db *DB) DequeuePushMailbox(ctx context.Context, id string) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM push_mailbox_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: dequeue push mailbox %s: %w", id, err)
	}
	return nil
}

// EnqueueAckMailbox records a fetched mailbox message id (and any
// processing error) pending an ack-delete round trip to the relay.
func (db *DB) EnqueueAckMailbox(ctx context.Context, messageID string, processingErr error) error {
	errText := ""
	if processingErr != nil {
		errText = processingErr.Error()
	}
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO ack_mailbox_queue (message_id, error) VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET error = excluded.error
	`, messageID, nullableString(errText))
	if err != nil {
		return fmt.Errorf("store: enqueue ack mailbox %s: %w", messageID, err)
	}
	return nil
}

// AckMailboxBatch returns up to limit message ids awaiting ack-delete.
func (db *DB) AckMailboxBatch(ctx context.Context, limit int) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT message_id FROM ack_mailbox_queue LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: ack mailbox batch: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan ack mailbox row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DequeueAckMailbox removes a message id once the ack-delete succeeded.
func (db *DB) DequeueAckMailbox(ctx context.Context, messageID string) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM ack_mailbox_queue WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("store: dequeue ack mailbox %s: %w", messageID, err)
	}
	return nil
}

// QueuedDocPush is a serialized document payload awaiting push to the relay.
type QueuedDocPush struct {
	ID      int64
	Message []byte
}

// EnqueuePushDoc queues a document payload for push.
func (db *DB) EnqueuePushDoc(ctx context.Context, message []byte, queuedAt time.Time) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO push_docs_queue (message, queued_at) VALUES (?, ?)
	`, message, queuedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: enqueue push doc: %w", err)
	}
	return nil
}

// PushDocsBatch returns up to limit queued document payloads, oldest first.
func (db *DB) PushDocsBatch(ctx context.Context, limit int) ([]QueuedDocPush, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, message FROM push_docs_queue ORDER BY queued_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: push docs batch: %w", err)
	}
	defer rows.Close()

	var out []QueuedDocPush
	for rows.Next() {
		var q QueuedDocPush
		if err := rows.Scan(&q.ID, &q.Message); err != nil {
			return nil, fmt.Errorf("store: scan push doc row: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// FailedDocTries returns how many times (doc_id, author_device_id) has
// already failed, 0 if it has no failed_docs row yet — the input to
// an exponential backoff calculation for the next retry_after.
func (db *DB) FailedDocTries(ctx context.Context, docID, authorDeviceID string) (int, error) {
	var tries int
	err := db.sql.QueryRowContext(ctx, `
		SELECT tries FROM failed_docs WHERE doc_id = ? AND author_device_id = ?
	`, docID, authorDeviceID).Scan(&tries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed doc tries %s: %w", docID, err)
	}
	return tries, nil
}

// PendingFailedDocs returns every (doc_id, author_device_id) pair
// currently backing off (retry_after still in the future) — the set
// Push consults to skip a queued payload it has no business retrying
// yet.
func (db *DB) PendingFailedDocs(ctx context.Context, now time.Time) (map[string]bool, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT doc_id, author_device_id FROM failed_docs WHERE retry_after > ?
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: pending failed docs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var docID, authorDeviceID string
		if err := rows.Scan(&docID, &authorDeviceID); err != nil {
			return nil, fmt.Errorf("store: scan pending failed doc row: %w", err)
		}
		out[docID+"/"+authorDeviceID] = true
	}
	return out, rows.Err()
}

// DequeuePushDoc removes a pushed document payload by row id.
func (db *DB) DequeuePushDoc(ctx context.Context, id int64) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM push_docs_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: dequeue push doc %d: %w", id, err)
	}
	return nil
}

// FailedDoc tracks a document push that needs a retry with backoff.
type FailedDoc struct {
	DocID          string
	AuthorDeviceID string
	Tries          int
	RetryAfter     time.Time
}

// UpsertFailedDoc records (or increments) a failed push attempt.
func (db *DB) UpsertFailedDoc(ctx context.Context, docID, authorDeviceID string, retryAfter time.Time) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO failed_docs (doc_id, author_device_id, tries, retry_after) VALUES (?, ?, 1, ?)
		ON CONFLICT(doc_id, author_device_id) DO UPDATE SET
			tries = tries + 1, retry_after = excluded.retry_after
	`, docID, authorDeviceID, retryAfter.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: upsert failed doc %s: %w", docID, err)
	}
	return nil
}

// DueFailedDocs returns every failed push whose retry_after has elapsed.
func (db *DB) DueFailedDocs(ctx context.Context, now time.Time) ([]FailedDoc, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT doc_id, author_device_id, tries, retry_after FROM failed_docs WHERE retry_after <= ?
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: due failed docs: %w", err)
	}
	defer rows.Close()

	var out []FailedDoc
	for rows.Next() {
		var f FailedDoc
		var retryAfter string
		if err := rows.Scan(&f.DocID, &f.AuthorDeviceID, &f.Tries, &retryAfter); err != nil {
			return nil, fmt.Errorf("store: scan failed doc row: %w", err)
		}
		if f.RetryAfter, err = time.Parse(time.RFC3339, retryAfter); err != nil {
			return nil, fmt.Errorf("store: parse retry_after: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFailedDoc clears a failed-push record once it succeeds.
func (db *DB) DeleteFailedDoc(ctx context.Context, docID, authorDeviceID string) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM failed_docs WHERE doc_id = ? AND author_device_id = ?`, docID, authorDeviceID)
	if err != nil {
		return fmt.Errorf("store: delete failed doc %s: %w", docID, err)
	}
	return nil
}

// FetchedDoc is a pulled document payload waiting to be merged, in
// the priority order spec.md §4 assigns (ACL-relevant first, then
// CardV1, then everything else).
type FetchedDoc struct {
	DocID         string
	IsNew         bool
	FromAccountID string
	Priority      int
}

// EnqueueProcessFetched queues a pulled document for merge processing.
func (db *DB) EnqueueProcessFetched(ctx context.Context, f FetchedDoc) error {
	isNew := 0
	if f.IsNew {
		isNew = 1
	}
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO process_fetched_docs_queue (doc_id, is_new, from_account_id, priority) VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET priority = MIN(priority, excluded.priority)
	`, f.DocID, isNew, f.FromAccountID, f.Priority)
	if err != nil {
		return fmt.Errorf("store: enqueue process fetched %s: %w", f.DocID, err)
	}
	return nil
}

// ProcessFetchedBatch returns up to limit queued documents, lowest
// priority value (most urgent) first.
func (db *DB) ProcessFetchedBatch(ctx context.Context, limit int) ([]FetchedDoc, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT doc_id, is_new, from_account_id, priority FROM process_fetched_docs_queue
		ORDER BY priority ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: process fetched batch: %w", err)
	}
	defer rows.Close()

	var out []FetchedDoc
	for rows.Next() {
		var f FetchedDoc
		var isNew int
		if err := rows.Scan(&f.DocID, &isNew, &f.FromAccountID, &f.Priority); err != nil {
			return nil, fmt.Errorf("store: scan process fetched row: %w", err)
		}
		f.IsNew = isNew != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// DequeueProcessFetched removes a document once its merge is complete.
func (db *DB) DequeueProcessFetched(ctx context.Context, docID string) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM process_fetched_docs_queue WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("store: dequeue process fetched %s: %w", docID, err)
	}
	return nil
}

// EnqueueKeyPackage queues a freshly generated MLS key package for
// publication to the relay.
func (db *DB) EnqueueKeyPackage(ctx context.Context, message []byte) error {
	_, err := db.sql.ExecContext(ctx, `INSERT INTO key_packages_queue (message) VALUES (?)`, message)
	if err != nil {
		return fmt.Errorf("store: enqueue key package: %w", err)
	}
	return nil
}

// KeyPackagesBatch returns up to limit queued key packages.
func (db *DB) KeyPackagesBatch(ctx context.Context, limit int) ([][]byte, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT message FROM key_packages_queue LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: key packages batch: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var msg []byte
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("store: scan key package row: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
