// Package relay implements the server side of the sync protocol: a
// chi-routed HTTP API authenticated by per-request Ed25519 signatures,
// backed by a server-local sqlite database and an S3-compatible
// object store for blob ciphertext (spec.md §6). Unlike internal/store
// (the device's encrypted local ledger), the relay never holds a
// storage key — every payload it persists is already opaque
// ciphertext from the client's point of view.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inkline-dev/inkline/internal/apperr"
)

// Store is the relay's server-side sqlite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the relay's sqlite database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("relay: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS credentials (
	device_id TEXT PRIMARY KEY,
	sig_pub   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	chain      BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS account_devices (
	account_id TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	PRIMARY KEY (account_id, device_id)
);

CREATE TABLE IF NOT EXISTS key_packages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	package     BLOB NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox (
	id          TEXT PRIMARY KEY,
	device_id   TEXT NOT NULL,
	message     BLOB NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS docs (
	id               TEXT NOT NULL,
	author_device_id TEXT NOT NULL,
	counter          INTEGER NOT NULL,
	payload          BLOB NOT NULL,
	created_at       TEXT NOT NULL,
	PRIMARY KEY (id, author_device_id)
);

CREATE TABLE IF NOT EXISTS doc_participants (
	doc_id     TEXT NOT NULL,
	account_id TEXT NOT NULL,
	PRIMARY KEY (doc_id, account_id)
);

CREATE TABLE IF NOT EXISTS doc_blobs (
	account_id TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	blob_id    TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	PRIMARY KEY (account_id, doc_id, blob_id, device_id)
);

CREATE TABLE IF NOT EXISTS blobs (
	id         TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	bucket     TEXT NOT NULL,
	path       TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	uploaded   INTEGER NOT NULL DEFAULT 0,
	marked_at  TEXT,
	PRIMARY KEY (id, device_id)
);
`)
	if err != nil {
		return fmt.Errorf("relay: migrate: %w", err)
	}
	return nil
}

// credentialSigPub looks up a device's signing public key, returning
// (nil, nil) if the device has never published a key package.
func (s *Store) credentialSigPub(ctx context.Context, deviceID string) ([]byte, error) {
	var sigPub []byte
	err := s.db.QueryRowContext(ctx, `SELECT sig_pub FROM credentials WHERE device_id = ?`, deviceID).Scan(&sigPub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relay: lookup credential: %w", err)
	}
	return sigPub, nil
}

func (s *Store) putCredential(ctx context.Context, deviceID string, sigPub []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (device_id, sig_pub) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET sig_pub = excluded.sig_pub
	`, deviceID, sigPub)
	if err != nil {
		return fmt.Errorf("relay: put credential: %w", err)
	}
	return nil
}

func (s *Store) putKeyPackage(ctx context.Context, deviceID string, data []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_packages (device_id, package, created_at) VALUES (?, ?, ?)
	`, deviceID, data, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("relay: put key package: %w", err)
	}
	return nil
}

func (s *Store) keyPackagesFor(ctx context.Context, deviceID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT package FROM key_packages WHERE device_id = ? ORDER BY created_at ASC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("relay: list key packages: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var pkg []byte
		if err := rows.Scan(&pkg); err != nil {
			return nil, fmt.Errorf("relay: scan key package: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

// accountIDForDevice returns the account a device belongs to.
func (s *Store) accountIDForDevice(ctx context.Context, deviceID string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `SELECT account_id FROM account_devices WHERE device_id = ?`, deviceID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.ErrUnknownDevice
	}
	if err != nil {
		return "", fmt.Errorf("relay: find account for device: %w", err)
	}
	return accountID, nil
}

func (s *Store) putAccount(ctx context.Context, accountID string, chain []byte, deviceIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relay: begin put account: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, chain) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET chain = excluded.chain
	`, accountID, chain)
	if err != nil {
		return fmt.Errorf("relay: upsert account: %w", err)
	}
	for _, deviceID := range deviceIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO account_devices (account_id, device_id) VALUES (?, ?)
		`, accountID, deviceID)
		if err != nil {
			return fmt.Errorf("relay: add account device: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) accountChainAndDevices(ctx context.Context, accountID string) ([]byte, []string, error) {
	var chain []byte
	err := s.db.QueryRowContext(ctx, `SELECT chain FROM accounts WHERE account_id = ?`, accountID).Scan(&chain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("relay: get account chain: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT device_id FROM account_devices WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: list account devices: %w", err)
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, nil, fmt.Errorf("relay: scan account device: %w", err)
		}
		devices = append(devices, d)
	}
	return chain, devices, rows.Err()
}

func (s *Store) enqueueMailbox(ctx context.Context, id, deviceID string, message []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO mailbox (id, device_id, message, created_at) VALUES (?, ?, ?, ?)
	`, id, deviceID, message, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("relay: enqueue mailbox: %w", err)
	}
	return nil
}

func (s *Store) fetchMailbox(ctx context.Context, deviceID string) ([]struct {
	ID      string
	Message []byte
}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message FROM mailbox WHERE device_id = ? ORDER BY created_at ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("relay: fetch mailbox: %w", err)
	}
	defer rows.Close()

	var out []struct {
		ID      string
		Message []byte
	}
	for rows.Next() {
		var row struct {
			ID      string
			Message []byte
		}
		if err := rows.Scan(&row.ID, &row.Message); err != nil {
			return nil, fmt.Errorf("relay: scan mailbox row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ackMailbox(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mailbox WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("relay: ack mailbox: %w", err)
	}
	return nil
}

// putDoc enforces strict per-author counter ordering (spec.md §5(a))
// via a transaction + unique-key upsert guard: a counter at or below
// the currently stored one is rejected as a conflict.
func (s *Store) putDoc(ctx context.Context, docID, authorDeviceID string, counter uint64, payload []byte, participantAccountIDs []string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relay: begin put doc: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT counter FROM docs WHERE id = ? AND author_device_id = ?`, docID, authorDeviceID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("relay: check existing counter: %w", err)
	}
	if existing.Valid && uint64(existing.Int64) >= counter {
		return apperr.ErrCounterConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO docs (id, author_device_id, counter, payload, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, author_device_id) DO UPDATE SET counter = excluded.counter, payload = excluded.payload, created_at = excluded.created_at
	`, docID, authorDeviceID, int64(counter), payload, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("relay: upsert doc: %w", err)
	}

	for _, accountID := range participantAccountIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO doc_participants (doc_id, account_id) VALUES (?, ?)
		`, docID, accountID)
		if err != nil {
			return fmt.Errorf("relay: add doc participant: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) docVersion(ctx context.Context, docID, deviceID string) (uint64, error) {
	var counter int64
	err := s.db.QueryRowContext(ctx, `SELECT counter FROM docs WHERE id = ? AND author_device_id = ?`, docID, deviceID).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("relay: doc version: %w", err)
	}
	return uint64(counter), nil
}

// docsSince returns every doc payload authored at a counter strictly
// greater than clock[author_device_id] (0 if absent), restricted to
// docs the requesting account participates in.
func (s *Store) docsSince(ctx context.Context, accountID string, clock map[string]uint64) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.payload, d.author_device_id, d.counter
		  FROM docs d
		  JOIN doc_participants p ON p.doc_id = d.id
		 WHERE p.account_id = ?
		 ORDER BY d.created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("relay: docs since: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		var authorDeviceID string
		var counter int64
		if err := rows.Scan(&payload, &authorDeviceID, &counter); err != nil {
			return nil, fmt.Errorf("relay: scan doc row: %w", err)
		}
		if uint64(counter) <= clock[authorDeviceID] {
			continue
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

func (s *Store) putBlob(ctx context.Context, blobID, deviceID, bucket, path string, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (id, device_id, bucket, path, size_bytes) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, device_id) DO UPDATE SET bucket = excluded.bucket, path = excluded.path, size_bytes = excluded.size_bytes
	`, blobID, deviceID, bucket, path, sizeBytes)
	if err != nil {
		return fmt.Errorf("relay: put blob: %w", err)
	}
	return nil
}

func (s *Store) markBlobUploaded(ctx context.Context, blobID, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE blobs SET uploaded = 1 WHERE id = ? AND device_id = ?`, blobID, deviceID)
	if err != nil {
		return fmt.Errorf("relay: mark blob uploaded: %w", err)
	}
	return nil
}

func (s *Store) blobPath(ctx context.Context, blobID, deviceID string) (path string, uploaded bool, err error) {
	var uploadedInt int
	err = s.db.QueryRowContext(ctx, `SELECT path, uploaded FROM blobs WHERE id = ? AND device_id = ?`, blobID, deviceID).Scan(&path, &uploadedInt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, apperr.ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("relay: blob path: %w", err)
	}
	return path, uploadedInt != 0, nil
}

func (s *Store) docReferencesBlob(ctx context.Context, accountID, docID, blobID, deviceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM doc_blobs WHERE account_id = ? AND doc_id = ? AND blob_id = ? AND device_id = ?
	`, accountID, docID, blobID, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("relay: doc references blob: %w", err)
	}
	return true, nil
}

// bindDocBlob records that docID references blobID, clearing any
// pending unused-mark on the blob — a reference can be restored after
// GC already flagged it unused (spec.md §6 Blob GC: "on a restored
// reference, clear unused_since"), and this is the one place a
// reference is (re)created.
func (s *Store) bindDocBlob(ctx context.Context, accountID, docID, blobID, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relay: begin bind doc blob: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO doc_blobs (account_id, doc_id, blob_id, device_id) VALUES (?, ?, ?, ?)
	`, accountID, docID, blobID, deviceID); err != nil {
		return fmt.Errorf("relay: bind doc blob: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE blobs SET marked_at = NULL WHERE id = ? AND device_id = ?
	`, blobID, deviceID); err != nil {
		return fmt.Errorf("relay: clear blob mark: %w", err)
	}
	return tx.Commit()
}

// markUnusedBlobs flags every uploaded blob with no surviving
// doc_blobs binding and returns their (id, device_id, path) (mark
// phase of blob GC, spec.md §6 "Blob GC"). GC.Run only counts them;
// no object is deleted in this phase.
func (s *Store) markUnusedBlobs(ctx context.Context, now time.Time) ([]struct{ ID, DeviceID, Path string }, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.device_id, b.path FROM blobs b
		WHERE b.uploaded = 1 AND b.marked_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM doc_blobs db WHERE db.blob_id = b.id AND db.device_id = b.device_id
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("relay: mark unused blobs: %w", err)
	}
	defer rows.Close()

	var out []struct{ ID, DeviceID, Path string }
	for rows.Next() {
		var r struct{ ID, DeviceID, Path string }
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Path); err != nil {
			return nil, fmt.Errorf("relay: scan unused blob: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range out {
		if _, err := s.db.ExecContext(ctx, `UPDATE blobs SET marked_at = ? WHERE id = ? AND device_id = ?`, now.UTC().Format(time.RFC3339), r.ID, r.DeviceID); err != nil {
			return nil, fmt.Errorf("relay: stamp marked_at: %w", err)
		}
	}
	return out, nil
}

// sweepMarkedBlobs deletes the rows of blobs marked at or before
// before and returns them, so the caller can then remove their
// ciphertext objects from the bucket (sweep phase of blob GC).
// Each candidate is re-verified against doc_blobs inside the deleting
// transaction before it goes: a reference can land between the mark
// pass and the sweep pass (a recent upload racing the mark), and
// bindDocBlob clearing marked_at is not itself enough to rule that
// race out for a row already selected by this query's own snapshot.
func (s *Store) sweepMarkedBlobs(ctx context.Context, before time.Time) ([]struct{ ID, DeviceID, Path string }, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, path FROM blobs WHERE marked_at IS NOT NULL AND marked_at <= ?
	`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("relay: sweep marked blobs: %w", err)
	}
	defer rows.Close()

	var candidates []struct{ ID, DeviceID, Path string }
	for rows.Next() {
		var r struct{ ID, DeviceID, Path string }
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Path); err != nil {
			return nil, fmt.Errorf("relay: scan marked blob: %w", err)
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: begin sweep marked blobs: %w", err)
	}
	defer tx.Rollback()

	var out []struct{ ID, DeviceID, Path string }
	for _, r := range candidates {
		var one int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM doc_blobs WHERE blob_id = ? AND device_id = ? LIMIT 1
		`, r.ID, r.DeviceID).Scan(&one)
		if err == nil {
			if _, err := tx.ExecContext(ctx, `UPDATE blobs SET marked_at = NULL WHERE id = ? AND device_id = ?`, r.ID, r.DeviceID); err != nil {
				return nil, fmt.Errorf("relay: unmark referenced blob: %w", err)
			}
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("relay: re-check doc blob reference: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ? AND device_id = ?`, r.ID, r.DeviceID); err != nil {
			return nil, fmt.Errorf("relay: delete swept blob: %w", err)
		}
		out = append(out, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("relay: commit sweep marked blobs: %w", err)
	}
	return out, nil
}
