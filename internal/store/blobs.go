package store

import (
	"context"
	"fmt"
)

// BlobRecord is the local record of a single device's copy of a blob
// — the same blob id can have one row per device that has downloaded it.
type BlobRecord struct {
	ID       string
	DeviceID string
	Checksum string
	Path     string
	Size     int64
	Synced   bool
}

// PutBlob upserts a device's local copy of a blob.
func (db *DB) PutBlob(ctx context.Context, b BlobRecord) error {
	synced := 0
	if b.Synced {
		synced = 1
	}
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO blobs (id, device_id, checksum, path, size, synced)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, device_id) DO UPDATE SET
			checksum = excluded.checksum, path = excluded.path, size = excluded.size, synced = excluded.synced
	`, b.ID, b.DeviceID, b.Checksum, b.Path, b.Size, synced)
	if err != nil {
		return fmt.Errorf("store: put blob %s: %w", b.ID, err)
	}
	return nil
}

// GetBlob returns this device's local copy of blob id, if any.
func (db *DB) GetBlob(ctx context.Context, id, deviceID string) (BlobRecord, bool, error) {
	var b BlobRecord
	var synced int
	err := db.sql.QueryRowContext(ctx, `
		SELECT id, device_id, checksum, path, size, synced FROM blobs WHERE id = ? AND device_id = ?
	`, id, deviceID).Scan(&b.ID, &b.DeviceID, &b.Checksum, &b.Path, &b.Size, &synced)
	if err != nil {
		return BlobRecord{}, false, nil
	}
	b.Synced = synced != 0
	return b, true, nil
}

// UnsyncedBlobs returns every blob this device holds that hasn't yet
// been confirmed uploaded. The ProcessFiles task does not call it; it
// looks up each of a card's attachments with GetBlob instead.
func (db *DB) UnsyncedBlobs(ctx context.Context, deviceID string) ([]BlobRecord, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, device_id, checksum, path, size, synced FROM blobs WHERE device_id = ? AND synced = 0
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: unsynced blobs: %w", err)
	}
	defer rows.Close()

	var out []BlobRecord
	for rows.Next() {
		var b BlobRecord
		var synced int
		if err := rows.Scan(&b.ID, &b.DeviceID, &b.Checksum, &b.Path, &b.Size, &synced); err != nil {
			return nil, fmt.Errorf("store: scan blob row: %w", err)
		}
		b.Synced = synced != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBlobSynced flips a blob's synced flag once the relay has
// confirmed the upload.
func (db *DB) MarkBlobSynced(ctx context.Context, id, deviceID string) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE blobs SET synced = 1 WHERE id = ? AND device_id = ?`, id, deviceID)
	if err != nil {
		return fmt.Errorf("store: mark blob %s synced: %w", id, err)
	}
	return nil
}
