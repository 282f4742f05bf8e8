package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/blob"
	"github.com/inkline-dev/inkline/internal/docstore"
	"github.com/inkline-dev/inkline/internal/store"
)

// AttachFile uploads r (plaintextSize bytes) as a fresh blob sealed
// under card's active document secret, records its metadata in the
// card's content, and pushes the card (spec.md §4.4 Upload, §3 "Card
// file (in-doc)"). The returned blob id is what DownloadFile and
// RemoveFile address the attachment by afterward.
func (d *Device) AttachFile(ctx context.Context, cardID, name string, r io.Reader, plaintextSize int64) (string, error) {
	if d.docs == nil {
		return "", fmt.Errorf("client: device has no account to attach files under")
	}
	card, err := d.docs.Load(ctx, cardID)
	if err != nil {
		return "", fmt.Errorf("client: load card %s: %w", cardID, err)
	}
	accountIDs := card.Doc.ACL.Members()
	secret, err := d.secret.ActiveSecret(ctx, accountIDs)
	if err != nil {
		return "", fmt.Errorf("client: active secret for %s: %w", cardID, err)
	}

	blobID := uuid.NewString()
	result, err := blob.Upload(ctx, d.relay, d.relay, blobID, secret.Key, r, plaintextSize)
	if err != nil {
		return "", fmt.Errorf("client: upload blob %s: %w", blobID, err)
	}

	localPath := filepath.Join(d.cfg.BlobsDir, blobID)
	if err := d.db.PutBlob(ctx, store.BlobRecord{
		ID:       blobID,
		DeviceID: d.deviceID,
		Checksum: result.Checksum,
		Path:     localPath,
		Size:     result.Size,
		Synced:   true,
	}); err != nil {
		return "", fmt.Errorf("client: record blob %s: %w", blobID, err)
	}

	card.SetFile(blobID, docstore.CardFile{
		DeviceID: d.deviceID,
		Name:     name,
		Checksum: result.Checksum,
		Size:     result.Size,
		SecretID: secret.ID,
	})
	if err := d.docs.Save(ctx, card, docstore.EditOptions{AccountIDs: accountIDs}); err != nil {
		return "", fmt.Errorf("client: save card %s: %w", cardID, err)
	}
	return blobID, nil
}

// DownloadFile fetches blobID's ciphertext, verifies it against the
// checksum recorded on cardID, and stores the decrypted plaintext
// under the device's blobs directory (spec.md §4.4 Download). Callers
// that want this run on the background scheduler instead should
// enqueue a scheduler.Task{Kind: scheduler.KindDownloadFile} and let
// wireScheduler's DownloadFile handler call this same method.
func (d *Device) DownloadFile(ctx context.Context, cardID, blobID string) error {
	if d.docs == nil {
		return fmt.Errorf("client: device has no account to download files from")
	}
	card, err := d.docs.Load(ctx, cardID)
	if err != nil {
		return fmt.Errorf("client: load card %s: %w", cardID, err)
	}
	meta, ok := card.File(blobID)
	if !ok {
		return fmt.Errorf("client: %w: blob %s not attached to %s", apperr.ErrBlobMissing, blobID, cardID)
	}
	secret, err := d.secret.SecretByID(ctx, meta.SecretID)
	if err != nil {
		return fmt.Errorf("client: resolve secret for blob %s: %w", blobID, err)
	}

	destPath := filepath.Join(d.cfg.BlobsDir, blobID)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		return fmt.Errorf("client: prepare blobs dir: %w", err)
	}
	ciphertextLen := blob.ContentLength(meta.Size)
	if err := blob.Download(ctx, d.relay, d.relay, blobID, d.deviceID, cardID, secret.Key, meta.Checksum, ciphertextLen, destPath); err != nil {
		return fmt.Errorf("client: download blob %s: %w", blobID, err)
	}

	return d.db.PutBlob(ctx, store.BlobRecord{
		ID:       blobID,
		DeviceID: d.deviceID,
		Checksum: meta.Checksum,
		Path:     destPath,
		Size:     meta.Size,
		Synced:   true,
	})
}

// RemoveFile tombstones blobID's attachment metadata on cardID and
// pushes the card. The underlying blob itself is reclaimed later by
// the relay's own GC pass once no doc_blobs binding survives for it
// (spec.md §4.4 GC) — this method only ever touches the card.
func (d *Device) RemoveFile(ctx context.Context, cardID, blobID string) error {
	if d.docs == nil {
		return fmt.Errorf("client: device has no account to remove files from")
	}
	card, err := d.docs.Load(ctx, cardID)
	if err != nil {
		return fmt.Errorf("client: load card %s: %w", cardID, err)
	}
	card.RemoveFile(blobID)
	return d.docs.Save(ctx, card, docstore.EditOptions{AccountIDs: card.Doc.ACL.Members()})
}

// processFiles retries uploading any attachment on cardID that this
// device authored and whose local blob row is marked unsynced
// (spec.md §4.9 ProcessFiles task). Attachments with no local row, or
// a synced one, are skipped; AttachFile itself only records a row
// after a successful upload, already marked synced.
func (d *Device) processFiles(ctx context.Context, cardID string) error {
	if d.docs == nil {
		return nil
	}
	card, err := d.docs.Load(ctx, cardID)
	if err != nil {
		return fmt.Errorf("client: load card %s: %w", cardID, err)
	}
	for blobID, meta := range card.Files() {
		if meta.DeviceID != d.deviceID {
			continue
		}
		rec, ok, err := d.db.GetBlob(ctx, blobID, d.deviceID)
		if err != nil {
			return fmt.Errorf("client: load blob record %s: %w", blobID, err)
		}
		if !ok || rec.Synced {
			continue
		}
		secret, err := d.secret.SecretByID(ctx, meta.SecretID)
		if err != nil {
			return fmt.Errorf("client: resolve secret for blob %s: %w", blobID, err)
		}
		f, err := os.Open(rec.Path)
		if err != nil {
			return fmt.Errorf("client: open pending blob %s: %w", blobID, err)
		}
		_, err = blob.Upload(ctx, d.relay, d.relay, blobID, secret.Key, f, rec.Size)
		f.Close()
		if err != nil {
			return fmt.Errorf("client: retry upload blob %s: %w", blobID, err)
		}
		if err := d.db.MarkBlobSynced(ctx, blobID, d.deviceID); err != nil {
			return fmt.Errorf("client: mark blob %s synced: %w", blobID, err)
		}
	}
	return nil
}
