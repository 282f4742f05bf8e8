package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StoredDocument is a card's row in the local ledger: the CRDT
// ciphertexts plus the metadata needed to push/pull it without
// decrypting (spec.md §3 Document, §6 Persisted state).
type StoredDocument struct {
	ID                string
	Schema            int
	ContentCiphertext []byte
	ACLCiphertext     []byte
	SecretID          string
	AuthorDeviceID    string
	Counter           uint64
	CreatedAt         time.Time
	EditedAt          time.Time
}

// PutDocument upserts a document row.
func (db *DB) PutDocument(ctx context.Context, d StoredDocument) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO documents
			(id, schema, content_ciphertext, acl_ciphertext, secret_id, author_device_id, counter, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_ciphertext = excluded.content_ciphertext,
			acl_ciphertext = excluded.acl_ciphertext,
			secret_id = excluded.secret_id,
			counter = excluded.counter,
			edited_at = excluded.edited_at
	`, d.ID, d.Schema, d.ContentCiphertext, d.ACLCiphertext, d.SecretID, d.AuthorDeviceID, int64(d.Counter),
		d.CreatedAt.UTC().Format(time.RFC3339), d.EditedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: put document %s: %w", d.ID, err)
	}
	return nil
}

// GetDocument returns document id, or ErrNotFound if it does not exist.
func (db *DB) GetDocument(ctx context.Context, id string) (StoredDocument, error) {
	var d StoredDocument
	var createdAt, editedAt string
	err := db.sql.QueryRowContext(ctx, `
		SELECT id, schema, content_ciphertext, acl_ciphertext, secret_id, author_device_id, counter, created_at, edited_at
		FROM documents WHERE id = ?
	`, id).Scan(&d.ID, &d.Schema, &d.ContentCiphertext, &d.ACLCiphertext, &d.SecretID, &d.AuthorDeviceID, &d.Counter, &createdAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredDocument{}, fmt.Errorf("store: document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return StoredDocument{}, fmt.Errorf("store: get document %s: %w", id, err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return StoredDocument{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if d.EditedAt, err = time.Parse(time.RFC3339, editedAt); err != nil {
		return StoredDocument{}, fmt.Errorf("store: parse edited_at: %w", err)
	}
	return d, nil
}

// DeleteDocument permanently removes a document row — used once the
// empty-bin job decides a document's retention window has elapsed
// (spec.md §4.9 EmptyBin).
func (db *DB) DeleteDocument(ctx context.Context, id string) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete document %s: %w", id, err)
	}
	return nil
}

// IndexCardText upserts a card's full-text search row (spec.md §6:
// "a full-text index over cards"), used only to answer label/search
// queries — never as a source of truth for document state.
func (db *DB) IndexCardText(ctx context.Context, docID, text, labelIDs string) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM card_index WHERE id = ?`, docID)
	if err != nil {
		return fmt.Errorf("store: reindex card %s: %w", docID, err)
	}
	_, err = db.sql.ExecContext(ctx, `INSERT INTO card_index (id, text, label_ids) VALUES (?, ?, ?)`, docID, text, labelIDs)
	if err != nil {
		return fmt.Errorf("store: index card %s: %w", docID, err)
	}
	return nil
}

// SearchCards returns document ids whose indexed text matches query.
func (db *DB) SearchCards(ctx context.Context, query string) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT id FROM card_index WHERE card_index MATCH ?`, query)
	if err != nil {
		return nil, fmt.Errorf("store: search cards: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan card search row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
