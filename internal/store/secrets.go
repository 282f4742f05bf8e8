package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StoredSecret is a document secret as persisted at rest: the key
// material itself is encrypted under the device's storage key before
// it ever reaches sqlite (spec.md §6: "*document secrets" are
// encrypted-at-rest).
type StoredSecret struct {
	ID           string
	AccountsHash string
	AccountIDs   []string
	Algorithm    int
	CreatedAt    time.Time
	ObsoleteAt   time.Time
	TombstonedAt *time.Time
}

// PutSecret stores a freshly minted or received document secret. key
// is the raw symmetric key; it is encrypted with the device's column
// cipher before the write.
func (db *DB) PutSecret(ctx context.Context, s StoredSecret, key []byte) error {
	encrypted, err := db.cipher.EncryptColumn(key)
	if err != nil {
		return fmt.Errorf("store: encrypt document secret %s: %w", s.ID, err)
	}
	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO document_secrets
			(id, encrypted_secret, accounts_hash, account_ids, algorithm, created_at, obsolete_at, tombstoned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			obsolete_at = excluded.obsolete_at
	`, s.ID, encrypted, s.AccountsHash, strings.Join(s.AccountIDs, ","), s.Algorithm,
		s.CreatedAt.UTC().Format(time.RFC3339), s.ObsoleteAt.UTC().Format(time.RFC3339), nullableTime(s.TombstonedAt))
	if err != nil {
		return fmt.Errorf("store: put document secret %s: %w", s.ID, err)
	}
	return nil
}

// GetSecretKey returns the decrypted key material for secret id.
func (db *DB) GetSecretKey(ctx context.Context, id string) ([]byte, error) {
	var encrypted []byte
	err := db.sql.QueryRowContext(ctx, `SELECT encrypted_secret FROM document_secrets WHERE id = ?`, id).Scan(&encrypted)
	if err != nil {
		return nil, fmt.Errorf("store: get document secret %s: %w", id, err)
	}
	key, err := db.cipher.DecryptColumn(encrypted)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt document secret %s: %w", id, err)
	}
	return key, nil
}

// SecretsForAccountsHash returns every secret (most-recently-created
// first) minted for the given owning account set — the candidate list
// a failed decrypt retries against (spec.md §4.2: "reads try all
// plausible secrets for that account set").
func (db *DB) SecretsForAccountsHash(ctx context.Context, accountsHash string) ([]StoredSecret, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, accounts_hash, account_ids, algorithm, created_at, obsolete_at, tombstoned_at
		FROM document_secrets WHERE accounts_hash = ? ORDER BY created_at DESC
	`, accountsHash)
	if err != nil {
		return nil, fmt.Errorf("store: secrets for accounts hash %s: %w", accountsHash, err)
	}
	defer rows.Close()

	var out []StoredSecret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecret(row rowScanner) (StoredSecret, error) {
	var s StoredSecret
	var accountIDs, createdAt, obsoleteAt string
	var tombstonedAt sql.NullString
	if err := row.Scan(&s.ID, &s.AccountsHash, &accountIDs, &s.Algorithm, &createdAt, &obsoleteAt, &tombstonedAt); err != nil {
		return StoredSecret{}, fmt.Errorf("store: scan document secret: %w", err)
	}
	if accountIDs != "" {
		s.AccountIDs = strings.Split(accountIDs, ",")
	}
	var err error
	if s.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return StoredSecret{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if s.ObsoleteAt, err = time.Parse(time.RFC3339, obsoleteAt); err != nil {
		return StoredSecret{}, fmt.Errorf("store: parse obsolete_at: %w", err)
	}
	if tombstonedAt.Valid {
		t, err := time.Parse(time.RFC3339, tombstonedAt.String)
		if err != nil {
			return StoredSecret{}, fmt.Errorf("store: parse tombstoned_at: %w", err)
		}
		s.TombstonedAt = &t
	}
	return s, nil
}

// TombstoneSecret marks a secret obsolete-and-pending-deletion at at,
// rather than deleting it outright: a secret in flight to another
// device must still be able to decrypt with it during the grace
// window (spec.md supplemented feature: tombstone-then-purge).
func (db *DB) TombstoneSecret(ctx context.Context, id string, at time.Time) error {
	_, err := db.sql.ExecContext(ctx, `
		UPDATE document_secrets SET tombstoned_at = ? WHERE id = ? AND tombstoned_at IS NULL
	`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: tombstone secret %s: %w", id, err)
	}
	return nil
}

// PurgeTombstonedSecretsBefore deletes every secret tombstoned before
// cutoff, returning the count removed.
func (db *DB) PurgeTombstonedSecretsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.sql.ExecContext(ctx, `
		DELETE FROM document_secrets WHERE tombstoned_at IS NOT NULL AND tombstoned_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("store: purge tombstoned secrets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: purge tombstoned secrets rows affected: %w", err)
	}
	return n, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

var ErrNotFound = errors.New("store: not found")
