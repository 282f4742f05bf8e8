package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PutSigningKey stores a device's private signing key material,
// encrypted under the local storage key (spec.md §6: "*MLS keys" are
// encrypted at rest).
func (db *DB) PutSigningKey(ctx context.Context, id string, key []byte) error {
	encrypted, err := db.cipher.EncryptColumn(key)
	if err != nil {
		return fmt.Errorf("store: encrypt signing key %s: %w", id, err)
	}
	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO signing_keys (id, encrypted_value, deleted_at) VALUES (?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET encrypted_value = excluded.encrypted_value, deleted_at = NULL
	`, id, encrypted)
	if err != nil {
		return fmt.Errorf("store: put signing key %s: %w", id, err)
	}
	return nil
}

// GetSigningKey decrypts and returns a stored signing key.
func (db *DB) GetSigningKey(ctx context.Context, id string) ([]byte, error) {
	var encrypted []byte
	var deletedAt sql.NullString
	err := db.sql.QueryRowContext(ctx, `SELECT encrypted_value, deleted_at FROM signing_keys WHERE id = ?`, id).Scan(&encrypted, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: signing key %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get signing key %s: %w", id, err)
	}
	if deletedAt.Valid {
		return nil, fmt.Errorf("store: signing key %s: %w", id, ErrNotFound)
	}
	return db.cipher.DecryptColumn(encrypted)
}

// DeleteSigningKey soft-deletes a signing key (revoked device
// credentials are tombstoned, not hard-deleted, so audit trails survive).
func (db *DB) DeleteSigningKey(ctx context.Context, id string, at time.Time) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE signing_keys SET deleted_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: delete signing key %s: %w", id, err)
	}
	return nil
}

// PutSignatureChain stores the serialized (canonical, unencrypted —
// every block is itself signed) chain bytes for accountID.
func (db *DB) PutSignatureChain(ctx context.Context, accountID string, chainBytes []byte, memberAccountIDs []string) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO signature_chains (id, chain, account_ids) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET chain = excluded.chain, account_ids = excluded.account_ids
	`, accountID, chainBytes, strings.Join(memberAccountIDs, ","))
	if err != nil {
		return fmt.Errorf("store: put signature chain %s: %w", accountID, err)
	}
	return nil
}

// GetSignatureChain returns the serialized chain bytes for accountID.
func (db *DB) GetSignatureChain(ctx context.Context, accountID string) ([]byte, error) {
	var chainBytes []byte
	err := db.sql.QueryRowContext(ctx, `SELECT chain FROM signature_chains WHERE id = ?`, accountID).Scan(&chainBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: signature chain %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get signature chain %s: %w", accountID, err)
	}
	return chainBytes, nil
}

// PutGroupState stores a group's encrypted state at a given chain
// hash/epoch (spec.md §6: "*MLS group states" encrypted at rest).
func (db *DB) PutGroupState(ctx context.Context, accountID, chainHash string, epoch uint64, state, accountsHash []byte) error {
	encrypted, err := db.cipher.EncryptColumn(state)
	if err != nil {
		return fmt.Errorf("store: encrypt group state %s/%s: %w", accountID, chainHash, err)
	}
	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO groups (id, chain_hash, epoch, encrypted_state, accounts_hash) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, chain_hash) DO UPDATE SET epoch = excluded.epoch, encrypted_state = excluded.encrypted_state
	`, accountID, chainHash, int64(epoch), encrypted, string(accountsHash))
	if err != nil {
		return fmt.Errorf("store: put group state %s/%s: %w", accountID, chainHash, err)
	}
	return nil
}

// GetGroupState decrypts and returns the group state for (accountID, chainHash).
func (db *DB) GetGroupState(ctx context.Context, accountID, chainHash string) ([]byte, uint64, error) {
	var encrypted []byte
	var epoch int64
	err := db.sql.QueryRowContext(ctx, `
		SELECT encrypted_state, epoch FROM groups WHERE id = ? AND chain_hash = ?
	`, accountID, chainHash).Scan(&encrypted, &epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("store: group state %s/%s: %w", accountID, chainHash, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: get group state %s/%s: %w", accountID, chainHash, err)
	}
	state, err := db.cipher.DecryptColumn(encrypted)
	if err != nil {
		return nil, 0, fmt.Errorf("store: decrypt group state %s/%s: %w", accountID, chainHash, err)
	}
	return state, uint64(epoch), nil
}
