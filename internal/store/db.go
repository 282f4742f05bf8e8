// Package store is the device-local encrypted ledger: the sqlite
// tables backing chain state, group state, document secrets, CRDT
// documents, blob metadata and the sync queues described in spec.md
// §6 "Persisted state". Grounded on
// original_source/bolik_sdk/src/db.rs and db/migrations.rs, using
// modernc.org/sqlite (a pure-Go sqlite driver, needing no cgo) in
// place of rusqlite.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	icrypto "github.com/inkline-dev/inkline/internal/crypto"
)

// DB wraps the local sqlite connection plus the cipher used to
// encrypt sensitive columns (signing keys, group state, document
// secrets) before they touch disk.
type DB struct {
	sql    *sql.DB
	cipher *icrypto.DBCipher
}

// Open opens (creating if necessary) the sqlite database at path,
// runs pending migrations, and binds storageKey as the column cipher.
func Open(ctx context.Context, path string, storageKey []byte) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	cipher, err := icrypto.NewDBCipher(storageKey)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: bind storage key: %w", err)
	}

	db := &DB{sql: sqlDB, cipher: cipher}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, migrations[0]); err != nil {
		return fmt.Errorf("store: migrate schema_migrations: %w", err)
	}
	for i := 1; i < len(migrations); i++ {
		version := i
		var applied int
		err := db.sql.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("store: check migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}
		tx, err := db.sql.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", version, err)
		}
	}
	return nil
}

// WithTx runs fn inside a single sqlite transaction, committing on a
// nil return and rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
