package store

// migrations is the ordered list of schema changes applied to a fresh
// (or upgrading) local database. The shape follows
// original_source/bolik_sdk/src/db/migrations.rs table-for-table,
// translated to SQLite-via-modernc.org/sqlite rather than rusqlite —
// same tables, same WITHOUT ROWID choices where the primary key is
// already the natural key.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY
	);`,

	`CREATE TABLE IF NOT EXISTS device_settings (
		device_id TEXT PRIMARY KEY,
		device_name TEXT NOT NULL,
		account_id TEXT
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS device_vector_clock (
		device_id TEXT PRIMARY KEY,
		counter INTEGER NOT NULL
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS signing_keys (
		id TEXT PRIMARY KEY,
		encrypted_value BLOB NOT NULL,
		deleted_at TEXT
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS signature_chains (
		id TEXT PRIMARY KEY,
		chain BLOB NOT NULL,
		account_ids TEXT
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS groups (
		id TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		encrypted_state BLOB NOT NULL,
		accounts_hash TEXT,
		PRIMARY KEY (id, chain_hash)
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS document_secrets (
		id TEXT PRIMARY KEY,
		encrypted_secret BLOB NOT NULL,
		accounts_hash TEXT NOT NULL,
		account_ids TEXT NOT NULL,
		algorithm INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		obsolete_at TEXT NOT NULL,
		tombstoned_at TEXT
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		schema INTEGER NOT NULL,
		content_ciphertext BLOB,
		acl_ciphertext BLOB NOT NULL,
		secret_id TEXT NOT NULL,
		author_device_id TEXT NOT NULL,
		counter INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		edited_at TEXT NOT NULL
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS blobs (
		id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		checksum TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (id, device_id)
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS key_packages_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_mailbox_queue (
		id TEXT NOT NULL PRIMARY KEY,
		message BLOB NOT NULL,
		queued_at TEXT NOT NULL
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS ack_mailbox_queue (
		message_id TEXT PRIMARY KEY,
		error TEXT
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS push_docs_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message BLOB NOT NULL,
		queued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS failed_docs (
		doc_id TEXT NOT NULL,
		author_device_id TEXT NOT NULL,
		tries INTEGER NOT NULL DEFAULT 1,
		retry_after TEXT NOT NULL,
		PRIMARY KEY (doc_id, author_device_id)
	);

	CREATE TABLE IF NOT EXISTS process_fetched_docs_queue (
		doc_id TEXT NOT NULL PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
		is_new INTEGER NOT NULL,
		from_account_id TEXT NOT NULL,
		priority INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS local_notifications (
		id TEXT PRIMARY KEY,
		body BLOB,
		created_at TEXT NOT NULL,
		read_at TEXT
	) WITHOUT ROWID;

	CREATE VIRTUAL TABLE IF NOT EXISTS card_index USING fts5(id UNINDEXED, text, label_ids);
	`,
}
