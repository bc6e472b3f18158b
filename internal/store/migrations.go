package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	folder             TEXT NOT NULL,
	thread_id          TEXT NOT NULL DEFAULT '',
	subject            TEXT NOT NULL DEFAULT '',
	from_addr          TEXT NOT NULL DEFAULT '',
	from_name          TEXT NOT NULL DEFAULT '',
	to_addr            TEXT NOT NULL DEFAULT '',
	to_name            TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	ciphertext         BLOB NOT NULL DEFAULT x'',
	is_read            INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1)),
	is_starred         INTEGER NOT NULL DEFAULT 0 CHECK(is_starred IN (0, 1)),
	tier               INTEGER NOT NULL DEFAULT 0,
	key_ref            TEXT NOT NULL DEFAULT '',
	decrypted          INTEGER NOT NULL DEFAULT 0 CHECK(decrypted IN (0, 1)),
	globally_decrypted INTEGER NOT NULL DEFAULT 0 CHECK(globally_decrypted IN (0, 1)),
	timestamp          DATETIME NOT NULL,
	sync_status        TEXT NOT NULL DEFAULT 'synced'
		CHECK(sync_status IN ('synced', 'pending_upload', 'pending_download', 'conflict')),
	last_modified      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_account_folder
	ON messages(account_id, folder, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);

CREATE TABLE IF NOT EXISTS mutation_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	account_id  TEXT NOT NULL,
	kind        TEXT NOT NULL
		CHECK(kind IN ('mark_read', 'mark_starred', 'delete', 'move_to_trash')),
	message_id  TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '{}',
	enqueued_at DATETIME NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_mutation_queue_account ON mutation_queue(account_id, seq);
CREATE INDEX IF NOT EXISTS idx_mutation_queue_message ON mutation_queue(message_id);

CREATE TABLE IF NOT EXISTS sync_state (
	account_id      TEXT PRIMARY KEY,
	last_sync_at    DATETIME NOT NULL,
	high_water_mark TEXT NOT NULL DEFAULT '',
	error_count     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	count       INTEGER NOT NULL DEFAULT 0,
	message     TEXT NOT NULL,
	read        INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);
CREATE INDEX IF NOT EXISTS idx_notifications_account ON notifications(account_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
