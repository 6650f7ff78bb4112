package store

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY CHECK(id IN ('claude','codex')),
	display_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'offline' CHECK(status IN ('online','offline','busy')),
	session_id TEXT,
	last_seen_at TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT,
	project TEXT,
	status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','pending','completed','archived')),
	created_by TEXT NOT NULL CHECK(created_by IN ('claude','codex')),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	summary TEXT,
	metadata_json TEXT,
	closed_at TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender TEXT NOT NULL CHECK(sender IN ('claude','codex')),
	target TEXT NOT NULL CHECK(target IN ('claude','codex')),
	content TEXT NOT NULL CHECK(length(content) > 0),
	message_type TEXT NOT NULL CHECK(message_type IN ('message','research_request','research_response','review_request','review_response','context_share','system')),
	priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('normal','high','urgent')),
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','delivered','read','responded')),
	response_to_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	delivered_at TEXT,
	read_at TEXT,
	metadata_json TEXT,
	CHECK(sender != target),
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
	FOREIGN KEY(response_to_id) REFERENCES messages(id)
);

CREATE INDEX IF NOT EXISTS messages_conversation_created_at
ON messages(conversation_id, created_at ASC);

CREATE INDEX IF NOT EXISTS messages_response_to_id
ON messages(response_to_id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	content,
	content='messages',
	content_rowid='rowid',
	tokenize='porter'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE IF NOT EXISTS queue_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	target TEXT NOT NULL CHECK(target IN ('claude','codex')),
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_attempt TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS queue_entries_target_next_attempt
ON queue_entries(target, next_attempt ASC, priority DESC);

CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL CHECK(target IN ('claude','codex')),
	message_id TEXT NOT NULL,
	invocation_type TEXT NOT NULL CHECK(invocation_type IN ('subprocess_exec','peer_mcp')),
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','running','completed','failed','timeout')),
	command TEXT,
	stdout TEXT,
	stderr TEXT,
	exit_code INTEGER,
	created_at TEXT NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS invocations_message_id
ON invocations(message_id);

CREATE TABLE IF NOT EXISTS shared_context (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	context_type TEXT NOT NULL CHECK(context_type IN ('file','snippet','entity','memory_item','url')),
	content TEXT NOT NULL,
	description TEXT,
	shared_by TEXT NOT NULL CHECK(shared_by IN ('claude','codex')),
	created_at TEXT NOT NULL,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS shared_context_conversation_id
ON shared_context(conversation_id);
`,
		DownSQL: `
DROP TABLE IF EXISTS shared_context;
DROP TABLE IF EXISTS invocations;
DROP TABLE IF EXISTS queue_entries;
DROP TRIGGER IF EXISTS messages_fts_update;
DROP TRIGGER IF EXISTS messages_fts_delete;
DROP TRIGGER IF EXISTS messages_fts_insert;
DROP TABLE IF EXISTS messages_fts;
DROP TABLE IF EXISTS messages;
DROP TABLE IF EXISTS conversations;
DROP TABLE IF EXISTS clients;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

// ApplyMigrations runs every pending migration inside its own transaction,
// recording the applied version the same way each migration is applied
// exactly once.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
