// Package store implements the durable relational store shared by the
// scheduler, identity registry, and ownership index. The database file is
// shared with unrelated subsystems (conversation logs, checkpoints), so
// every migration here is additive and idempotent.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to callers.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrClaimConflict indicates another poller already claimed the item.
	// Not a failure: the caller simply skips the item.
	ErrClaimConflict = errors.New("store: item already claimed")
	// ErrCancelTooLate indicates a cancel raced against a claim or arrived
	// after the item reached a terminal status.
	ErrCancelTooLate = errors.New("store: too late to cancel")
)

// Store wraps the sqlite database. All timestamps written through Store are
// normalized to UTC so that textual DATETIME comparisons stay consistent.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns
	// existed (no-op when the column is already present).
	_, _ = db.Exec(`ALTER TABLE scheduled_items ADD COLUMN result TEXT`)
	_, _ = db.Exec(`ALTER TABLE scheduled_items ADD COLUMN lineage_id TEXT`)
	_, _ = db.Exec(`ALTER TABLE identities ADD COLUMN merged_at DATETIME`)
	_, _ = db.Exec(`ALTER TABLE ownership_records ADD COLUMN superseded_at DATETIME`)
	_, _ = db.Exec(`UPDATE scheduled_items SET lineage_id = item_id WHERE lineage_id IS NULL OR lineage_id = ''`)
	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB for shared access.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the store is reachable. The daemon refuses to start when
// this fails: running with an unreadable queue would silently drop work.
func (s *Store) Ping() error { return s.db.Ping() }

// newID returns a random 16-byte hex identifier.
func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("id-%d", time.Now().UnixNano())
}

// utc normalizes a timestamp before it is written.
func utc(t time.Time) time.Time { return t.UTC() }

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT UNIQUE NOT NULL,
	lineage_id TEXT NOT NULL,
	owner_thread TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'reminder',
	channel TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	payload TEXT,
	due_at DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	recurrence TEXT,
	error_text TEXT,
	result TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	fired_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_items_due ON scheduled_items(status, due_at);
CREATE INDEX IF NOT EXISTS idx_items_owner ON scheduled_items(owner_thread);
CREATE INDEX IF NOT EXISTS idx_items_lineage ON scheduled_items(lineage_id);

CREATE TABLE IF NOT EXISTS identities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id TEXT UNIQUE NOT NULL,
	persistent_user_id TEXT,
	channel TEXT NOT NULL,
	thread_id TEXT UNIQUE NOT NULL,
	verification_status TEXT NOT NULL DEFAULT 'anonymous',
	verification_method TEXT,
	verification_contact TEXT,
	verification_code TEXT,
	code_expires_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	merged_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_identities_user ON identities(persistent_user_id);
CREATE INDEX IF NOT EXISTS idx_identities_contact ON identities(verification_contact);

CREATE TABLE IF NOT EXISTS ownership_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_thread TEXT NOT NULL,
	resource_kind TEXT NOT NULL,
	resource_handle TEXT NOT NULL,
	channel TEXT DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	superseded_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ownership_active
	ON ownership_records(owner_thread, resource_kind) WHERE active = 1;

CREATE TABLE IF NOT EXISTS thread_aliases (
	absorbed_thread TEXT PRIMARY KEY,
	surviving_thread TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS groups (
	group_id TEXT PRIMARY KEY,
	group_type TEXT NOT NULL DEFAULT 'individual',
	owner_user_id TEXT,
	owner_group_id TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS group_acl (
	group_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	user_id TEXT NOT NULL,
	can_write INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (group_id, resource, user_id)
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);
`
