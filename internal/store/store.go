// Package store persists conversation state in SQLite: conversations and
// their members, users, messages, and per-account config. It implements
// the store interfaces consumed by the event-processing core.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Protocol identifies the end-to-end encryption protocol of a conversation.
type Protocol int

const (
	ProtocolPairwise Protocol = iota
	ProtocolGroup
)

// LegalHoldStatus is the conversation-level legal hold status.
type LegalHoldStatus int

const (
	LegalHoldUnknown LegalHoldStatus = iota
	LegalHoldDisabled
	LegalHoldEnabled
	LegalHoldDegraded
)

func (s LegalHoldStatus) String() string {
	switch s {
	case LegalHoldUnknown:
		return "unknown"
	case LegalHoldDisabled:
		return "disabled"
	case LegalHoldEnabled:
		return "enabled"
	case LegalHoldDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("LegalHoldStatus(%d)", int(s))
	}
}

// UserLegalHoldState is the per-user legal hold state.
type UserLegalHoldState int

const (
	UserHoldDisabled UserLegalHoldState = iota
	UserHoldEnabled
	UserHoldPending
)

func (s UserLegalHoldState) String() string {
	switch s {
	case UserHoldDisabled:
		return "disabled"
	case UserHoldEnabled:
		return "enabled"
	case UserHoldPending:
		return "pending"
	default:
		return fmt.Sprintf("UserLegalHoldState(%d)", int(s))
	}
}

// Store wraps a SQLite database holding all durable conversation state.
type Store struct {
	db   *sql.DB
	self string // self user id, needed for membership checks
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
	id TEXT PRIMARY KEY,
	protocol INTEGER NOT NULL DEFAULT 0,
	group_id TEXT NOT NULL DEFAULT '',
	other_user_id TEXT NOT NULL DEFAULT '',
	legal_hold_status INTEGER NOT NULL DEFAULT 0,
	last_read_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS member (
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS user (
	id TEXT PRIMARY KEY,
	legal_hold_state INTEGER NOT NULL DEFAULT 0,
	availability INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS message (
	id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	sender_user_id TEXT NOT NULL,
	sender_device TEXT NOT NULL DEFAULT '',
	sent_at INTEGER NOT NULL,
	edited_at INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	members TEXT NOT NULL DEFAULT '',
	data BLOB,
	asset_name TEXT NOT NULL DEFAULT '',
	asset_mime_type TEXT NOT NULL DEFAULT '',
	asset_size INTEGER NOT NULL DEFAULT 0,
	asset_id TEXT NOT NULL DEFAULT '',
	asset_domain TEXT NOT NULL DEFAULT '',
	asset_key BLOB,
	asset_sha256 BLOB,
	expire_after_ms INTEGER NOT NULL DEFAULT 0,
	visible INTEGER NOT NULL DEFAULT 1,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (id, conversation_id)
);
CREATE INDEX IF NOT EXISTS message_conversation_sent
	ON message (conversation_id, sent_at);
CREATE TABLE IF NOT EXISTS reaction (
	message_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	sender_user_id TEXT NOT NULL,
	emoji TEXT NOT NULL,
	PRIMARY KEY (message_id, conversation_id, sender_user_id)
);
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value BLOB
);
`

// Open opens or creates a SQLite store at the given path. selfUserID is the
// local account's user id; membership checks and system message authorship
// use it.
func Open(dbPath, selfUserID string) (*Store, error) {
	if selfUserID == "" {
		return nil, fmt.Errorf("store: empty self user id")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// One writer at a time; a single pooled connection avoids SQLITE_BUSY
	// when handlers race on the store.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db, self: selfUserID}, nil
}

// SelfUserID returns the local account's user id.
func (s *Store) SelfUserID() string { return s.self }

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
