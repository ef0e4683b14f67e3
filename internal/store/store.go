// Package store is the durable local store backing the sync engine:
// conversations, events, attendees, messages and the sync queue itself.
// It runs on an embedded SQLite database so queued operations and id
// remaps survive process restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups for entities that do not exist locally.
var ErrNotFound = errors.New("store: not found")

// Store provides CRUD over the local database. All writes go through the
// single connection SQLite allows; callers serialize mutations through the
// sync processor.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the local database at path and applies
// the schema. WAL mode keeps readers unblocked during queue writes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	// SQLite allows one writer; everything above serializes through the
	// processor anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure local store: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS attendees (
			id         TEXT PRIMARY KEY,
			media_id   TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			phone      TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name  TEXT NOT NULL DEFAULT '',
			user_name  TEXT NOT NULL DEFAULT '',
			friend     INTEGER NOT NULL DEFAULT 0,
			registered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL DEFAULT '',
			title       TEXT NOT NULL DEFAULT '',
			location    TEXT NOT NULL DEFAULT '',
			start_time  INTEGER NOT NULL DEFAULT 0,
			end_time    INTEGER NOT NULL DEFAULT 0,
			create_time INTEGER NOT NULL DEFAULT 0,
			creator_id  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS event_attendees (
			event_id    TEXT NOT NULL,
			attendee_id TEXT NOT NULL,
			PRIMARY KEY (event_id, attendee_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			event_id    TEXT NOT NULL DEFAULT '',
			title       TEXT NOT NULL DEFAULT '',
			creator_id  TEXT NOT NULL DEFAULT '',
			sync_needed INTEGER NOT NULL DEFAULT 0,
			miss_count  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_attendees (
			conversation_id TEXT NOT NULL,
			attendee_id     TEXT NOT NULL,
			PRIMARY KEY (conversation_id, attendee_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			body            TEXT NOT NULL DEFAULT '',
			timestamp       INTEGER NOT NULL DEFAULT 0,
			acked           INTEGER NOT NULL DEFAULT 0,
			attachments     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS sync_items (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id   TEXT NOT NULL,
			item_type TEXT NOT NULL,
			channel   TEXT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}
