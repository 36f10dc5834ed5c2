// Package store persists events that failed to send so they survive
// process restarts. It is best-effort durability, not a source of truth:
// every operational failure (quota, corruption, locked database) is
// logged and swallowed, and the delivery engine proceeds as if the write
// silently failed.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"

	"github.com/pulsekit/pulsekit/event"
)

// DefaultBufferSize is the number of pending writes coalesced before an
// implicit flush.
const DefaultBufferSize = 20

const schema = `
CREATE TABLE IF NOT EXISTS offline_events (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	checksum   BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

// Store is a sqlite-backed offline event store with write coalescing.
// Adds land in an in-memory buffer and reach disk when the buffer fills,
// on ForceFlush, or implicitly before any read.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	buffer  []*event.Event
	bufSize int
}

// Options configure the store.
type Options struct {
	BufferSize int
	Logger     *slog.Logger
}

// Open creates or opens the store at the given path.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		logger:  logger.With("component", "store"),
		bufSize: opts.BufferSize,
	}, nil
}

// Add buffers the events for persistence. The write reaches disk once the
// buffer fills or on the next ForceFlush/All.
func (s *Store) Add(events []*event.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, events...)
	if len(s.buffer) >= s.bufSize {
		s.flushLocked()
	}
}

// ForceFlush drains the write buffer to disk immediately. Required on
// shutdown and hand-off paths.
func (s *Store) ForceFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Store) flushLocked() {
	if len(s.buffer) == 0 {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Warn("offline flush failed", "error", err)
		s.buffer = nil
		return
	}
	now := time.Now().UnixMilli()
	for _, ev := range s.buffer {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("offline marshal failed", "event_id", ev.ID, "error", err)
			continue
		}
		sum := blake2b.Sum256(payload)
		if _, err := tx.Exec(
			`INSERT INTO offline_events (id, name, timestamp, payload, checksum, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			ev.ID, ev.Name, ev.Timestamp, payload, sum[:], now,
		); err != nil {
			s.logger.Warn("offline insert failed", "event_id", ev.ID, "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("offline commit failed", "error", err)
	}
	s.buffer = nil
}

// All returns every persisted event, flushing pending writes first. Rows
// whose checksum no longer matches their payload are dropped and purged.
func (s *Store) All() []*event.Event {
	s.mu.Lock()
	s.flushLocked()
	s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, payload, checksum FROM offline_events ORDER BY created_at, id`)
	if err != nil {
		s.logger.Warn("offline scan failed", "error", err)
		return nil
	}
	defer rows.Close()

	var events []*event.Event
	var corrupt []string
	for rows.Next() {
		var id string
		var payload, checksum []byte
		if err := rows.Scan(&id, &payload, &checksum); err != nil {
			s.logger.Warn("offline row scan failed", "error", err)
			continue
		}

		sum := blake2b.Sum256(payload)
		if string(sum[:]) != string(checksum) {
			corrupt = append(corrupt, id)
			continue
		}

		var ev event.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("offline scan failed", "error", err)
	}

	if len(corrupt) > 0 {
		s.logger.Warn("purging corrupt offline rows", "count", len(corrupt))
		s.Delete(corrupt)
	}
	return events
}

// Delete removes the rows with the given event ids.
func (s *Store) Delete(ids []string) {
	if len(ids) == 0 {
		return
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec(
		`DELETE FROM offline_events WHERE id IN (`+placeholders+`)`, args...,
	); err != nil {
		s.logger.Warn("offline delete failed", "error", err)
	}
}

// Clear drops all persisted events and any buffered writes.
func (s *Store) Clear() {
	s.mu.Lock()
	s.buffer = nil
	s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM offline_events`); err != nil {
		s.logger.Warn("offline clear failed", "error", err)
	}
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.ForceFlush()
	return s.db.Close()
}
