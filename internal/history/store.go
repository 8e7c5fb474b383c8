// Package history implements the History Store of spec §4.A: an
// append-only, queryable buffer of recent chat messages backed by an
// embedded SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Message is a persisted chat line, as returned by every read operation.
type Message struct {
	ID          string
	RoomID      string
	UserID      string
	DisplayName string
	Text        string
	Mentions    []string
	Ts          int64 // milliseconds since epoch
}

// ErrStorageUnavailable wraps the underlying I/O error for a failed append,
// per spec's StorageUnavailable failure mode.
type ErrStorageUnavailable struct {
	Err error
}

func (e *ErrStorageUnavailable) Error() string {
	return fmt.Sprintf("history store unavailable: %v", e.Err)
}

func (e *ErrStorageUnavailable) Unwrap() error { return e.Err }

// Store is the History Store. It owns all Message rows and is the system's
// single source of truth for message ordering.
type Store struct {
	db *sql.DB

	perRoomCap int
	ttl        time.Duration

	// entropy mints message ids. Append is called concurrently from every
	// connection's read pump, and ulid.MonotonicEntropy is not safe for
	// concurrent use on its own, so the reader is wrapped with
	// ulid.LockedMonotonicReader to serialize access.
	entropy ulid.MonotonicReader
}

// appendGuardMultiplier bounds how far a room's row count can run ahead of
// perRoomCap between periodic sweeps before Append trims it inline.
const appendGuardMultiplier = 3

// Open creates (or reuses) a WAL-journaled SQLite database at path and
// ensures the message table and indexes exist.
func Open(path string, perRoomCap int, ttl time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer semantics; sqlite serializes writers anyway

	s := &Store{
		db:         db,
		perRoomCap: perRoomCap,
		ttl:        ttl,
		entropy:    &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(ulidEntropySource(), 0)},
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	text TEXT NOT NULL,
	mentions TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append assigns an id and timestamp to a new message, persists it, and
// returns the assembled record. It fails with ErrStorageUnavailable only on
// underlying I/O failure.
func (s *Store) Append(ctx context.Context, roomID, userID, displayName, text string, mentions []string) (Message, error) {
	now := time.Now()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	ts := now.UnixMilli()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, user_id, display_name, text, mentions, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, roomID, userID, displayName, text, encodeMentions(mentions), ts,
	)
	if err != nil {
		return Message{}, &ErrStorageUnavailable{Err: err}
	}

	s.guardRoom(ctx, roomID)

	return Message{
		ID:          id,
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Text:        text,
		Mentions:    mentions,
		Ts:          ts,
	}, nil
}

// guardRoom trims a single room inline when its row count has run well past
// perRoomCap, as a backstop between periodic Sweep runs. It never fails the
// append that triggered it.
func (s *Store) guardRoom(ctx context.Context, roomID string) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&count); err != nil {
		return
	}
	if count <= s.perRoomCap*appendGuardMultiplier {
		return
	}

	s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE room_id = ? ORDER BY ts DESC, id DESC LIMIT ?
		)`, roomID, roomID, s.perRoomCap)
}

// Recent returns up to limit most recent rows for the room, oldest-first.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, display_name, text, mentions, ts FROM messages
		 WHERE room_id = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, &ErrStorageUnavailable{Err: err}
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// Since returns every row for the room with ts > tsExclusive, oldest-first.
func (s *Store) Since(ctx context.Context, roomID string, tsExclusive int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, display_name, text, mentions, ts FROM messages
		 WHERE room_id = ? AND ts > ? ORDER BY ts ASC, id ASC`,
		roomID, tsExclusive,
	)
	if err != nil {
		return nil, &ErrStorageUnavailable{Err: err}
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Before returns up to limit rows with id strictly preceding idExclusive,
// oldest-first, for back-pagination.
func (s *Store) Before(ctx context.Context, roomID, idExclusive string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, display_name, text, mentions, ts FROM messages
		 WHERE room_id = ? AND id < ? ORDER BY id DESC LIMIT ?`,
		roomID, idExclusive, limit,
	)
	if err != nil {
		return nil, &ErrStorageUnavailable{Err: err}
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// SweepResult reports how many rows a sweep removed, by reason.
type SweepResult struct {
	TTLDeleted int64
	CapDeleted int64
}

// Sweep applies the retention policy: removes rows older than the
// configured TTL, then trims every room down to its per-room cap.
func (s *Store) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	cutoff := now.Add(-s.ttl).UnixMilli()

	ttlRes, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff)
	if err != nil {
		return SweepResult{}, &ErrStorageUnavailable{Err: err}
	}
	ttlDeleted, _ := ttlRes.RowsAffected()

	capRes, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY room_id ORDER BY ts DESC, id DESC) AS rn
				FROM messages
			) ranked
			WHERE rn > ?
		)`, s.perRoomCap)
	if err != nil {
		return SweepResult{TTLDeleted: ttlDeleted}, &ErrStorageUnavailable{Err: err}
	}
	capDeleted, _ := capRes.RowsAffected()

	return SweepResult{TTLDeleted: ttlDeleted, CapDeleted: capDeleted}, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var mentions string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.DisplayName, &m.Text, &mentions, &m.Ts); err != nil {
			return nil, &ErrStorageUnavailable{Err: err}
		}
		m.Mentions = decodeMentions(mentions)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrStorageUnavailable{Err: err}
	}
	return msgs, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
