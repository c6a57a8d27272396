// Package deadletter keeps events that could not be published in a local
// sqlite database until they are replayed.
package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/memokeeper/internal/stream"
)

const schemaVersion = 1

// Letter is one stored event.
type Letter struct {
	ID         int64
	EventID    string
	EventType  string
	ChatID     int64
	Reason     string
	Payload    []byte
	Error      string
	Attempts   int
	CreatedAt  time.Time
	ReplayedAt *time.Time
}

// Event decodes the stored payload.
func (l Letter) Event() (stream.Event, error) {
	return stream.Unmarshal(l.EventType, l.Payload)
}

type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			reason TEXT NOT NULL,
			payload TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			replayed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_pending ON dead_letters(replayed_at, id)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put stores ev. Storing the same event again bumps its attempt counter and
// makes it pending again.
func (s *Store) Put(ctx context.Context, ev stream.Event, cause error) error {
	if ev == nil {
		return errors.New("dead letter: nil event")
	}
	payload, err := stream.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	reason := string(stream.KindUnavailable)
	var pe *stream.PublishError
	if errors.As(cause, &pe) {
		reason = string(pe.Kind)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, event_type, chat_id, reason, payload, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			reason = excluded.reason,
			payload = excluded.payload,
			error = excluded.error,
			attempts = dead_letters.attempts + 1,
			replayed_at = NULL
	`, ev.ID(), ev.Kind(), ev.PartitionKey(), reason, string(payload), msg, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

// Pending returns up to limit letters not yet replayed, oldest first.
// Rejected letters are skipped since republishing them cannot succeed.
func (s *Store) Pending(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, chat_id, reason, payload, error, attempts, created_at, replayed_at
		FROM dead_letters
		WHERE replayed_at IS NULL AND reason != ?
		ORDER BY id ASC
		LIMIT ?
	`, string(stream.KindRejected), limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()
	return scanLetters(rows)
}

// List returns the most recent letters, replayed or not.
func (s *Store) List(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, chat_id, reason, payload, error, attempts, created_at, replayed_at
		FROM dead_letters
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return scanLetters(rows)
}

func (s *Store) MarkReplayed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET replayed_at = ? WHERE id = ?`, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark replayed: no dead letter %d", id)
	}
	return nil
}

// SetReason changes why a letter is stored.
func (s *Store) SetReason(ctx context.Context, id int64, kind stream.ErrorKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET reason = ? WHERE id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("set reason: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set reason: no dead letter %d", id)
	}
	return nil
}

// Count returns the number of pending letters.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dead_letters WHERE replayed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Purge deletes replayed letters older than before.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE replayed_at IS NOT NULL AND replayed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

func scanLetters(rows *sql.Rows) ([]Letter, error) {
	var out []Letter
	for rows.Next() {
		var (
			l        Letter
			payload  string
			created  int64
			replayed sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.EventID, &l.EventType, &l.ChatID, &l.Reason, &payload, &l.Error, &l.Attempts, &created, &replayed); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		l.Payload = []byte(payload)
		l.CreatedAt = time.UnixMilli(created)
		if replayed.Valid {
			t := time.UnixMilli(replayed.Int64)
			l.ReplayedAt = &t
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}
