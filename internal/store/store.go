// Package store persists chat transcripts in SQLite.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"StreamChat/internal/session"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time DATETIME
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	author TEXT,
	text TEXT,
	failed INTEGER,
	created_at DATETIME,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);`

// SessionSummary describes a stored session.
type SessionSummary struct {
	ID           string
	StartTime    time.Time
	MessageCount int
}

// Store is a transcript database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and creates if needed) the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create tables")
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession records a session once; later calls are no-ops.
func (s *Store) SaveSession(ctx context.Context, id string, start time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, start_time) VALUES (?, ?)",
		id, start,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save session")
	}
	return nil
}

// SaveMessage inserts or replaces a finalized message.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg session.Message) error {
	if msg.IsStreaming {
		return errors.Errorf("message %s is still streaming", msg.ID)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO messages (id, session_id, author, text, failed, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, sessionID, string(msg.Author), msg.Text, msg.Failed, msg.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save message")
	}
	return nil
}

// LoadMessages returns the stored messages of a session in chronological order.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	var start time.Time
	err := s.db.QueryRowContext(ctx, "SELECT start_time FROM sessions WHERE id = ?", sessionID).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, author, text, failed, created_at FROM messages WHERE session_id = ? ORDER BY created_at, id",
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load messages")
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var msg session.Message
		var author string
		if err := rows.Scan(&msg.ID, &author, &msg.Text, &msg.Failed, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		msg.Author = session.Author(author)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read messages")
	}
	return messages, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_time,
			(SELECT COUNT(*) FROM messages WHERE messages.session_id = sessions.id)
		FROM sessions
		ORDER BY start_time DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ID, &sum.StartTime, &sum.MessageCount); err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
