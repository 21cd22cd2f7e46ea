// Package history persists finished meeting notes in a local SQLite
// database, scoped per user.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Note is one saved meeting note.
type Note struct {
	ID         string
	UserID     string
	Title      string
	Transcript string
	Summary    string
	CreatedAt  time.Time
}

// Store provides note persistence on SQLite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	transcript TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_user_created ON notes (user_id, created_at DESC);
`

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts a note. A missing ID, title or timestamp is filled in.
func (s *Store) Save(ctx context.Context, note *Note) error {
	if note.UserID == "" {
		return fmt.Errorf("save note: user id is required")
	}
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	if note.Title == "" {
		note.Title = deriveTitle(note.Transcript, note.CreatedAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, user_id, title, transcript, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, note.ID, note.UserID, note.Title, note.Transcript, note.Summary, note.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// ListByUser returns the user's notes, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, transcript, summary, created_at
		FROM notes
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Transcript, &n.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.CreatedAt = time.Unix(createdAt, 0)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Get returns one note by id, scoped to the user. A missing note yields
// sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, userID, id string) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, transcript, summary, created_at
		FROM notes
		WHERE user_id = ? AND id = ?
	`, userID, id)

	var n Note
	var createdAt int64
	if err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Transcript, &n.Summary, &createdAt); err != nil {
		return nil, err
	}
	n.CreatedAt = time.Unix(createdAt, 0)
	return &n, nil
}

// Delete removes one note by id, scoped to the user.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// deriveTitle produces a title from the transcript's opening words.
func deriveTitle(transcript string, createdAt time.Time) string {
	words := strings.Fields(transcript)
	if len(words) == 0 {
		return "Catatan " + createdAt.Format("2006-01-02 15:04")
	}
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
