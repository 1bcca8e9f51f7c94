package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"icap"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL DEFAULT '',
	data       TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore persists sessions in SQLite, surviving server restarts and
// shareable between processes. Session data is stored as JSON, so handlers
// should keep to JSON-representable values.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the session database at
// path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating session db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}

	// WAL keeps readers from blocking the connection goroutines.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the session for id, creating an empty one if needed.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*icap.Session, error) {
	var rawURL, rawData string
	err := s.db.QueryRowContext(ctx,
		"SELECT url, data FROM sessions WHERE id = ?", id).Scan(&rawURL, &rawData)
	if errors.Is(err, sql.ErrNoRows) {
		sess := &icap.Session{ID: id, Data: make(map[string]any)}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO sessions (id) VALUES (?) ON CONFLICT(id) DO NOTHING", id); err != nil {
			return nil, fmt.Errorf("creating session %s: %w", id, err)
		}
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	sess := &icap.Session{ID: id, Data: make(map[string]any)}
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil {
			sess.URL = u
		}
	}
	if err := json.Unmarshal([]byte(rawData), &sess.Data); err != nil {
		return nil, fmt.Errorf("decoding session %s data: %w", id, err)
	}
	return sess, nil
}

// Save upserts the session row with the current URL and data.
func (s *SQLiteStore) Save(ctx context.Context, sess *icap.Session) error {
	data, err := json.Marshal(sess.Data)
	if err != nil {
		return fmt.Errorf("encoding session %s data: %w", sess.ID, err)
	}
	rawURL := ""
	if sess.URL != nil {
		rawURL = sess.URL.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, url, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, data = excluded.data`,
		sess.ID, rawURL, string(data))
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

// Finalize deletes the session for id.
func (s *SQLiteStore) Finalize(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("finalizing session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
