package tweetwatch

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// WatermarkStore persists the watermark across restarts. Without one, a
// restart bootstraps the watermark from the newest post again.
type WatermarkStore interface {
	// Load returns the stored watermark for key, or "" if none.
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, id string) error
	Close() error
}

const watermarkSchema = `
CREATE TABLE IF NOT EXISTS watermark (
	query_key  TEXT PRIMARY KEY,
	since_id   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

type sqliteStore struct {
	db *sql.DB
}

// OpenStore opens the sqlite watermark store at path, creating it if
// needed. It returns (nil, nil) when path is empty.
func OpenStore(ctx context.Context, path string) (WatermarkStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "error creating state directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening state database %s", path)
	}
	// One writer: this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	if _, err := db.ExecContext(ctx, watermarkSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "error creating watermark table")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Load(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT since_id FROM watermark WHERE query_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "error loading watermark")
	}
	return id, nil
}

func (s *sqliteStore) Save(ctx context.Context, key, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermark(query_key, since_id, updated_at) VALUES(?,?,?)
		 ON CONFLICT(query_key) DO UPDATE SET since_id=excluded.since_id, updated_at=excluded.updated_at`,
		key, id, time.Now().UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "error saving watermark")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
