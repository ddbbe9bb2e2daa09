package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore implements Store on a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	hub    *watchHub
	now    func() time.Time
}

// NewSQLiteStore creates a store instance. Call Open before use.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{
		logger: logger,
		hub:    newWatchHub(logger),
		now:    time.Now,
	}
}

// NewSQLiteStoreFromDB wraps an already opened database. Migrations are
// not run.
func NewSQLiteStoreFromDB(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	s := NewSQLiteStore(logger)
	s.db = db
	return s
}

// Open opens the database at path, creating parent directories, and runs
// migrations. Use ":memory:" for an in-memory store.
func (s *SQLiteStore) Open(path string) error {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("failed to create cache directory: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one connection keeps ":memory:" a single database and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	s.logger.Debug("cache store opened", "path", path)
	return nil
}

// Path returns the database path passed to Open.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close stops watcher dispatch and closes the database.
func (s *SQLiteStore) Close() error {
	s.hub.close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the record stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rec := &Record{URL: key}
	var headers string
	var created, modified int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version, content, headers, digest, created_at, modified_at FROM records WHERE url = ?`,
		key,
	).Scan(&rec.Version, &rec.Content, &headers, &rec.Digest, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	if digestOf(rec.Content) != rec.Digest {
		s.logger.Warn("discarding corrupted cache record", "url", key)
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to discard corrupted record", "url", key, "error", err)
		}
		return nil, fmt.Errorf("%s: %w", key, ErrIntegrity)
	}

	if err := json.Unmarshal([]byte(headers), &rec.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.ModifiedAt = time.UnixMilli(modified)
	return rec, nil
}

// Put inserts or replaces a record in one transaction, then notifies
// watchers.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if rec == nil || rec.URL == "" {
		return fmt.Errorf("record url is required")
	}

	headers, err := json.Marshal(nonNilHeaders(rec.Headers))
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevVersion int
	var prevCreated int64
	kind := ChangeModify
	err = tx.QueryRowContext(ctx,
		`SELECT version, created_at FROM records WHERE url = ?`, rec.URL,
	).Scan(&prevVersion, &prevCreated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		kind = ChangeCreate
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = rec.ModifiedAt
		}
	case err != nil:
		return fmt.Errorf("failed to read record version: %w", err)
	default:
		rec.CreatedAt = time.UnixMilli(prevCreated)
	}
	rec.Version = max(rec.Version, prevVersion+1)
	rec.Digest = digestOf(rec.Content)

	content := rec.Content
	if content == nil {
		content = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (url, version, content, headers, digest, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   version = excluded.version,
		   content = excluded.content,
		   headers = excluded.headers,
		   digest = excluded.digest,
		   modified_at = excluded.modified_at`,
		rec.URL, rec.Version, content, string(headers), rec.Digest,
		rec.CreatedAt.UnixMilli(), rec.ModifiedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}

	s.hub.publish(Event{Kind: kind, Key: rec.URL})
	return nil
}

// Delete removes key. Deleting a missing key is not an error and notifies
// nobody.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE url = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.hub.publish(Event{Kind: ChangeRemove, Key: key})
	}
	return nil
}

// ListKeys returns every key starting with prefix.
func (s *SQLiteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM records WHERE substr(url, 1, length(?)) = ? ORDER BY url`,
		prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Purge deletes every key starting with prefix and returns how many were
// removed.
func (s *SQLiteStore) Purge(ctx context.Context, prefix string) (int, error) {
	keys, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Watch implements Store.
func (s *SQLiteStore) Watch(key string, fn func(Event)) func() {
	return s.hub.add(key, fn)
}

func nonNilHeaders(h []Header) []Header {
	if h == nil {
		return []Header{}
	}
	return h
}
