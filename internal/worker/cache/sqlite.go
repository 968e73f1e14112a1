package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type sqliteStore struct {
	db *sqlx.DB
}

type sqliteEntryRow struct {
	Key      string    `db:"key"`
	Method   string    `db:"method"`
	URL      string    `db:"url"`
	Status   int       `db:"status"`
	Header   string    `db:"header"`
	Body     []byte    `db:"body"`
	StoredAt time.Time `db:"stored_at"`
}

// NewSQLite opens (or creates) a single-file store and applies pending schema
// migrations. WAL mode keeps concurrent readers off the writer's back; a
// single connection serializes writes the way the backing file requires.
func NewSQLite(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("cache: sqlite path required")
	}

	db, err := sqlx.Connect("sqlite", fmt.Sprintf("%s?_journal=WAL&_timeout=5000&_fk=true", path))
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite connect: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: sqlite enable foreign keys: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: sqlite set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: sqlite migrate: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Open(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_versions (version) VALUES (?) ON CONFLICT (version) DO NOTHING`, version)
	if err != nil {
		return fmt.Errorf("cache: sqlite open version: %w", err)
	}
	return nil
}

func (s *sqliteStore) Put(ctx context.Context, version, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("cache: sqlite marshal header: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (version, key, method, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (version, key) DO UPDATE SET
		   method = excluded.method, url = excluded.url, status = excluded.status,
		   header = excluded.header, body = excluded.body, stored_at = excluded.stored_at`,
		version, key, entry.Method, entry.URL, entry.Status, string(header), entry.Body, entry.StoredAt)
	if err != nil {
		return fmt.Errorf("cache: sqlite put: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, version, key string) (Entry, bool, error) {
	var row sqliteEntryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT key, method, url, status, header, body, stored_at
		 FROM cache_entries WHERE version = ? AND key = ?`, version, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite get: %w", err)
	}

	var header http.Header
	if err := json.Unmarshal([]byte(row.Header), &header); err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite unmarshal header: %w", err)
	}
	return Entry{
		Method:   row.Method,
		URL:      row.URL,
		Status:   row.Status,
		Header:   header,
		Body:     row.Body,
		StoredAt: row.StoredAt,
	}, true, nil
}

func (s *sqliteStore) Keys(ctx context.Context, version string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT key FROM cache_entries WHERE version = ? ORDER BY rowid`, version)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite keys: %w", err)
	}
	return keys, nil
}

func (s *sqliteStore) Versions(ctx context.Context) ([]string, error) {
	var versions []string
	err := s.db.SelectContext(ctx, &versions,
		`SELECT version FROM cache_versions ORDER BY created_at, version`)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite versions: %w", err)
	}
	return versions, nil
}

func (s *sqliteStore) Delete(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_versions WHERE version = ?`, version)
	if err != nil {
		return fmt.Errorf("cache: sqlite delete version: %w", err)
	}
	return nil
}

func (s *sqliteStore) Size(ctx context.Context, version string) (int64, error) {
	var size int64
	err := s.db.GetContext(ctx, &size,
		`SELECT COUNT(*) FROM cache_entries WHERE version = ?`, version)
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite size: %w", err)
	}
	return size, nil
}

func (s *sqliteStore) Close(_ context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: sqlite close: %w", err)
	}
	return nil
}
