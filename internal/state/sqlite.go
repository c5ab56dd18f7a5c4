package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	docHashes = "hashes"
	docEdits  = "edits"
)

// SQLiteStore keeps both documents as JSON rows in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at dbPath and ensures the schema.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// one writer at a time; the engine never needs more
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		name TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		body JSON NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadHashes(ctx context.Context) (*HashCache, error) {
	c := NewHashCache()
	found, err := s.load(ctx, docHashes, c)
	if err != nil || !found {
		return NewHashCache(), err
	}
	if c.Hashes == nil {
		c.Hashes = make(map[string]HashEntry)
	}
	return c, nil
}

func (s *SQLiteStore) SaveHashes(ctx context.Context, c *HashCache) error {
	return s.save(ctx, docHashes, c.SchemaVersion, c)
}

func (s *SQLiteStore) LoadEdits(ctx context.Context) (*UserEditCache, error) {
	c := NewUserEditCache()
	found, err := s.load(ctx, docEdits, c)
	if err != nil || !found {
		return NewUserEditCache(), err
	}
	if c.Edits == nil {
		c.Edits = make(map[string]UserEdit)
	}
	return c, nil
}

func (s *SQLiteStore) SaveEdits(ctx context.Context, c *UserEditCache) error {
	return s.save(ctx, docEdits, c.SchemaVersion, c)
}

func (s *SQLiteStore) load(ctx context.Context, name string, v any) (bool, error) {
	var (
		version int
		body    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, body FROM documents WHERE name = ?`, name).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %s: %w", name, err)
	}
	if version != SchemaVersion {
		return false, fmt.Errorf("%s: got %d want %d: %w", name, version, SchemaVersion, ErrSchemaMismatch)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

func (s *SQLiteStore) save(ctx context.Context, name string, version int, v any) error {
	if version == 0 {
		version = SchemaVersion
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (name, schema_version, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schema_version = excluded.schema_version,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		name, version, string(body), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", name, err)
	}
	return nil
}
