package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Table names for the SQLite backend.
const (
	cacheNamesTable   = "shellcache_names"
	cacheEntriesTable = "shellcache_entries"

	sqliteFileName = "caches.db"
)

type sqliteStorage struct {
	db *sql.DB
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

// NewSQLiteStorage 在 dir 下打开（或创建）caches.db，所有具名缓存共用一个数据库文件。
func NewSQLiteStorage(dir string) (Storage, error) {
	if dir == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dbPath := filepath.Join(dir, sqliteFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database at %q: %w", dbPath, err)
	}
	// Limit SQLite to a single open connection to avoid "database is locked" errors
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}
	if err := createCacheTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache tables: %w", err)
	}

	return &sqliteStorage{db: db}, nil
}

func createCacheTables(db *sql.DB) error {
	tables := []struct {
		name  string
		query string
	}{
		{cacheNamesTable, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				created_at INTEGER NOT NULL
			);
		`, cacheNamesTable)},
		{cacheEntriesTable, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				cache_name TEXT NOT NULL,
				url TEXT NOT NULL,
				response BLOB NOT NULL,
				stored_at INTEGER NOT NULL,
				PRIMARY KEY (cache_name, url)
			);
		`, cacheEntriesTable)},
	}

	for _, table := range tables {
		if _, err := db.Exec(table.query); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.name, err)
		}
	}
	return nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ensureCacheName(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Lookup(ctx context.Context, name string) (Store, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE name = ?`, cacheNamesTable)
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT name FROM %s ORDER BY created_at, name`, cacheNamesTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE cache_name = ?`, cacheEntriesTable), name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, cacheNamesTable), name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var (
		wire     []byte
		storedAt int64
	)
	query := fmt.Sprintf(`SELECT response, stored_at FROM %s WHERE cache_name = ? AND url = ?`, cacheEntriesTable)
	err := s.db.QueryRowContext(ctx, query, s.name, key).Scan(&wire, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp, err := DecodeResponse(key, wire)
	if err != nil {
		return nil, err
	}
	resp.StoredAt = time.Unix(0, storedAt).UTC()
	return resp, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, resp *Response) error {
	return s.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (s *sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	encoded := make([][]byte, len(entries))
	for i, entry := range entries {
		if err := validateKey(entry.Key); err != nil {
			return err
		}
		wire, err := EncodeResponse(entry.Response)
		if err != nil {
			return fmt.Errorf("cache entry %s: %w", entry.Key, err)
		}
		encoded[i] = wire
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	exists := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE name = ?`, cacheNamesTable)
	if err := tx.QueryRowContext(ctx, exists, s.name).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrStoreDeleted
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (cache_name, url, response, stored_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_name, url) DO UPDATE SET response = excluded.response, stored_at = excluded.stored_at
	`, cacheEntriesTable)
	now := time.Now().UTC()
	for i, entry := range entries {
		stamp := entry.Response.StoredAt
		if stamp.IsZero() {
			stamp = now
		}
		if _, err := tx.ExecContext(ctx, upsert, s.name, entry.Key, encoded[i], stamp.UnixNano()); err != nil {
			return fmt.Errorf("cache entry %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE cache_name = ? AND url = ?`, cacheEntriesTable)
	result, err := s.db.ExecContext(ctx, query, s.name, key)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT url FROM %s WHERE cache_name = ? ORDER BY rowid`, cacheEntriesTable)
	rows, err := s.db.QueryContext(ctx, query, s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureCacheName(ctx context.Context, db execer, name string) error {
	query := fmt.Sprintf(`INSERT INTO %s (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`, cacheNamesTable)
	_, err := db.ExecContext(ctx, query, name, time.Now().UnixNano())
	return err
}
