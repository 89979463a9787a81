package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/any-hub/shellcache/internal/metrics"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_stores (
  name       TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
  store     TEXT NOT NULL,
  method    TEXT NOT NULL,
  url       TEXT NOT NULL,
  status    INTEGER NOT NULL,
  header    TEXT NOT NULL,
  body      BLOB NOT NULL,
  type      TEXT NOT NULL,
  stored_at INTEGER NOT NULL,
  PRIMARY KEY (store, method, url)
);`

// NewSQLiteStorage 打开（或创建）单文件 SQLite 缓存库并初始化表结构。
func NewSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写事务，避免后台回写与预缓存事务互相 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ensureSQLiteStore(ctx, s.db, name); err != nil {
		metrics.StorageErrors.WithLabelValues("sqlite", "open").Inc()
		return nil, err
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureSQLiteStore(ctx context.Context, db sqlExecer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_stores (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert cache store: %w", err)
	}
	return nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("sqlite", "names").Inc()
		return nil, fmt.Errorf("list cache stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache store: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cache_stores WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup cache store: %w", err)
	}
	return count > 0, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store = ?`, name); err != nil {
		metrics.StorageErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, fmt.Errorf("delete cache entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, fmt.Errorf("delete cache store: %w", err)
	}
	affected, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, key Key) (*Entry, error) {
	var (
		header   string
		storedAt int64
		entry    = Entry{Key: key}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, type, stored_at FROM cache_entries
		  WHERE store = ? AND method = ? AND url = ?`,
		s.name, key.Method, key.URL,
	).Scan(&entry.Status, &header, &entry.Body, &entry.Type, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		metrics.StorageErrors.WithLabelValues("sqlite", "match").Inc()
		return nil, fmt.Errorf("select cache entry: %w", err)
	}

	entry.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	entry.StoredAt = time.UnixMilli(storedAt).UTC()
	return &entry, nil
}

func (s *sqliteStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

// PutAll 在单个事务内写入全部条目。
func (s *sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	if err := ensureSQLiteStore(ctx, tx, s.name); err != nil {
		return err
	}
	for _, entry := range entries {
		entry.stamp()
		header, err := json.Marshal(entry.Header)
		if err != nil {
			return fmt.Errorf("marshal header: %w", err)
		}
		body := entry.Body
		if body == nil {
			body = []byte{}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cache_entries (store, method, url, status, header, body, type, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.name, entry.Key.Method, entry.Key.URL, entry.Status, string(header), body, entry.Type,
			entry.StoredAt.UTC().UnixMilli(),
		)
		if err != nil {
			metrics.StorageErrors.WithLabelValues("sqlite", "put").Inc()
			return fmt.Errorf("insert cache entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		metrics.StorageErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE store = ? ORDER BY method, url`, s.name)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}
