package driftsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteBackend implements StorageBackend using a single SQLite database
// file. Records live in one keyed table so versions, events, snapshots, and
// queue state can be inspected with standard SQLite tools.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
	existsStmt *sql.Stmt
	listStmt   *sql.Stmt
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_records (
    key        TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_records_updated ON sync_records(updated_at);
`

// NewSQLiteBackend creates a new SQLite-based storage backend.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) prepareStatements() error {
	var err error
	if b.insertStmt, err = b.db.Prepare(
		`INSERT INTO sync_records (key, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`); err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	if b.selectStmt, err = b.db.Prepare(`SELECT data FROM sync_records WHERE key = ?`); err != nil {
		return fmt.Errorf("prepare select: %w", err)
	}
	if b.deleteStmt, err = b.db.Prepare(`DELETE FROM sync_records WHERE key = ?`); err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	if b.existsStmt, err = b.db.Prepare(`SELECT 1 FROM sync_records WHERE key = ?`); err != nil {
		return fmt.Errorf("prepare exists: %w", err)
	}
	if b.listStmt, err = b.db.Prepare(
		`SELECT key FROM sync_records WHERE key LIKE ? ESCAPE '\' ORDER BY key`); err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var data []byte
	err := b.selectStmt.QueryRowContext(ctx, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, os.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read %q: %w", key, err)
	}
	return data, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, key string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	_, err := b.insertStmt.ExecContext(ctx, key, data, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite write %q: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	if _, err := b.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("sqlite delete %q: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	rows, err := b.listStmt.QueryContext(ctx, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("sqlite list %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

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

func (b *SQLiteBackend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, ErrClosed
	}

	var one int
	err := b.existsStmt.QueryRowContext(ctx, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite exists %q: %w", key, err)
	}
	return true, nil
}

func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, stmt := range []*sql.Stmt{b.insertStmt, b.selectStmt, b.deleteStmt, b.existsStmt, b.listStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return b.db.Close()
}

// escapeLike escapes LIKE wildcards so key prefixes match literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
