package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLiteBackend はSQLiteにセッションレコードを保存します。
// 書き込みは SQLITE_BUSY を避けるためミューテックスで直列化します。
type SQLiteBackend struct {
	db          *sql.DB
	mu          sync.Mutex
	saveStmt    *sql.Stmt
	getStmt     *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
}

// NewSQLiteBackend はセッションテーブルを用意し、バックエンドを作成します。
// dbの所有権は呼び出し側に残ります。
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	ddl := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		data BLOB,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	b := &SQLiteBackend{db: db}

	var err error
	b.saveStmt, err = db.Prepare(`
		INSERT INTO sessions (id, data, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			expires_at = excluded.expires_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare save statement: %w", err)
	}

	b.getStmt, err = db.Prepare(
		"SELECT data, created_at, expires_at FROM sessions WHERE id = ? AND expires_at > ?")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare get statement: %w", err)
	}

	b.deleteStmt, err = db.Prepare("DELETE FROM sessions WHERE id = ?")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	b.cleanupStmt, err = db.Prepare("DELETE FROM sessions WHERE expires_at < ?")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return b, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (*Record, error) {
	record := &Record{ID: id}

	err := b.getStmt.QueryRowContext(ctx, id, time.Now()).Scan(
		&record.Data, &record.CreatedAt, &record.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // 存在しない、または期限切れ
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	return record, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, record *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.saveStmt.ExecContext(ctx,
		record.ID, record.Data, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.deleteStmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.cleanupStmt.ExecContext(ctx, time.Now()); err != nil {
		return fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return nil
}

// Close は準備済みステートメントを解放します。dbは閉じません。
func (b *SQLiteBackend) Close() error {
	var firstErr error
	for _, stmt := range []*sql.Stmt{b.saveStmt, b.getStmt, b.deleteStmt, b.cleanupStmt} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
