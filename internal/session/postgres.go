package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresBackend はPostgreSQLにセッションレコードを保存します。
type PostgresBackend struct {
	db          *sql.DB
	saveStmt    *sql.Stmt
	getStmt     *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
}

// NewPostgresBackend はセッションテーブルを用意し、バックエンドを作成します。
// dbの所有権は呼び出し側に残ります。
func NewPostgresBackend(db *sql.DB) (*PostgresBackend, error) {
	// pgxの拡張プロトコルは複文を受け付けないため1文ずつ実行する
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			data BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create sessions table: %w", err)
		}
	}

	b := &PostgresBackend{db: db}

	var err error
	b.saveStmt, err = db.Prepare(`
		INSERT INTO sessions (id, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare save statement: %w", err)
	}

	b.getStmt, err = db.Prepare(
		"SELECT data, created_at, expires_at FROM sessions WHERE id = $1 AND expires_at > $2")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare get statement: %w", err)
	}

	b.deleteStmt, err = db.Prepare("DELETE FROM sessions WHERE id = $1")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	b.cleanupStmt, err = db.Prepare("DELETE FROM sessions WHERE expires_at < $1")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return b, nil
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (*Record, error) {
	record := &Record{ID: id}

	err := b.getStmt.QueryRowContext(ctx, id, time.Now()).Scan(
		&record.Data, &record.CreatedAt, &record.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	return record, nil
}

func (b *PostgresBackend) Save(ctx context.Context, record *Record) error {
	_, err := b.saveStmt.ExecContext(ctx,
		record.ID, record.Data, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.deleteStmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Cleanup(ctx context.Context) error {
	if _, err := b.cleanupStmt.ExecContext(ctx, time.Now()); err != nil {
		return fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return nil
}

// Close は準備済みステートメントを解放します。dbは閉じません。
func (b *PostgresBackend) Close() error {
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
