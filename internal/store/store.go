// Package store はデータベース接続の初期化とマイグレーションの適用を担当します。
// SQLite（ローカル・小規模運用）と PostgreSQL（本番運用）の2つのドライバをサポートします。
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/yourusername/task-forge/internal/store/migrations"
)

// DBTX は *sql.DB と *sql.Tx の共通部分を抽象化したインターフェースです。
// リポジトリはこのインターフェースに依存することで、トランザクション内外の
// どちらでも同じコードで動作します。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite はSQLiteデータベースを開き、接続プールとPRAGMAを設定します。
// PRAGMAはDSNに埋め込むことでプール内の全コネクションに適用されます。
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path

	// synchronous=NORMAL はWALモードでは安全で、高速に動作する
	if !strings.Contains(dsn, "synchronous") {
		dsn = appendPragma(dsn, "synchronous=NORMAL")
	}

	// ロック待ちのための busy_timeout
	if !strings.Contains(dsn, "busy_timeout") {
		dsn = appendPragma(dsn, "busy_timeout=5000")
	}

	// 外部キー制約を有効化（todos.user_id の整合性に必要）
	if !strings.Contains(dsn, "foreign_keys") {
		dsn = appendPragma(dsn, "foreign_keys=ON")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// 書き込みは busy_timeout で直列化されるため、読み取り並行度だけ確保する
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)

	// WALモードはデータベースファイルに対して永続的なので一度実行すれば十分
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

func appendPragma(dsn, pragma string) string {
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=%s", dsn, separator, pragma)
}

// OpenPostgres はPostgreSQLデータベースを開き、接続を確認します。
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

// Migrate は埋め込みマイグレーションを適用します。
// driver には "sqlite" または "postgres" を指定します。
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	goose.SetBaseFS(migrations.Migrations)

	var dialect string
	switch driver {
	case "sqlite":
		dialect = "sqlite3"
	case "postgres":
		dialect = "pgx"
	default:
		return fmt.Errorf("unknown database driver %q", driver)
	}

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
