package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/task-forge/internal/auth"
	"github.com/yourusername/task-forge/internal/config"
	"github.com/yourusername/task-forge/internal/session"
	"github.com/yourusername/task-forge/internal/store"
	"github.com/yourusername/task-forge/internal/todos"
	"github.com/yourusername/task-forge/internal/users"
)

// setupDatabase は設定されたドライバーでデータベースを開き、マイグレー
// ションを適用して各リポジトリを組み立てます。
func setupDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, users.Repository, todos.Repository, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err = store.OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		db, err = store.OpenSQLite(cfg.SQLitePath)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	if err := store.Migrate(ctx, db, cfg.DatabaseDriver); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.DatabaseDriver == "postgres" {
		return db, users.NewPostgresRepository(db), todos.NewPostgresRepository(db), nil
	}
	return db, users.NewSQLiteRepository(db), todos.NewSQLiteRepository(db), nil
}

// setupSessionStore はセッションの保存先を選んでストアを組み立てます。
// SESSION_BACKEND が redis ならRedis、それ以外はメインのデータベースに
// 相乗りします。SQLバックエンドでは期限切れレコードの定期掃除も始めます。
func setupSessionStore(cfg *config.Config, db *sql.DB) (*session.Store, error) {
	var (
		backend      session.Backend
		needsCleanup bool
	)

	switch cfg.SessionBackend {
	case "redis":
		opt, err := redis.ParseURL(cfg.SessionRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SESSION_REDIS_URL: %w", err)
		}
		backend = session.NewRedisBackend(redis.NewClient(opt))
	default:
		var err error
		switch cfg.DatabaseDriver {
		case "postgres":
			backend, err = session.NewPostgresBackend(db)
		default:
			backend, err = session.NewSQLiteBackend(db)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create session backend: %w", err)
		}
		needsCleanup = true
	}

	sessionStore := session.NewStore(backend, []byte(cfg.SessionSecret))
	sessionStore.Options(auth.SessionOptions(cfg))
	if needsCleanup {
		sessionStore.StartCleanup(time.Duration(cfg.SessionCleanupMinutes)*time.Minute, log.Default())
	}
	return sessionStore, nil
}
