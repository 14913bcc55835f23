// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// セッション設定
	SessionSecret         string // セッションCookie署名用の秘密鍵
	SessionBackend        string // セッション保存先 (database, redis)
	SessionRedisURL       string // セッション用Redis接続URL
	SessionTTLMinutes     int    // セッションの絶対有効期限（分）
	SessionIdleMinutes    int    // 無操作セッションの失効までの時間（分）
	SessionCleanupMinutes int    // 期限切れセッション掃除の実行間隔（分）

	// データベース設定
	DatabaseDriver string // 使用するドライバ (sqlite, postgres)
	SQLitePath     string // SQLiteデータベースファイルのパス
	PostgresDSN    string // PostgreSQL接続文字列

	// 認証設定
	BcryptCost int // bcryptのコストパラメータ

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// セッション設定
		SessionSecret:         getEnv("SESSION_SECRET", ""),
		SessionBackend:        getEnv("SESSION_BACKEND", "database"),
		SessionRedisURL:       getEnv("SESSION_REDIS_URL", "redis://127.0.0.1:6379/0"),
		SessionTTLMinutes:     getEnvAsInt("SESSION_TTL_MINUTES", 720), // 12時間
		SessionIdleMinutes:    getEnvAsInt("SESSION_IDLE_MINUTES", 30),
		SessionCleanupMinutes: getEnvAsInt("SESSION_CLEANUP_MINUTES", 5),

		// データベース設定
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		SQLitePath:     getEnv("SQLITE_PATH", "task-forge.db"),
		PostgresDSN:    getEnv("POSTGRES_DSN", ""),

		// 認証設定
		BcryptCost: getEnvAsInt("BCRYPT_COST", 10),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}

	switch c.SessionBackend {
	case "database", "redis":
	default:
		return fmt.Errorf("SESSION_BACKEND must be database or redis, got %q", c.SessionBackend)
	}

	if c.DatabaseDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required when DATABASE_DRIVER is postgres")
	}

	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive, got %d", c.SessionTTLMinutes)
	}
	if c.SessionIdleMinutes <= 0 {
		return fmt.Errorf("SESSION_IDLE_MINUTES must be positive, got %d", c.SessionIdleMinutes)
	}
	if c.SessionCleanupMinutes <= 0 {
		return fmt.Errorf("SESSION_CLEANUP_MINUTES must be positive, got %d", c.SessionCleanupMinutes)
	}

	// ローカル開発では署名鍵は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.SessionBackend == "redis" && c.SessionRedisURL == "" {
			return fmt.Errorf("SESSION_REDIS_URL is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
