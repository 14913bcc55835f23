package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yourusername/task-forge/internal/store"
)

// SQLiteRepository はSQLiteをバックエンドとするユーザーリポジトリです。
type SQLiteRepository struct {
	db store.DBTX
}

func NewSQLiteRepository(db store.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Create(ctx context.Context, user *User) error {
	// 重複検出は一意制約に任せる。ON CONFLICT DO NOTHING は username と
	// email のどちらの制約衝突も飲み込むので、挿入行数で判定する。
	query := `
		INSERT INTO users (id, username, email, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicate
	}

	return nil
}

func (r *SQLiteRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, username, email, password_hash, created_at
		FROM users
		WHERE email = ?
	`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *SQLiteRepository) FindByID(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, username, email, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	var hash sql.NullString
	err := row.Scan(&user.ID, &user.Username, &user.Email, &hash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if hash.Valid {
		user.PasswordHash = &hash.String
	}
	return user, nil
}
