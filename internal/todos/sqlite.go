package todos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yourusername/task-forge/internal/store"
)

// SQLiteRepository はSQLiteをバックエンドとするToDoリポジトリです。
type SQLiteRepository struct {
	db store.DBTX
}

func NewSQLiteRepository(db store.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Create(ctx context.Context, todo *Todo) error {
	query := `
		INSERT INTO todos (id, user_id, title, completed, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		todo.ID, todo.UserID, todo.Title, todo.Completed, todo.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert todo: %w", err)
	}

	return nil
}

func (r *SQLiteRepository) ListByUser(ctx context.Context, userID string) ([]Todo, error) {
	query := `
		SELECT id, user_id, title, completed, created_at
		FROM todos
		WHERE user_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query todos: %w", err)
	}
	defer rows.Close()

	items := []Todo{}
	for rows.Next() {
		var t Todo
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Completed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate todos: %w", err)
	}

	return items, nil
}

func (r *SQLiteRepository) SetCompleted(ctx context.Context, id, userID string, completed bool) (*Todo, error) {
	query := `
		UPDATE todos
		SET completed = ?
		WHERE id = ? AND user_id = ?
	`

	result, err := r.db.ExecContext(ctx, query, completed, id, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update todo: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return r.find(ctx, id, userID)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id, userID string) error {
	query := `DELETE FROM todos WHERE id = ? AND user_id = ?`

	result, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete todo: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *SQLiteRepository) find(ctx context.Context, id, userID string) (*Todo, error) {
	query := `
		SELECT id, user_id, title, completed, created_at
		FROM todos
		WHERE id = ? AND user_id = ?
	`

	t := &Todo{}
	err := r.db.QueryRowContext(ctx, query, id, userID).Scan(
		&t.ID, &t.UserID, &t.Title, &t.Completed, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query todo: %w", err)
	}

	return t, nil
}
