package todos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yourusername/task-forge/internal/store"
)

// PostgresRepository はPostgreSQLをバックエンドとするToDoリポジトリです。
type PostgresRepository struct {
	db store.DBTX
}

func NewPostgresRepository(db store.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, todo *Todo) error {
	query := `
		INSERT INTO todos (id, user_id, title, completed, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		todo.ID, todo.UserID, todo.Title, todo.Completed, todo.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert todo: %w", err)
	}

	return nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]Todo, error) {
	query := `
		SELECT id, user_id, title, completed, created_at
		FROM todos
		WHERE user_id = $1
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

func (r *PostgresRepository) SetCompleted(ctx context.Context, id, userID string, completed bool) (*Todo, error) {
	query := `
		UPDATE todos
		SET completed = $1
		WHERE id = $2 AND user_id = $3
		RETURNING id, user_id, title, completed, created_at
	`

	t := &Todo{}
	err := r.db.QueryRowContext(ctx, query, completed, id, userID).Scan(
		&t.ID, &t.UserID, &t.Title, &t.Completed, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update todo: %w", err)
	}

	return t, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id, userID string) error {
	query := `DELETE FROM todos WHERE id = $1 AND user_id = $2`

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
