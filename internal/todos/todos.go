// Package todos はログインユーザーごとのToDo項目の永続化と操作を提供します。
package todos

import (
	"context"
	"errors"
	"time"
)

// Todo は1件のToDo項目を表します。
type Todo struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// ErrNotFound は指定ユーザーの所有する該当項目が存在しないことを示します。
// 他ユーザーの項目IDを指定した場合も同じエラーになります。
var ErrNotFound = errors.New("todos: todo not found")

// Repository はToDo項目の永続化操作を抽象化します。
// すべての読み書きは (id, user_id) で所有者スコープに限定されます。
type Repository interface {
	Create(ctx context.Context, todo *Todo) error
	ListByUser(ctx context.Context, userID string) ([]Todo, error)
	// SetCompleted は所有者スコープで完了状態を更新し、更新後の項目を返します。
	SetCompleted(ctx context.Context, id, userID string, completed bool) (*Todo, error)
	Delete(ctx context.Context, id, userID string) error
}
