// Package users はアカウントの永続化と登録時の正規化ルールを提供します。
package users

import (
	"context"
	"errors"
	"strings"
	"time"
)

// User は登録済みアカウントを表します。
type User struct {
	ID           string    // UUID文字列
	Username     string    // 表示名（全アカウントで一意）
	Email        string    // 正規化済みメールアドレス（小文字・前後空白なし、一意）
	PasswordHash *string   // bcryptハッシュ。外部IDプロバイダ経由のアカウントではnil
	CreatedAt    time.Time // 登録日時（UTC）
}

var (
	// ErrNotFound は該当するユーザーが存在しないことを示します。
	ErrNotFound = errors.New("users: user not found")
	// ErrDuplicate は同じユーザー名またはメールアドレスのアカウントが既に存在することを示します。
	ErrDuplicate = errors.New("users: username or email already registered")
)

// Repository はユーザーの永続化操作を抽象化します。
// 一意性の保証はストアの制約に任せ、呼び出し側は事前チェックを行いません。
// 同時登録の競合でも成功はちょうど1件になります。
type Repository interface {
	// Create は新規ユーザーを保存します。
	// ユーザー名またはメールアドレスが既に登録されている場合は ErrDuplicate を返します。
	Create(ctx context.Context, user *User) error
	// FindByEmail は正規化済みメールアドレスでユーザーを検索します。
	// 見つからない場合は ErrNotFound を返します。
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByID はIDでユーザーを検索します。
	// 見つからない場合は ErrNotFound を返します。
	FindByID(ctx context.Context, id string) (*User, error)
}

// NormalizeEmail はメールアドレスを保存・検索用の正準形に変換します。
// 前後の空白を除去し、全体を小文字化します。プロバイダ固有のエイリアス
// （Gmailの + サフィックス等）は展開しません。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
