package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/task-forge/internal/users"
)

// 認証拒否の内部理由。ログにのみ出力し、クライアントには一律の
// 汎用メッセージを返します（アカウント列挙対策）。
const (
	ReasonUnknownIdentity   = "identity not found"
	ReasonNoLocalCredential = "no local credential set"
	ReasonBadCredential     = "credential mismatch"
)

// RejectedError は認証が拒否されたことを表します。
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "auth: rejected: " + e.Reason
}

// Strategy は資格情報から認証結果を得る手続きを抽象化します。
// 認証バックエンドの差し替えはこのインターフェースで行います。
type Strategy interface {
	// Authenticate はメールアドレスとパスワードを検証します。
	// 拒否された場合は *RejectedError を返します。
	Authenticate(ctx context.Context, email, password string) (*users.User, error)
}

// Registrar は新規アカウント登録を抽象化します。
type Registrar interface {
	// Register はパスワードをハッシュ化してアカウントを作成します。
	// ユーザー名またはメールアドレスが使用済みの場合は users.ErrDuplicate を返します。
	Register(ctx context.Context, username, email, password string) (*users.User, error)
}

// Service はローカル資格情報による Strategy / Registrar の実装です。
// メールアドレスの正規化はこの層で一元的に行います。
type Service struct {
	users  users.Repository
	hasher Hasher
}

var (
	_ Strategy  = (*Service)(nil)
	_ Registrar = (*Service)(nil)
)

// NewService はサービスを作成します。
func NewService(repo users.Repository, hasher Hasher) *Service {
	return &Service{
		users:  repo,
		hasher: hasher,
	}
}

func (s *Service) Register(ctx context.Context, username, email, password string) (*users.User, error) {
	digest, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &users.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        users.NormalizeEmail(email),
		PasswordHash: &digest,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

func (s *Service) Authenticate(ctx context.Context, email, password string) (*users.User, error) {
	user, err := s.users.FindByEmail(ctx, users.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, &RejectedError{Reason: ReasonUnknownIdentity}
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	// 外部IDプロバイダで作られたアカウントにはローカルパスワードが無い
	if user.PasswordHash == nil {
		return nil, &RejectedError{Reason: ReasonNoLocalCredential}
	}

	if !s.hasher.Verify(password, *user.PasswordHash) {
		return nil, &RejectedError{Reason: ReasonBadCredential}
	}

	return user, nil
}
