package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher はパスワードのハッシュ化と照合を抽象化します。
type Hasher interface {
	// Hash は平文からソルト付きハッシュを生成します。
	// 失敗した場合は平文へフォールバックせず、必ずエラーを返します。
	Hash(plaintext string) (string, error)
	// Verify は平文と保存済みハッシュを照合します。
	Verify(plaintext, digest string) bool
}

// BcryptHasher はbcryptによる Hasher 実装です。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はハッシャーを作成します。costが0以下の場合は
// bcrypt.DefaultCost を使用します。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(digest), nil
}

func (h *BcryptHasher) Verify(plaintext, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}
