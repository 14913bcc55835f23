package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/task-forge/internal/users"
)

// LoadUser はセッションからログインユーザーを解決するミドルウェアです。
// 全ルートに適用し、後続のハンドラーは CurrentUser で参照します。
// 発行から規定時間を過ぎたセッションと、一定時間操作が無かったセッション
// はここで破棄し、匿名リクエストとして扱います。
func (m *Manager) LoadUser(c *gin.Context) {
	session := sessions.Default(c)

	raw := session.Get(sessionKeyUser)
	if raw == nil {
		c.Next()
		return
	}
	userID, ok := raw.(string)
	if !ok || userID == "" {
		m.destroySession(session)
		c.Next()
		return
	}

	now := time.Now()
	issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
	if issuedAt.IsZero() || now.Sub(issuedAt) > m.maxLifetime {
		m.destroySession(session)
		c.Next()
		return
	}
	lastActive := readUnix(session.Get(sessionKeyLastActive))
	if lastActive.IsZero() || now.Sub(lastActive) > m.idleTimeout {
		m.destroySession(session)
		c.Next()
		return
	}

	user, err := m.users.FindByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			// アカウントが既に消えている場合はセッションも破棄する
			m.destroySession(session)
			c.Next()
			return
		}
		m.serverError(c, err)
		return
	}

	// アクセスのたびにアイドル期限を先送りする
	session.Set(sessionKeyLastActive, now.Unix())
	if err := session.Save(); err != nil && m.logger != nil {
		m.logger.Printf("failed to refresh session activity: %v", err)
	}

	c.Set(ContextUserKey, user)
	c.Next()
}

// RequireAuth はログイン済みユーザーのみを通すガードです。未ログインの
// 場合は遷移先を控えたうえでトップページへリダイレクトします。
func (m *Manager) RequireAuth(c *gin.Context) {
	if CurrentUser(c) != nil {
		c.Next()
		return
	}

	if c.Request.Method == http.MethodGet {
		session := sessions.Default(c)
		// LoadUser が直前にセッションを破棄していても、ここで新しい
		// 匿名セッションを作って遷移先だけを持ち越す
		session.Options(SessionOptions(m.cfg))
		session.Set(sessionKeyReturnTo, c.Request.URL.RequestURI())
		if err := session.Save(); err != nil && m.logger != nil {
			m.logger.Printf("failed to remember return path: %v", err)
		}
	}

	c.Redirect(http.StatusFound, "/")
	c.Abort()
}

// RequireGuest はログイン済みユーザーに見せないページのガードです。
func (m *Manager) RequireGuest(c *gin.Context) {
	if CurrentUser(c) != nil {
		c.Redirect(http.StatusFound, "/todos")
		c.Abort()
		return
	}
	c.Next()
}

// VerifyCSRF は状態変更リクエストのCSRFトークンを検証するミドルウェア
// です。セッション確立時に発行したトークンと X-CSRF-Token ヘッダーの値を
// 比較します。
func (m *Manager) VerifyCSRF(c *gin.Context) {
	if isSafeMethod(c.Request.Method) {
		c.Next()
		return
	}

	stored, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
	if stored == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "CSRF_MISSING",
			"message": "CSRF token is not set",
		})
		return
	}

	provided := c.GetHeader(CSRFHeader)
	if subtle.ConstantTimeCompare([]byte(stored), []byte(provided)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "CSRF_INVALID",
			"message": "CSRF token mismatch",
		})
		return
	}

	c.Next()
}

// CurrentUser は LoadUser が解決したログインユーザーを返します。
// 未ログインの場合は nil を返します。
func CurrentUser(c *gin.Context) *users.User {
	value, ok := c.Get(ContextUserKey)
	if !ok {
		return nil
	}
	user, _ := value.(*users.User)
	return user
}
