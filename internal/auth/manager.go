// Package auth はサインアップ・ログイン・ログアウトの各ハンドラーと、
// セッションからログインユーザーを解決するミドルウェアを提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/task-forge/internal/config"
	"github.com/yourusername/task-forge/internal/users"
)

const (
	SessionCookieName    = "tf_session"
	sessionKeyUser       = "user_id"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"
	sessionKeyReturnTo   = "return_to"

	// CSRFHeader はCSRFトークンの送受信に使うヘッダー名です。
	CSRFHeader = "X-CSRF-Token"
)

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

// minPasswordLength はサインアップ時に要求する最小パスワード長です。
const minPasswordLength = 8

// maxPasswordLength はbcryptが受け付ける入力長の上限です。
const maxPasswordLength = 72

// ContextUserKey は、ハンドラー間でログイン済みユーザーを共有するためのキーです。
const ContextUserKey = "auth.user"

// SessionOptions は全経路で共通のセッションCookie属性を返します。
func SessionOptions(cfg *config.Config) sessions.Options {
	return sessions.Options{
		Path:     "/",
		MaxAge:   cfg.SessionTTLMinutes * 60,
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	}
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg       *config.Config
	strategy  Strategy
	registrar Registrar
	users     users.Repository
	logger    *log.Logger

	maxLifetime time.Duration
	idleTimeout time.Duration

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, strategy Strategy, registrar Registrar, repo users.Repository, logger *log.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		strategy:    strategy,
		registrar:   registrar,
		users:       repo,
		logger:      logger,
		maxLifetime: time.Duration(cfg.SessionTTLMinutes) * time.Minute,
		idleTimeout: time.Duration(cfg.SessionIdleMinutes) * time.Minute,
		attempts:    make(map[string]*attemptState),
	}
}

type signupRequest struct {
	Username        string `form:"username" json:"username"`
	Email           string `form:"email" json:"email"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirmPassword" json:"confirmPassword"`
}

type loginRequest struct {
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
}

// SignupPage は GET /signup のハンドラーです。フォームの描画はフロント
// エンドの責務なので、溜まっているフラッシュメッセージだけを返します。
func (m *Manager) SignupPage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flashes": PopFlashes(c)})
}

// LoginPage は GET /login のハンドラーです。
func (m *Manager) LoginPage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flashes": PopFlashes(c)})
}

// Signup は POST /signup のハンドラーです。検証、登録、自動ログインの
// 順に進み、失敗時はフラッシュを積んでサインアップ画面へ戻します。
func (m *Manager) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBind(&req); err != nil && m.logger != nil {
		// 束縛に失敗してもゼロ値のまま検証に進めば必要なメッセージが揃う
		m.logger.Printf("signup bind error: %v", err)
	}
	req.Username = strings.TrimSpace(req.Username)

	if messages := validateSignup(&req); len(messages) > 0 {
		m.flashAndRedirect(c, "/signup", messages)
		return
	}

	user, err := m.registrar.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrDuplicate) {
			// どの項目が重複したかは明かさない
			m.flashAndRedirect(c, "/signup", []string{"An account with those details already exists."})
			return
		}
		m.serverError(c, err)
		return
	}

	if err := m.establishSession(c, user.ID); err != nil {
		m.serverError(c, err)
		return
	}

	c.Redirect(http.StatusFound, "/todos")
}

// Login は POST /login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil && m.logger != nil {
		m.logger.Printf("login bind error: %v", err)
	}

	if messages := validateLogin(&req); len(messages) > 0 {
		m.flashAndRedirect(c, "/login", messages)
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "Too many login attempts. Please try again later.",
		})
		return
	}

	user, err := m.strategy.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			m.recordFailure(ip)
			if m.logger != nil {
				m.logger.Printf("login rejected from %s: %s", ip, rejected.Reason)
			}
			// 理由の如何にかかわらず同じメッセージを返す
			m.flashAndRedirect(c, "/login", []string{"Invalid email or password."})
			return
		}
		m.serverError(c, err)
		return
	}

	m.resetAttempts(ip)

	// ガードが控えた遷移先があればそこへ戻す
	session := sessions.Default(c)
	redirect := "/todos"
	if returnTo, ok := session.Get(sessionKeyReturnTo).(string); ok && isLocalPath(returnTo) {
		redirect = returnTo
	}
	session.Delete(sessionKeyReturnTo)
	session.AddFlash("You are now logged in.")

	if err := m.establishSession(c, user.ID); err != nil {
		m.serverError(c, err)
		return
	}

	c.Redirect(http.StatusFound, redirect)
}

// Logout は GET /logout のハンドラーです。セッション値のクリアに加え、
// サーバー側のレコードごと破棄します。破棄に失敗してもリダイレクトは
// 必ず行います。
func (m *Manager) Logout(c *gin.Context) {
	m.destroySession(sessions.Default(c))
	c.Redirect(http.StatusFound, "/")
}

// PopFlashes はセッションに溜まったフラッシュメッセージを取り出します。
// フラッシュは一度読むと消えます。
func PopFlashes(c *gin.Context) []string {
	session := sessions.Default(c)
	raw := session.Flashes()
	if len(raw) > 0 {
		_ = session.Save()
	}

	messages := make([]string, 0, len(raw))
	for _, entry := range raw {
		if msg, ok := entry.(string); ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

// CSRFToken は現在のセッションに紐付くCSRFトークンを返します。
// セッションが無い場合は空文字列を返します。
func CSRFToken(c *gin.Context) string {
	token, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
	return token
}

func validateSignup(req *signupRequest) []string {
	var messages []string

	if req.Username == "" {
		messages = append(messages, "Username is required")
	}
	if !isValidEmail(req.Email) {
		messages = append(messages, "Please enter a valid email address")
	}
	if len(req.Password) < minPasswordLength {
		messages = append(messages, "Password must be at least 8 characters long")
	} else if len(req.Password) > maxPasswordLength {
		messages = append(messages, "Password must be at most 72 characters long")
	}
	if req.Password != req.ConfirmPassword {
		messages = append(messages, "Passwords do not match")
	}

	return messages
}

func validateLogin(req *loginRequest) []string {
	var messages []string

	if !isValidEmail(req.Email) {
		messages = append(messages, "Please enter a valid email address")
	}
	if req.Password == "" {
		messages = append(messages, "Password is required")
	}

	return messages
}

// isValidEmail はメールアドレスの構文を検査します。表示名付きの形式
// （"Alice <alice@example.com>"）は受け付けません。
func isValidEmail(email string) bool {
	normalized := users.NormalizeEmail(email)
	if normalized == "" {
		return false
	}
	addr, err := mail.ParseAddress(normalized)
	return err == nil && addr.Address == normalized
}

// isLocalPath はリダイレクト先がこのサイト内のパスであることを確認します。
func isLocalPath(path string) bool {
	return strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "//")
}

// establishSession はログイン済みセッションを確立します。発行したCSRF
// トークンはレスポンスヘッダーでも返します。
func (m *Manager) establishSession(c *gin.Context, userID string) error {
	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate csrf token: %w", err)
	}

	session := sessions.Default(c)
	now := time.Now()
	session.Options(SessionOptions(m.cfg))
	session.Set(sessionKeyUser, userID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	c.Header(CSRFHeader, token)
	return nil
}

// destroySession はセッション値とサーバー側レコードの両方を破棄します。
func (m *Manager) destroySession(session sessions.Session) {
	session.Clear()
	options := SessionOptions(m.cfg)
	options.MaxAge = -1
	session.Options(options)
	if err := session.Save(); err != nil && m.logger != nil {
		m.logger.Printf("failed to destroy session: %v", err)
	}
}

func (m *Manager) flashAndRedirect(c *gin.Context, location string, messages []string) {
	session := sessions.Default(c)
	// LoadUser が直前に期限切れセッションを破棄していても、フラッシュは
	// 新しい匿名セッションに積んで次のリクエストへ持ち越す
	session.Options(SessionOptions(m.cfg))
	for _, msg := range messages {
		session.AddFlash(msg)
	}
	if err := session.Save(); err != nil && m.logger != nil {
		m.logger.Printf("failed to save flash messages: %v", err)
	}
	c.Redirect(http.StatusFound, location)
}

func (m *Manager) serverError(c *gin.Context, err error) {
	if m.logger != nil {
		m.logger.Printf("internal error: %v", err)
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "An unexpected error occurred",
	})
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
