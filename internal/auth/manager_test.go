package auth

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/task-forge/internal/config"
	"github.com/yourusername/task-forge/internal/session"
	"github.com/yourusername/task-forge/internal/store"
	"github.com/yourusername/task-forge/internal/users"
)

func testConfig() *config.Config {
	return &config.Config{
		GinMode:               gin.TestMode,
		SessionSecret:         "test-session-secret",
		SessionTTLMinutes:     720,
		SessionIdleMinutes:    30,
		SessionCleanupMinutes: 5,
		BcryptCost:            bcrypt.MinCost,
	}
}

// newTestApp は本番のルーティングを模したルーターを組み立てます。
// /rewind はセッション内の時刻を巻き戻すためのテスト専用ルートです。
func newTestApp(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.Migrate(context.Background(), db, "sqlite"); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	backend, err := session.NewSQLiteBackend(db)
	if err != nil {
		t.Fatalf("failed to create session backend: %v", err)
	}
	sessionStore := session.NewStore(backend, []byte(cfg.SessionSecret))
	sessionStore.Options(SessionOptions(cfg))

	repo := users.NewSQLiteRepository(db)
	svc := NewService(repo, NewBcryptHasher(cfg.BcryptCost))
	mgr := NewManager(cfg, svc, svc, repo, log.New(io.Discard, "", 0))

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, sessionStore))
	router.Use(mgr.LoadUser)

	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "landing") })
	router.GET("/login", mgr.RequireGuest, mgr.LoginPage)
	router.POST("/login", mgr.Login)
	router.GET("/signup", mgr.RequireGuest, mgr.SignupPage)
	router.POST("/signup", mgr.Signup)
	router.GET("/logout", mgr.Logout)

	protected := router.Group("/todos", mgr.RequireAuth, mgr.VerifyCSRF)
	protected.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"username": CurrentUser(c).Username,
			"flashes":  PopFlashes(c),
		})
	})
	protected.POST("", func(c *gin.Context) { c.Status(http.StatusCreated) })

	router.POST("/rewind", func(c *gin.Context) {
		by, err := time.ParseDuration(c.PostForm("by"))
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		key := sessionKeyIssuedAt
		if c.PostForm("key") == "active" {
			key = sessionKeyLastActive
		}
		s := sessions.Default(c)
		s.Set(key, time.Now().Add(-by).Unix())
		if err := s.Save(); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.POST("/csrf-check", mgr.VerifyCSRF, func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	return router, mgr
}

// testClient はブラウザのようにセッションCookieとCSRFトークンを
// 持ち回るテスト用クライアントです。
type testClient struct {
	t      *testing.T
	router *gin.Engine
	cookie *http.Cookie
	csrf   string
}

func newTestClient(t *testing.T, router *gin.Engine) *testClient {
	return &testClient{t: t, router: router}
}

func (tc *testClient) do(method, target string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	tc.t.Helper()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if tc.cookie != nil {
		req.AddCookie(tc.cookie)
	}

	w := httptest.NewRecorder()
	tc.router.ServeHTTP(w, req)

	for _, ck := range w.Result().Cookies() {
		if ck.Name != SessionCookieName {
			continue
		}
		if ck.MaxAge < 0 || ck.Value == "" {
			tc.cookie = nil
		} else {
			tc.cookie = ck
		}
	}
	if token := w.Header().Get(CSRFHeader); token != "" {
		tc.csrf = token
	}
	return w
}

func (tc *testClient) get(target string) *httptest.ResponseRecorder {
	return tc.do(http.MethodGet, target, nil, nil)
}

func (tc *testClient) postForm(target string, form url.Values) *httptest.ResponseRecorder {
	return tc.do(http.MethodPost, target, form, nil)
}

func signupForm(username, email, password, confirm string) url.Values {
	return url.Values{
		"username":        {username},
		"email":           {email},
		"password":        {password},
		"confirmPassword": {confirm},
	}
}

func loginForm(email, password string) url.Values {
	return url.Values{"email": {email}, "password": {password}}
}

func flashList(t *testing.T, w *httptest.ResponseRecorder) []string {
	t.Helper()

	var body struct {
		Flashes []string `json:"flashes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return body.Flashes
}

func mustSignup(t *testing.T, router *gin.Engine, username, email, password string) {
	t.Helper()

	tc := newTestClient(t, router)
	w := tc.postForm("/signup", signupForm(username, email, password, password))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/todos" {
		t.Fatalf("signup failed: status %d, location %q, flashes %s",
			w.Code, w.Header().Get("Location"), w.Body.String())
	}
}

func TestSignupValidationMessages(t *testing.T) {
	router, _ := newTestApp(t)
	tc := newTestClient(t, router)

	w := tc.postForm("/signup", signupForm("", "not-an-email", "short", "different"))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "/signup" {
		t.Fatalf("Location = %q, want /signup", loc)
	}

	got := flashList(t, tc.get("/signup"))
	want := []string{
		"Username is required",
		"Please enter a valid email address",
		"Password must be at least 8 characters long",
		"Passwords do not match",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flashes = %q, want %q", got, want)
	}

	// フラッシュは一度読むと消える
	if again := flashList(t, tc.get("/signup")); len(again) != 0 {
		t.Errorf("flashes should be empty on second read, got %q", again)
	}
}

func TestSignupOverlongPassword(t *testing.T) {
	router, _ := newTestApp(t)
	tc := newTestClient(t, router)

	long := strings.Repeat("a", 73)
	w := tc.postForm("/signup", signupForm("alice", "alice@example.com", long, long))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}

	got := flashList(t, tc.get("/signup"))
	want := []string{"Password must be at most 72 characters long"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flashes = %q, want %q", got, want)
	}
}

func TestSignupCreatesSessionAndRedirects(t *testing.T) {
	router, _ := newTestApp(t)
	tc := newTestClient(t, router)

	w := tc.postForm("/signup", signupForm("alice", "alice@example.com", "password123", "password123"))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusFound, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/todos" {
		t.Fatalf("Location = %q, want /todos", loc)
	}
	if tc.cookie == nil {
		t.Fatal("expected a session cookie after signup")
	}
	if tc.csrf == "" {
		t.Error("expected a CSRF token in the response headers")
	}

	page := tc.get("/todos")
	if page.Code != http.StatusOK {
		t.Fatalf("GET /todos status = %d, want %d", page.Code, http.StatusOK)
	}
	if !strings.Contains(page.Body.String(), `"alice"`) {
		t.Errorf("response should include the username: %s", page.Body.String())
	}
}

func TestSignupDuplicateShowsGenericMessage(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	w := tc.postForm("/signup", signupForm("alice2", "Alice@Example.com", "password456", "password456"))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/signup" {
		t.Fatalf("status = %d, location = %q", w.Code, w.Header().Get("Location"))
	}

	got := flashList(t, tc.get("/signup"))
	want := []string{"An account with those details already exists."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flashes = %q, want %q", got, want)
	}
}

func TestLoginValidationMessages(t *testing.T) {
	router, _ := newTestApp(t)
	tc := newTestClient(t, router)

	w := tc.postForm("/login", url.Values{"email": {"not-an-email"}, "password": {""}})
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/login" {
		t.Fatalf("status = %d, location = %q", w.Code, w.Header().Get("Location"))
	}

	got := flashList(t, tc.get("/login"))
	want := []string{"Please enter a valid email address", "Password is required"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flashes = %q, want %q", got, want)
	}
}

// 存在しないメールアドレスと誤ったパスワードで、応答が区別できない
// ことを確認する。
func TestLoginRejectionsAreIndistinguishable(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	unknown := newTestClient(t, router)
	wrongPassword := newTestClient(t, router)

	w1 := unknown.postForm("/login", loginForm("nobody@example.com", "password123"))
	w2 := wrongPassword.postForm("/login", loginForm("alice@example.com", "password999"))

	if w1.Code != w2.Code {
		t.Errorf("status codes differ: %d vs %d", w1.Code, w2.Code)
	}
	if l1, l2 := w1.Header().Get("Location"), w2.Header().Get("Location"); l1 != l2 {
		t.Errorf("locations differ: %q vs %q", l1, l2)
	}

	p1 := unknown.get("/login")
	p2 := wrongPassword.get("/login")
	if p1.Body.String() != p2.Body.String() {
		t.Errorf("rejection responses differ: %s vs %s", p1.Body.String(), p2.Body.String())
	}

	got := flashList(t, p1)
	want := []string{"Invalid email or password."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flashes = %q, want %q", got, want)
	}
}

func TestLoginRedirectsToCapturedPath(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	w := tc.get("/todos?filter=open")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Fatalf("guard should redirect to the landing page, got %d %q",
			w.Code, w.Header().Get("Location"))
	}

	login := tc.postForm("/login", loginForm("alice@example.com", "password123"))
	if login.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", login.Code, http.StatusFound)
	}
	if loc := login.Header().Get("Location"); loc != "/todos?filter=open" {
		t.Errorf("Location = %q, want the captured path", loc)
	}

	page := tc.get("/todos")
	if page.Code != http.StatusOK {
		t.Fatalf("GET /todos status = %d, want %d", page.Code, http.StatusOK)
	}
	got := flashList(t, page)
	want := []string{"You are now logged in."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flashes = %q, want %q", got, want)
	}
}

func TestLoginWithoutCapturedPath(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	w := tc.postForm("/login", loginForm("alice@example.com", "password123"))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/todos" {
		t.Errorf("status = %d, location = %q, want 302 /todos", w.Code, w.Header().Get("Location"))
	}
	if tc.csrf == "" {
		t.Error("expected a CSRF token in the response headers")
	}
}

func TestLoginLockout(t *testing.T) {
	router, _ := newTestApp(t)
	tc := newTestClient(t, router)

	for i := 0; i < maxLoginAttempts; i++ {
		w := tc.postForm("/login", loginForm("nobody@example.com", "password123"))
		if w.Code != http.StatusFound {
			t.Fatalf("attempt %d: status = %d, want %d", i+1, w.Code, http.StatusFound)
		}
	}

	w := tc.postForm("/login", loginForm("nobody@example.com", "password123"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if !strings.Contains(w.Body.String(), "TOO_MANY_ATTEMPTS") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter <= 0 {
		t.Errorf("Retry-After = %q, want a positive number of seconds", w.Header().Get("Retry-After"))
	}
}

func TestLogoutDestroysServerSideSession(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	if w := tc.postForm("/login", loginForm("alice@example.com", "password123")); w.Code != http.StatusFound {
		t.Fatalf("login failed: %d", w.Code)
	}

	stolen := tc.cookie

	w := tc.get("/logout")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Fatalf("status = %d, location = %q, want 302 /", w.Code, w.Header().Get("Location"))
	}
	if tc.cookie != nil {
		t.Error("logout should expire the session cookie")
	}

	// 署名が有効なままの古いCookieを再送しても、サーバー側のレコードが
	// 消えているため匿名として扱われる
	req := httptest.NewRequest(http.MethodGet, "/todos", nil)
	req.AddCookie(stolen)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Errorf("old cookie should no longer grant access: %d %q",
			rec.Code, rec.Header().Get("Location"))
	}
}

func TestLogoutWhileAnonymous(t *testing.T) {
	router, _ := newTestApp(t)
	tc := newTestClient(t, router)

	w := tc.get("/logout")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Errorf("status = %d, location = %q, want 302 /", w.Code, w.Header().Get("Location"))
	}
}

func TestSessionLifetimeExpiry(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	if w := tc.postForm("/login", loginForm("alice@example.com", "password123")); w.Code != http.StatusFound {
		t.Fatalf("login failed: %d", w.Code)
	}

	if w := tc.postForm("/rewind", url.Values{"key": {"issued"}, "by": {"13h"}}); w.Code != http.StatusNoContent {
		t.Fatalf("rewind failed: %d", w.Code)
	}

	if w := tc.get("/todos"); w.Code != http.StatusFound {
		t.Errorf("a session past its absolute lifetime should be destroyed, got %d", w.Code)
	}
}

func TestSessionIdleExpiry(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	if w := tc.postForm("/login", loginForm("alice@example.com", "password123")); w.Code != http.StatusFound {
		t.Fatalf("login failed: %d", w.Code)
	}

	if w := tc.postForm("/rewind", url.Values{"key": {"active"}, "by": {"29m"}}); w.Code != http.StatusNoContent {
		t.Fatalf("rewind failed: %d", w.Code)
	}
	if w := tc.get("/todos"); w.Code != http.StatusOK {
		t.Fatalf("a 29 minute idle session should still be valid, got %d", w.Code)
	}

	if w := tc.postForm("/rewind", url.Values{"key": {"active"}, "by": {"31m"}}); w.Code != http.StatusNoContent {
		t.Fatalf("rewind failed: %d", w.Code)
	}
	if w := tc.get("/todos"); w.Code != http.StatusFound {
		t.Errorf("a 31 minute idle session should be destroyed, got %d", w.Code)
	}
}

// 期限切れセッションの破棄と同じリクエストで積まれたフラッシュも、
// 次のリクエストまで残る。
func TestValidationFlashesAfterIdleExpiry(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	if w := tc.postForm("/login", loginForm("alice@example.com", "password123")); w.Code != http.StatusFound {
		t.Fatalf("login failed: %d", w.Code)
	}
	if w := tc.postForm("/rewind", url.Values{"key": {"active"}, "by": {"31m"}}); w.Code != http.StatusNoContent {
		t.Fatalf("rewind failed: %d", w.Code)
	}

	w := tc.postForm("/login", url.Values{"email": {"not-an-email"}, "password": {""}})
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/login" {
		t.Fatalf("status = %d, location = %q", w.Code, w.Header().Get("Location"))
	}

	got := flashList(t, tc.get("/login"))
	want := []string{"Please enter a valid email address", "Password is required"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flashes = %q, want %q", got, want)
	}
}

func TestCSRFProtection(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	if w := tc.postForm("/login", loginForm("alice@example.com", "password123")); w.Code != http.StatusFound {
		t.Fatalf("login failed: %d", w.Code)
	}

	w := tc.postForm("/todos", nil)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "CSRF_INVALID") {
		t.Errorf("request without a token: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = tc.do(http.MethodPost, "/todos", nil, http.Header{CSRFHeader: {"deadbeef"}})
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "CSRF_INVALID") {
		t.Errorf("request with a bogus token: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = tc.do(http.MethodPost, "/todos", nil, http.Header{CSRFHeader: {tc.csrf}})
	if w.Code != http.StatusCreated {
		t.Errorf("request with the issued token: status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestCSRFMissingFromAnonymousSession(t *testing.T) {
	router, _ := newTestApp(t)
	tc := newTestClient(t, router)

	w := tc.postForm("/csrf-check", nil)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "CSRF_MISSING") {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRequireGuestRedirectsAuthenticated(t *testing.T) {
	router, _ := newTestApp(t)
	mustSignup(t, router, "alice", "alice@example.com", "password123")

	tc := newTestClient(t, router)
	if w := tc.postForm("/login", loginForm("alice@example.com", "password123")); w.Code != http.StatusFound {
		t.Fatalf("login failed: %d", w.Code)
	}

	for _, target := range []string{"/login", "/signup"} {
		w := tc.get(target)
		if w.Code != http.StatusFound || w.Header().Get("Location") != "/todos" {
			t.Errorf("GET %s: status = %d, location = %q, want 302 /todos",
				target, w.Code, w.Header().Get("Location"))
		}
	}
}

func TestLoginAttemptLimiter(t *testing.T) {
	m := NewManager(testConfig(), nil, nil, nil, nil)
	ip := "203.0.113.7"

	for i := 1; i <= maxLoginAttempts; i++ {
		remaining := m.recordFailure(ip)
		want := maxLoginAttempts - i
		if want < 0 {
			want = 0
		}
		if remaining != want {
			t.Fatalf("after %d failures remaining = %d, want %d", i, remaining, want)
		}
	}

	if m.checkLock(ip) <= 0 {
		t.Error("expected a lock after reaching the attempt limit")
	}
	if m.checkLock("198.51.100.9") != 0 {
		t.Error("other addresses must not be locked")
	}

	m.resetAttempts(ip)
	if m.checkLock(ip) != 0 {
		t.Error("reset should clear the lock")
	}
}

func TestSessionOptionsByMode(t *testing.T) {
	cfg := testConfig()

	opts := SessionOptions(cfg)
	if opts.Path != "/" {
		t.Errorf("Path = %q, want /", opts.Path)
	}
	if opts.MaxAge != cfg.SessionTTLMinutes*60 {
		t.Errorf("MaxAge = %d, want %d", opts.MaxAge, cfg.SessionTTLMinutes*60)
	}
	if !opts.HttpOnly {
		t.Error("HttpOnly should be set")
	}
	if opts.SameSite != http.SameSiteStrictMode {
		t.Errorf("SameSite = %v, want strict", opts.SameSite)
	}
	if opts.Secure {
		t.Error("Secure should be off outside release mode")
	}

	cfg.GinMode = gin.ReleaseMode
	if !SessionOptions(cfg).Secure {
		t.Error("Secure should be on in release mode")
	}
}

func TestIsLocalPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/todos", true},
		{"/todos?filter=open", true},
		{"/", true},
		{"//evil.example.com/x", false},
		{"https://evil.example.com", false},
		{"todos", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isLocalPath(tt.path); got != tt.want {
			t.Errorf("isLocalPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestIsSafeMethod(t *testing.T) {
	safe := []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace}
	for _, method := range safe {
		if !isSafeMethod(method) {
			t.Errorf("isSafeMethod(%s) = false, want true", method)
		}
	}

	unsafe := []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	for _, method := range unsafe {
		if isSafeMethod(method) {
			t.Errorf("isSafeMethod(%s) = true, want false", method)
		}
	}
}
