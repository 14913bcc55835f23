// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/task-forge/internal/auth"
	"github.com/yourusername/task-forge/internal/config"
	"github.com/yourusername/task-forge/internal/todos"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	// データベースを開いてマイグレーションを適用
	db, userRepo, todoRepo, err := setupDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up database: %v", err)
	}
	defer db.Close()

	// セッションストアの設定（Cookieには署名済みセッションIDのみを載せ、
	// セッション値はサーバー側に保存する）
	sessionStore, err := setupSessionStore(cfg, db)
	if err != nil {
		log.Fatalf("Failed to set up session store: %v", err)
	}
	defer sessionStore.Close()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader, // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader}
	router.Use(cors.New(corsConfig))

	// 認証の配線。登録と認証は同じサービスが担う
	service := auth.NewService(userRepo, auth.NewBcryptHasher(cfg.BcryptCost))
	manager := auth.NewManager(cfg, service, service, userRepo, log.Default())
	router.Use(manager.LoadUser)

	setupRoutes(router, manager, todoRepo)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// SIGINT/SIGTERM を受けたら処理中のリクエストを待ってから終了する
	notifyCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-notifyCtx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shut down: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "task-forge-api",
		"version": "0.1.0",
	})
}

// handleLanding は公開トップページのハンドラーです。ガードに弾かれた
// リクエストのリダイレクト先になります。
func handleLanding(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "task-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は認証とToDoのルーティングを配線します。
func setupRoutes(router *gin.Engine, manager *auth.Manager, todoRepo todos.Repository) {
	router.GET("/", handleLanding)
	router.GET("/health", handleHealth)

	// フォーム画面はログイン済みユーザーには見せない。POST側はガード
	// なしで、ハンドラー自身が結果に応じた行き先へリダイレクトする
	router.GET("/login", manager.RequireGuest, manager.LoginPage)
	router.POST("/login", manager.Login)
	router.GET("/signup", manager.RequireGuest, manager.SignupPage)
	router.POST("/signup", manager.Signup)
	router.GET("/logout", manager.Logout)

	// ToDo系はログイン必須。変更系メソッドはCSRFトークンも検証する
	guarded := router.Group("/todos", manager.RequireAuth, manager.VerifyCSRF)
	{
		guarded.GET("", todos.ListHandler(todoRepo))
		guarded.POST("/createTodo", todos.CreateHandler(todoRepo))
		guarded.PUT("/markComplete", todos.CompleteHandler(todoRepo))
		guarded.PUT("/markIncomplete", todos.ReopenHandler(todoRepo))
		guarded.DELETE("/deleteTodo", todos.DeleteHandler(todoRepo))
	}
}
