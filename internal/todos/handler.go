package todos

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/task-forge/internal/auth"
)

type createRequest struct {
	Title string `form:"title" json:"title"`
}

// todoIDRequest は対象項目をボディで指定する操作の共通形です。
type todoIDRequest struct {
	TodoID string `form:"todoId" json:"todoId"`
}

// ListHandler は GET /todos のハンドラーを返します。ページ描画はフロント
// エンドの責務なので、テンプレートに渡していた値をそのままJSONで返し、
// 変更系操作に使うCSRFトークンをヘッダーで添えます。
func ListHandler(repo Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := auth.CurrentUser(c)

		items, err := repo.ListByUser(c.Request.Context(), user.ID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.Header(auth.CSRFHeader, auth.CSRFToken(c))
		c.JSON(http.StatusOK, gin.H{
			"username": user.Username,
			"todos":    items,
			"flashes":  auth.PopFlashes(c),
		})
	}
}

// CreateHandler は POST /todos/createTodo のハンドラーを返します。
func CreateHandler(repo Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "Request body could not be parsed",
			})
			return
		}

		title := strings.TrimSpace(req.Title)
		if title == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "Title is required",
			})
			return
		}

		todo := &Todo{
			ID:        uuid.NewString(),
			UserID:    auth.CurrentUser(c).ID,
			Title:     title,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.Create(c.Request.Context(), todo); err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusCreated, todo)
	}
}

// CompleteHandler は PUT /todos/markComplete のハンドラーを返します。
func CompleteHandler(repo Repository) gin.HandlerFunc {
	return setCompletedHandler(repo, true)
}

// ReopenHandler は PUT /todos/markIncomplete のハンドラーを返します。
func ReopenHandler(repo Repository) gin.HandlerFunc {
	return setCompletedHandler(repo, false)
}

func setCompletedHandler(repo Repository, completed bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindTodoID(c)
		if !ok {
			return
		}

		todo, err := repo.SetCompleted(c.Request.Context(), id, auth.CurrentUser(c).ID, completed)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, todo)
	}
}

// DeleteHandler は DELETE /todos/deleteTodo のハンドラーを返します。
func DeleteHandler(repo Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindTodoID(c)
		if !ok {
			return
		}

		if err := repo.Delete(c.Request.Context(), id, auth.CurrentUser(c).ID); err != nil {
			respondWithError(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

func bindTodoID(c *gin.Context) (string, bool) {
	var req todoIDRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "Request body could not be parsed",
		})
		return "", false
	}

	id := strings.TrimSpace(req.TodoID)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "A todo id is required",
		})
		return "", false
	}
	return id, true
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		// 他ユーザーの項目も存在しない項目も同じ応答になる
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "Todo not found",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "The request was canceled",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "An unexpected error occurred",
		})
	}
}
