package session

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	ginsessions "github.com/gin-contrib/sessions"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
)

// Store は任意の Backend を gin-contrib/sessions のストアとして公開する
// アダプタです。Cookieには securecookie で署名したセッションIDのみを載せ、
// セッション値はバックエンドに保存します。
type Store struct {
	backend Backend
	codecs  []securecookie.Codec
	options *gsessions.Options
	stopCh  chan struct{}
}

// NewStore はストアを作成します。keyPairs は securecookie の署名鍵
// （および省略可能な暗号鍵）のペア列です。
func NewStore(backend Backend, keyPairs ...[]byte) *Store {
	return &Store{
		backend: backend,
		codecs:  securecookie.CodecsFromPairs(keyPairs...),
		options: &gsessions.Options{
			Path:   "/",
			MaxAge: 86400 * 30,
		},
		stopCh: make(chan struct{}),
	}
}

// Options はCookie属性を設定します（gin-contrib/sessions.Store の一部）。
func (s *Store) Options(options ginsessions.Options) {
	s.options = options.ToGorillaOptions()
	for _, codec := range s.codecs {
		if sc, ok := codec.(*securecookie.SecureCookie); ok {
			sc.MaxAge(s.options.MaxAge)
		}
	}
}

// Get はリクエスト単位のレジストリ経由でセッションを返します。
func (s *Store) Get(r *http.Request, name string) (*gsessions.Session, error) {
	return gsessions.GetRegistry(r).Get(s, name)
}

// New はCookieからセッションを復元します。Cookieが無い、署名が不正、
// レコードが見つからない・期限切れ・復号不能のいずれの場合も、エラーに
// せず新しい匿名セッションを返します。バックエンド障害のみエラーとして
// 返しますが、その場合も使用可能な新規セッションを添えます。
func (s *Store) New(r *http.Request, name string) (*gsessions.Session, error) {
	session := gsessions.NewSession(s, name)
	opts := *s.options
	session.Options = &opts
	session.IsNew = true

	cookie, err := r.Cookie(name)
	if err != nil {
		return session, nil
	}

	var id string
	if err := securecookie.DecodeMulti(name, cookie.Value, &id, s.codecs...); err != nil {
		return session, nil
	}
	if !isValidID(id) {
		return session, nil
	}

	record, err := s.backend.Get(r.Context(), id)
	if err != nil {
		return session, fmt.Errorf("failed to load session record: %w", err)
	}
	if record == nil {
		return session, nil
	}

	values, err := decodeValues(record.Data)
	if err != nil {
		// 復号できないレコードは匿名扱い。次のSaveで新しいIDが発行される
		return session, nil
	}

	session.ID = id
	session.Values = values
	session.IsNew = false
	return session, nil
}

// Save はセッションを保存しCookieを書き込みます。MaxAgeが0以下の場合は
// セッション破棄とみなし、バックエンドのレコード削除と失効Cookieの送出を
// 行います。
func (s *Store) Save(r *http.Request, w http.ResponseWriter, session *gsessions.Session) error {
	if session.Options.MaxAge <= 0 {
		if session.ID != "" {
			if err := s.backend.Delete(r.Context(), session.ID); err != nil {
				return fmt.Errorf("failed to delete session record: %w", err)
			}
		}
		// 同一リクエスト内で再保存された場合に古いIDを使い回さない
		session.ID = ""
		http.SetCookie(w, gsessions.NewCookie(session.Name(), "", session.Options))
		return nil
	}

	if session.ID == "" {
		id, err := generateID()
		if err != nil {
			return fmt.Errorf("failed to generate session id: %w", err)
		}
		session.ID = id
	}

	data, err := encodeValues(session.Values)
	if err != nil {
		return fmt.Errorf("failed to encode session values: %w", err)
	}

	now := time.Now()
	record := &Record{
		ID:        session.ID,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(session.Options.MaxAge) * time.Second),
	}
	if err := s.backend.Save(r.Context(), record); err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}

	encoded, err := securecookie.EncodeMulti(session.Name(), session.ID, s.codecs...)
	if err != nil {
		return fmt.Errorf("failed to encode session cookie: %w", err)
	}
	http.SetCookie(w, gsessions.NewCookie(session.Name(), encoded, session.Options))
	return nil
}

// StartCleanup は期限切れレコードを定期削除するゴルーチンを起動します。
// Redisバックエンドは自前のTTLで失効するため呼び出し不要です。
func (s *Store) StartCleanup(interval time.Duration, logger *log.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := s.backend.Cleanup(ctx); err != nil && logger != nil {
					logger.Printf("session cleanup failed: %v", err)
				}
				cancel()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Close は掃除ゴルーチンを停止し、バックエンドのリソースを解放します。
func (s *Store) Close() error {
	close(s.stopCh)
	return s.backend.Close()
}
