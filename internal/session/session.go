// Package session はサーバーサイドセッションの保存と、gin-contrib/sessions
// ミドルウェアへ差し込むストア実装を提供します。Cookieにはセッション本体では
// なく署名付きのセッションIDだけを載せ、値はバックエンド（Redis / SQLite /
// PostgreSQL）にgobエンコードして保存します。
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"encoding/hex"
	"sync"
	"time"
)

func init() {
	// フラッシュメッセージは []interface{} としてセッション値に入るため
	// gobに型を登録しておく必要がある
	gob.Register([]interface{}{})
}

// Record はバックエンドに保存される1セッション分のレコードです。
type Record struct {
	ID        string    // 32文字の16進セッションID
	Data      []byte    // gobエンコードされたセッション値
	CreatedAt time.Time // 初回保存日時
	ExpiresAt time.Time // 失効日時
}

// Backend はセッションレコードの永続化を抽象化します。
type Backend interface {
	// Get はレコードを返します。存在しない、または期限切れの場合は
	// (nil, nil) を返します。
	Get(ctx context.Context, id string) (*Record, error)
	// Save はレコードを保存します。同じIDが既に存在する場合は
	// データと失効日時を上書きします（作成日時は保持）。
	Save(ctx context.Context, record *Record) error
	// Delete はレコードを削除します。存在しない場合もエラーにしません。
	Delete(ctx context.Context, id string) error
	// Cleanup は期限切れレコードを削除します。
	Cleanup(ctx context.Context) error
	// Close はバックエンドが内部に持つリソースを解放します。
	// データベース接続やRedisクライアントの所有権は呼び出し側にあります。
	Close() error
}

// generateID は新しいセッションIDを生成します。
func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// isValidID はセッションIDの形式（32文字の16進小文字）を検査します。
// 不正な形式のIDをバックエンドに渡さないための入口チェックです。
func isValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// エンコード用バッファの再利用プール。巨大化したバッファは戻さない。
const maxPooledBufferSize = 64 * 1024

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBufferSize {
		return
	}
	bufferPool.Put(buf)
}

func encodeValues(values map[interface{}]interface{}) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer putBuffer(buf)

	if err := gob.NewEncoder(buf).Encode(values); err != nil {
		return nil, err
	}

	// プールのバッファはすぐ再利用されるためコピーを返す
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}

func decodeValues(data []byte) (map[interface{}]interface{}, error) {
	values := make(map[interface{}]interface{})
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}
