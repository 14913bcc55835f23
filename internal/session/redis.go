package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// RedisBackend はRedisにセッションレコードを保存します。
// 失効はRedisのTTLに任せるため Cleanup は何もしません。
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend はバックエンドを作成します。
// クライアントの所有権は呼び出し側に残ります。
func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*Record, error) {
	data, err := b.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}

	return &Record{ID: id, Data: data}, nil
}

func (b *RedisBackend) Save(ctx context.Context, record *Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return b.Delete(ctx, record.ID)
	}

	if err := b.rdb.Set(ctx, sessionKey(record.ID), record.Data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session to redis: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.rdb.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

func (b *RedisBackend) Cleanup(ctx context.Context) error {
	return nil
}

func (b *RedisBackend) Close() error {
	return nil
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}
