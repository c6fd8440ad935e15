package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ledger/internal/bank"
)

const redisNamespace = "ledger:submission"

// RedisWindow 以 Redis 保存 key，讓多個 API 實例共用同一個視窗。
type RedisWindow struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisWindow 連線並確認 Redis 可用。
func NewRedisWindow(ctx context.Context, addr, password string, ttl time.Duration) (*RedisWindow, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisWindowFromClient(client, ttl), nil
}

// NewRedisWindowFromClient 使用既有 client（單機或 cluster 皆可）。
func NewRedisWindowFromClient(client redis.UniversalClient, ttl time.Duration) *RedisWindow {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisWindow{client: client, ttl: ttl}
}

func redisKey(key string) string { return redisNamespace + ":" + key }

// Seen 回報 key 是否仍在視窗內。Redis 失敗視為暫時性錯誤。
func (w *RedisWindow) Seen(ctx context.Context, key string) (bool, error) {
	n, err := w.client.Exists(ctx, redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis exists: %v", bank.ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// Remember 以 SET NX 寫入 key 並設定 TTL。
func (w *RedisWindow) Remember(ctx context.Context, key string) error {
	if err := w.client.SetNX(ctx, redisKey(key), 1, w.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis setnx: %v", bank.ErrStoreUnavailable, err)
	}
	return nil
}

// Close 關閉連線。
func (w *RedisWindow) Close() error { return w.client.Close() }
