// internal/idempotency/window.go
//
// Package idempotency 記錄本程序近期送出的 submission key。
// store 仍是重複判斷的最終依據；視窗讓剛寫入、尚未被 reconciler 看到的 key 也能即時擋下重送。
package idempotency

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL 為 submission key 在視窗中保留的時間。
const DefaultTTL = 10 * time.Minute

// Window 為近期 submission key 的集合。
type Window interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
	Close() error
}

// MemoryWindow 以 go-cache 保存 key，過期後自動清除。僅適用單一實例。
type MemoryWindow struct {
	c *gocache.Cache
}

// NewMemoryWindow 建立行程內視窗；ttl <= 0 時使用 DefaultTTL。
func NewMemoryWindow(ttl time.Duration) *MemoryWindow {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryWindow{c: gocache.New(ttl, 2*ttl)}
}

// Seen 回報 key 是否仍在視窗內。
func (w *MemoryWindow) Seen(_ context.Context, key string) (bool, error) {
	_, ok := w.c.Get(key)
	return ok, nil
}

// Remember 將 key 放入視窗；已存在時只延長有效期。
func (w *MemoryWindow) Remember(_ context.Context, key string) error {
	w.c.SetDefault(key, struct{}{})
	return nil
}

// Len 回傳視窗內（含尚未清除的過期）key 數量。
func (w *MemoryWindow) Len() int { return w.c.ItemCount() }

// Close 清空視窗。
func (w *MemoryWindow) Close() error {
	w.c.Flush()
	return nil
}
