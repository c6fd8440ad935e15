// internal/bank/cache.go

package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// HistoryLoader 為 Cache 需要的 store 讀取能力。
type HistoryLoader interface {
	// LoadAccount 由完整歷史計算 (account, routing) 的餘額與最近 limit 筆交易。
	LoadAccount(ctx context.Context, account, routing string, limit int) (AccountSnapshot, error)
	// FindSince 依 ID 遞增回傳所有 ID > id 的交易。
	FindSince(ctx context.Context, id int64) ([]Transaction, error)
}

// Cache 為帳戶快取管理器：帳號 → AccountEntry。
//
// 讀取（Balance / History）走 sync.Map 與 entry 內的 atomic 指標，不會等待 reconciler。
// 寫入只有兩條路徑，皆在 mu 內序列化：
//   - Apply：由 reconciler 單一 goroutine 呼叫。
//   - install：首次載入完成後把 entry 放進 map。
//
// 同一帳號的並發首次存取由 singleflight 合併為一次載入。
// 項目不會被刪除；記憶體上限等於曾被查詢過的帳戶數。
type Cache struct {
	loader  HistoryLoader
	routing string
	limit   int

	entries sync.Map // string -> *AccountEntry
	size    atomic.Int64
	group   singleflight.Group

	mu      sync.Mutex
	applied atomic.Int64
}

// NewCache 建立快取；routing 為本行路由號碼，limit 為每個帳戶保留的歷史筆數。
func NewCache(loader HistoryLoader, routing string, limit int) *Cache {
	if limit < 1 {
		limit = 1
	}
	return &Cache{loader: loader, routing: routing, limit: limit}
}

// Routing 回傳本行路由號碼。
func (c *Cache) Routing() string { return c.routing }

// Len 回傳目前快取的帳戶數。
func (c *Cache) Len() int { return int(c.size.Load()) }

// Applied 回傳最後一筆經 Apply 處理的交易 ID。
func (c *Cache) Applied() int64 { return c.applied.Load() }

// Balance 回傳帳戶餘額；帳戶從未出現在歷史中時回傳 ErrNotFound。
func (c *Cache) Balance(ctx context.Context, account string) (int64, error) {
	e, err := c.Entry(ctx, account)
	if err != nil {
		return 0, err
	}
	return e.Balance(), nil
}

// History 回傳帳戶近期交易（新到舊，最多 limit 筆）。
func (c *Cache) History(ctx context.Context, account string) ([]Transaction, error) {
	e, err := c.Entry(ctx, account)
	if err != nil {
		return nil, err
	}
	return e.History(), nil
}

// Cached 回傳已在快取中的項目，不觸發載入。
func (c *Cache) Cached(account string) (*AccountEntry, bool) {
	v, ok := c.entries.Load(account)
	if !ok {
		return nil, false
	}
	return v.(*AccountEntry), true
}

// Entry 取得帳戶項目；未快取時由完整歷史載入。
func (c *Cache) Entry(ctx context.Context, account string) (*AccountEntry, error) {
	if e, ok := c.Cached(account); ok {
		return e, nil
	}
	// 共用的載入不隨任何單一呼叫端取消；每個呼叫端只等待自己的 ctx
	ch := c.group.DoChan(account, func() (any, error) {
		// 前一次載入可能剛好在 DoChan 之前完成
		if e, ok := c.Cached(account); ok {
			return e, nil
		}
		return c.load(context.WithoutCancel(ctx), account)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccountEntry), nil
	}
}

func (c *Cache) load(ctx context.Context, account string) (*AccountEntry, error) {
	snap, err := c.loader.LoadAccount(ctx, account, c.routing, c.limit)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", account, err)
	}
	e := newAccountEntry(account, c.limit, snap)
	found := snap.Found

	c.mu.Lock()
	defer c.mu.Unlock()

	// reconciler 已越過快照時點：補上 (AsOf, applied] 之間的交易，否則這段會遺失
	if applied := c.applied.Load(); applied > snap.AsOf {
		missed, err := c.loader.FindSince(ctx, snap.AsOf)
		if err != nil {
			return nil, fmt.Errorf("catch up account %s: %w", account, err)
		}
		for _, tx := range missed {
			if tx.ID > applied {
				break
			}
			if tx.Involves(account, c.routing) {
				e.apply(tx, tx.DeltaFor(account, c.routing))
				found = true
			}
		}
		e.advance(applied)
	}
	if !found {
		return nil, ErrNotFound
	}
	c.entries.Store(account, e)
	c.size.Add(1)
	return e, nil
}

// Apply 將一筆已寫入的交易套用到已快取的本行帳戶：來源扣款、目標入帳、雙方歷史前置。
// 未快取的帳戶略過，首次載入時會由 store 取得此交易。
// 冪等性由 reconciler 的 watermark 保證；entry 的 asOf 另外擋下載入快照已含的交易。
func (c *Cache) Apply(tx Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, account := range c.localSides(tx) {
		if e, ok := c.Cached(account); ok {
			e.apply(tx, tx.DeltaFor(account, c.routing))
		}
	}
	c.applied.Store(tx.ID)
}

// ProcessTransaction 讓 Cache 成為 reconciler 的回呼目標。
func (c *Cache) ProcessTransaction(_ context.Context, tx Transaction) error {
	if !tx.Persisted() {
		return errors.New("apply: transaction has no id")
	}
	c.Apply(tx)
	return nil
}

func (c *Cache) localSides(tx Transaction) []string {
	var out []string
	if tx.FromRoutingNum == c.routing {
		out = append(out, tx.FromAccountNum)
	}
	if tx.ToRoutingNum == c.routing && (len(out) == 0 || out[0] != tx.ToAccountNum) {
		out = append(out, tx.ToAccountNum)
	}
	return out
}
