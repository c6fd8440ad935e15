// internal/reconciler/reader.go
//
// Package reconciler 提供 ledger reader：單一背景 goroutine 依固定間隔查詢 store 中
// ID 大於 watermark 的交易，依序交給回呼（通常是快取），成功後才推進 watermark。
//
// 狀態機：Stopped -> Running -> (Degraded -> Running)* -> Stopped，另有終止狀態 Failed。
//   - 暫時性錯誤（bank.ErrStoreUnavailable）：記錄後進入 Degraded，下一輪重試，永不致命。
//   - 其他錯誤連續達 MaxPollFailures 次：進入 Failed，IsAlive() 回傳 false，迴圈結束。
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ledger/internal/bank"
)

// Source 為 reader 需要的 store 讀取能力。
type Source interface {
	FindSince(ctx context.Context, id int64) ([]bank.Transaction, error)
	LatestID(ctx context.Context) (int64, error)
}

// Options 控制輪詢節奏與失敗門檻。
type Options struct {
	PollInterval    time.Duration
	MaxPollFailures int
	// StartID 非 nil 時以其作為初始 watermark，否則取 store 目前最高 ID。
	StartID *int64
}

const (
	defaultPollInterval    = 100 * time.Millisecond
	defaultMaxPollFailures = 5
)

// Reader 為 ledger reader。同一個 store 只應有一個 Reader。
type Reader struct {
	source      Source
	logger      *zap.Logger
	interval    time.Duration
	maxFailures int
	startID     *int64

	watermark atomic.Int64
	state     atomic.Int32
	running   atomic.Bool

	mu       sync.Mutex
	callback Callback
	cancel   context.CancelFunc
	finished chan struct{}
	failures int // 只由輪詢 goroutine 存取
}

// New 建立 Reader；logger 為 nil 時不輸出。
func New(source Source, logger *zap.Logger, opts Options) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = defaultMaxPollFailures
	}
	return &Reader{
		source:      source,
		logger:      logger.Named("reconciler"),
		interval:    opts.PollInterval,
		maxFailures: opts.MaxPollFailures,
		startID:     opts.StartID,
	}
}

// Start 初始化 watermark 並啟動輪詢迴圈。每個 Reader 只能啟動一次。
func (r *Reader) Start(ctx context.Context, cb Callback) error {
	if cb == nil {
		return errors.New("reconciler: nil callback")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished != nil {
		return errors.New("reconciler: already started")
	}

	start := int64(0)
	if r.startID != nil {
		start = *r.startID
	} else {
		latest, err := r.source.LatestID(ctx)
		if err != nil {
			return fmt.Errorf("reconciler: read latest transaction id: %w", err)
		}
		start = latest
	}
	r.watermark.Store(start)
	r.callback = cb

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.finished = make(chan struct{})
	r.state.Store(int32(Running))
	r.running.Store(true)

	r.logger.Info("starting ledger reader",
		zap.Int64("watermark", start),
		zap.Duration("interval", r.interval),
		zap.Int("max_poll_failures", r.maxFailures))
	go r.run(loopCtx, r.finished)
	return nil
}

// Stop 通知迴圈結束並等待至多 timeout。逾時回傳錯誤，迴圈仍會在目前這輪結束後退出。
func (r *Reader) Stop(timeout time.Duration) error {
	r.mu.Lock()
	cancel, finished := r.cancel, r.finished
	r.mu.Unlock()
	if finished == nil {
		return nil
	}
	cancel()
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("reconciler: stop timed out after %s", timeout)
	}
}

// IsAlive 回報輪詢 goroutine 是否仍在執行；與最近一次 poll 是否成功無關。
func (r *Reader) IsAlive() bool {
	return r.running.Load() && r.State() != Failed
}

// State 回傳目前狀態。
func (r *Reader) State() State { return State(r.state.Load()) }

// Watermark 回傳最後一筆成功交給回呼的交易 ID。
func (r *Reader) Watermark() int64 { return r.watermark.Load() }

// PollTransactions 取得 ID > sinceID 的交易並依序交給回呼。
// 回傳最後一筆成功處理的 ID；回呼失敗時停在前一筆，並回傳錯誤。
func (r *Reader) PollTransactions(ctx context.Context, sinceID int64) (int64, error) {
	r.mu.Lock()
	cb := r.callback
	r.mu.Unlock()
	if cb == nil {
		return sinceID, errors.New("reconciler: not started")
	}

	txs, err := r.source.FindSince(ctx, sinceID)
	if err != nil {
		return sinceID, err
	}
	latest := sinceID
	for _, tx := range txs {
		if tx.ID <= latest {
			continue
		}
		if err := cb.ProcessTransaction(ctx, tx); err != nil {
			return latest, fmt.Errorf("process transaction %d: %w", tx.ID, err)
		}
		latest = tx.ID
	}
	if n := len(txs); n > 0 {
		r.logger.Debug("processed transactions",
			zap.Int("count", n), zap.Int64("from", sinceID), zap.Int64("to", latest))
	}
	return latest, nil
}

func (r *Reader) run(ctx context.Context, finished chan<- struct{}) {
	defer close(finished)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if r.State() != Failed {
				r.state.Store(int32(Stopped))
			}
			r.logger.Info("ledger reader stopped", zap.Int64("watermark", r.Watermark()))
			return
		case <-ticker.C:
			if !r.tick(ctx) {
				return
			}
		}
	}
}

// tick 執行一輪 poll；回傳 false 代表進入 Failed，迴圈應結束。
func (r *Reader) tick(ctx context.Context) bool {
	since := r.watermark.Load()
	next, err := r.PollTransactions(ctx, since)
	if next > since {
		r.watermark.Store(next)
	}

	switch {
	case err == nil:
		if r.State() == Degraded {
			r.logger.Info("ledger reader recovered", zap.Int64("watermark", next))
		}
		r.failures = 0
		r.state.Store(int32(Running))
		return true

	case ctx.Err() != nil:
		// 正在關閉
		return true

	case errors.Is(err, bank.ErrStoreUnavailable):
		r.state.Store(int32(Degraded))
		r.logger.Warn("transaction store unavailable, will retry",
			zap.Int64("watermark", r.Watermark()), zap.Error(err))
		return true

	default:
		r.failures++
		r.state.Store(int32(Degraded))
		r.logger.Error("poll failed",
			zap.Int("consecutive_failures", r.failures),
			zap.Int("max", r.maxFailures),
			zap.Int64("watermark", r.Watermark()),
			zap.Error(err))
		if r.failures >= r.maxFailures {
			r.state.Store(int32(Failed))
			r.logger.Error("ledger reader terminated", zap.Error(fmt.Errorf("%w: %v", bank.ErrReconcilerFatal, err)))
			return false
		}
		return true
	}
}
