package reconciler

import (
	"context"

	"ledger/internal/bank"
)

// Callback 接收 reader 依 ID 遞增送出的每一筆交易。
// 回傳錯誤時 watermark 不會越過該筆，下一輪會重送。
type Callback interface {
	ProcessTransaction(ctx context.Context, tx bank.Transaction) error
}

// CallbackFunc 讓一般函式滿足 Callback。
type CallbackFunc func(ctx context.Context, tx bank.Transaction) error

// ProcessTransaction 呼叫 f。
func (f CallbackFunc) ProcessTransaction(ctx context.Context, tx bank.Transaction) error {
	return f(ctx, tx)
}

// Listeners 依序呼叫每個 Callback，遇到第一個錯誤即停止。
// 第一個通常是快取；其後的監聽者（metrics、事件發佈）在重送時可能收到同一筆交易。
type Listeners []Callback

// ProcessTransaction 依序轉發給每個 listener。
func (ls Listeners) ProcessTransaction(ctx context.Context, tx bank.Transaction) error {
	for _, l := range ls {
		if err := l.ProcessTransaction(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// State 為 reader 的生命週期狀態。
type State int32

const (
	Stopped State = iota
	Running
	Degraded
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
