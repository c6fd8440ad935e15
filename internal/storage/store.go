// internal/storage/store.go
//
// Package storage 提供 append-only 交易儲存：記憶體、JSON 快照檔、SQLite 與 Postgres 實作。
// 所有實作保證交易 ID 單調遞增，且 ID 的提交順序與指派順序一致（reconciler 依賴這點做到無缺漏）。
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledger/internal/bank"
)

// Store 為交易儲存的共同契約。
//   - Insert：寫入並回傳指派的 ID；submission key 已存在時回傳 bank.ErrDuplicateSubmission。
//   - FindSince：依 ID 遞增回傳所有 ID > id 的交易。
//   - LatestID：目前最高交易 ID（空 store 為 0）。
//   - LoadAccount：由完整歷史計算單一帳戶狀態，供快取首次載入。
//
// 暫時性錯誤以 bank.ErrStoreUnavailable 包裝。
type Store interface {
	Insert(ctx context.Context, tx bank.Transaction) (int64, error)
	FindSince(ctx context.Context, id int64) ([]bank.Transaction, error)
	LatestID(ctx context.Context) (int64, error)
	SubmissionExists(ctx context.Context, key string) (bool, error)
	LoadAccount(ctx context.Context, account, routing string, limit int) (bank.AccountSnapshot, error)
	Close() error
}

// Driver 名稱。
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options 決定 Open 使用哪一種實作。
type Options struct {
	Driver      string
	DataFile    string
	SQLitePath  string
	PostgresDSN string
}

// Open 依 Options.Driver 建立 Store。
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	logger = logger.With(zap.String("driver", opts.Driver))
	switch opts.Driver {
	case "", DriverMemory:
		logger.Info("using in-memory transaction store")
		return NewMemoryStore(), nil
	case DriverFile:
		logger.Info("using json snapshot transaction store", zap.String("path", opts.DataFile))
		return NewFileStore(opts.DataFile)
	case DriverSQLite:
		logger.Info("using sqlite transaction store", zap.String("path", opts.SQLitePath))
		return NewSQLiteStore(ctx, opts.SQLitePath)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.PostgresDSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
