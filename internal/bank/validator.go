// internal/bank/validator.go

package bank

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	accountNumRe = regexp.MustCompile(`^\d{10}$`)
	routingNumRe = regexp.MustCompile(`^\d{9}$`)
)

// BalanceReader 提供來源帳戶的快取餘額（通常是 *Cache）。
type BalanceReader interface {
	Balance(ctx context.Context, account string) (int64, error)
}

// SubmissionIndex 查詢 store 中是否已有該 submission key。
type SubmissionIndex interface {
	SubmissionExists(ctx context.Context, key string) (bool, error)
}

// RecentSubmissions 為本程序近期送出過的 submission key 視窗。
type RecentSubmissions interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// Validator 在交易寫入 store 前檢查結構與業務規則。
// 不修改任何共享狀態；規則依序檢查，遇到第一個失敗即回傳。
//
// 餘額檢查讀的是可能落後 store 的快取：兩筆同時送出、針對同一接近零餘額的交易
// 可能都通過並都被寫入，直到下一輪 poll 才反映。這是最終一致的行為，不是線性一致。
type Validator struct {
	routing  string
	balances BalanceReader
	index    SubmissionIndex
	recent   RecentSubmissions
}

// NewValidator 建立驗證器；recent 可為 nil。
func NewValidator(routing string, balances BalanceReader, index SubmissionIndex, recent RecentSubmissions) *Validator {
	return &Validator{routing: routing, balances: balances, index: index, recent: recent}
}

// Validate 檢查 authedAccount（token 驗證後取得的帳號）是否可送出 tx。
func (v *Validator) Validate(ctx context.Context, authedAccount string, tx Transaction) error {
	// 1) 結構
	if !accountNumRe.MatchString(tx.FromAccountNum) || !accountNumRe.MatchString(tx.ToAccountNum) ||
		!routingNumRe.MatchString(tx.FromRoutingNum) || !routingNumRe.MatchString(tx.ToRoutingNum) {
		return ErrInvalidStructure
	}
	if tx.RequestUUID == "" {
		return fmt.Errorf("%w: missing requestUuid", ErrInvalidStructure)
	}

	// 2) 授權：本行來源必須是 token 帳戶本人；外部存入則目標必須是 token 帳戶
	local := tx.FromRoutingNum == v.routing
	if local && tx.FromAccountNum != authedAccount {
		return fmt.Errorf("%w: sender not authenticated", ErrUnauthorized)
	}
	if !local && (tx.ToAccountNum != authedAccount || tx.ToRoutingNum != v.routing) {
		return fmt.Errorf("%w: external deposit must credit the authenticated account", ErrUnauthorized)
	}

	// 3) 自我轉帳
	if tx.IsSelfTransfer() {
		return ErrSelfTransfer
	}

	// 4) 金額
	if tx.Amount <= 0 {
		return ErrNonPositiveAmount
	}

	// 5) 重複送出
	if v.recent != nil {
		seen, err := v.recent.Seen(ctx, tx.RequestUUID)
		if err != nil {
			return fmt.Errorf("check recent submissions: %w", err)
		}
		if seen {
			return ErrDuplicateSubmission
		}
	}
	exists, err := v.index.SubmissionExists(ctx, tx.RequestUUID)
	if err != nil {
		return fmt.Errorf("check submission key: %w", err)
	}
	if exists {
		return ErrDuplicateSubmission
	}

	// 6) 餘額（僅本行來源；外部銀行的餘額不在本系統）
	if local {
		balance, err := v.balances.Balance(ctx, tx.FromAccountNum)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("check balance: %w", err)
		}
		if balance-tx.Amount < 0 {
			return ErrInsufficientBalance
		}
	}
	return nil
}
