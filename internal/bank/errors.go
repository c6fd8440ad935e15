// internal/bank/errors.go
//
// 本檔集中定義「領域錯誤（domain errors）」。
// 驗證類錯誤皆可由呼叫端修正後重送；由 HTTP handler 轉成對應狀態碼。

package bank

import "errors"

var (
	// ErrInvalidStructure 代表帳號或路由號碼格式錯誤，或缺少 submission key。
	// 對應 HTTP 400。
	ErrInvalidStructure = errors.New("invalid account details")

	// ErrUnauthorized 代表 token 無效，或 token 帳戶無權操作此來源帳戶。
	// 對應 HTTP 401。
	ErrUnauthorized = errors.New("not authorized")

	// ErrSelfTransfer 代表來源與目標 (帳號, 路由號碼) 相同。
	ErrSelfTransfer = errors.New("can't send to self")

	// ErrNonPositiveAmount 代表金額 <= 0。
	ErrNonPositiveAmount = errors.New("invalid amount")

	// ErrInsufficientBalance 代表快取餘額不足以扣款。
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateSubmission 代表 submission key 已存在於 store 或近期視窗。
	ErrDuplicateSubmission = errors.New("duplicate transaction")

	// ErrNotFound 代表帳戶從未出現在任何交易中。
	// 對應 HTTP 404。
	ErrNotFound = errors.New("account not found")

	// ErrStoreUnavailable 為暫時性的 store 存取失敗；reconciler 下一輪重試，
	// 送出端收到可重試的 503。
	ErrStoreUnavailable = errors.New("transaction store unavailable")

	// ErrReconcilerFatal 代表 reconciler 已終止，只能由維運人員介入。
	ErrReconcilerFatal = errors.New("ledger reader is not alive")
)

// IsValidation 回報 err 是否屬於呼叫端可修正的驗證錯誤。
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidStructure),
		errors.Is(err, ErrSelfTransfer),
		errors.Is(err, ErrNonPositiveAmount),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrDuplicateSubmission):
		return true
	}
	return false
}
