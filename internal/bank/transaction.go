// internal/bank/transaction.go

package bank

import "time"

// Transaction 為一筆轉帳紀錄。金額以最小貨幣單位（如分）儲存。
// ID 由 store 指派，寫入前為 0；寫入後 ID 與 RequestUUID 不可變。
type Transaction struct {
	ID             int64     `json:"transactionId"`
	RequestUUID    string    `json:"requestUuid"`
	FromAccountNum string    `json:"fromAccountNum"`
	FromRoutingNum string    `json:"fromRoutingNum"`
	ToAccountNum   string    `json:"toAccountNum"`
	ToRoutingNum   string    `json:"toRoutingNum"`
	Amount         int64     `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
}

// Persisted 回報交易是否已由 store 指派 ID。
func (t Transaction) Persisted() bool { return t.ID > 0 }

// IsSelfTransfer 來源與目標的 (帳號, 路由號碼) 完全相同。
func (t Transaction) IsSelfTransfer() bool {
	return t.FromAccountNum == t.ToAccountNum && t.FromRoutingNum == t.ToRoutingNum
}

// Debits 回報此交易是否從 (account, routing) 扣款。
func (t Transaction) Debits(account, routing string) bool {
	return t.FromAccountNum == account && t.FromRoutingNum == routing
}

// Credits 回報此交易是否入帳至 (account, routing)。
func (t Transaction) Credits(account, routing string) bool {
	return t.ToAccountNum == account && t.ToRoutingNum == routing
}

// Involves 回報此交易是否與 (account, routing) 相關。
func (t Transaction) Involves(account, routing string) bool {
	return t.Debits(account, routing) || t.Credits(account, routing)
}

// DeltaFor 回傳此交易對 (account, routing) 餘額的影響。
func (t Transaction) DeltaFor(account, routing string) int64 {
	var d int64
	if t.Credits(account, routing) {
		d += t.Amount
	}
	if t.Debits(account, routing) {
		d -= t.Amount
	}
	return d
}
