// Package bank 定義核心領域模型與業務規則：交易、帳戶快取項目、快取管理與交易驗證。
// 本檔定義 AccountEntry，不含任何 HTTP 或儲存細節。

package bank

import "sync/atomic"

// AccountSnapshot 為由 store 完整歷史重建的帳戶狀態。
//   - History 依新到舊排序，長度已由查詢端截斷。
//   - AsOf 為載入當下 store 的最高交易 ID；ID <= AsOf 的交易皆已反映在 Balance。
//   - Found 為 false 代表此帳戶從未出現在任何交易中。
type AccountSnapshot struct {
	Balance int64
	History []Transaction
	AsOf    int64
	Found   bool
}

// accountState 為不可變狀態；更新時整份替換。
type accountState struct {
	balance int64
	history []Transaction
	asOf    int64
}

// AccountEntry 為單一帳戶的快取項目：餘額與有上限的近期交易（新到舊）。
// 只有 Cache.Apply（單一 reconciler goroutine）會寫入；讀取端以 atomic 指標取得一致快照，不需加鎖。
type AccountEntry struct {
	account string
	limit   int
	state   atomic.Pointer[accountState]
}

func newAccountEntry(account string, limit int, snap AccountSnapshot) *AccountEntry {
	if limit < 1 {
		limit = 1
	}
	hist := snap.History
	if len(hist) > limit {
		hist = hist[:limit]
	}
	e := &AccountEntry{account: account, limit: limit}
	e.state.Store(&accountState{
		balance: snap.Balance,
		history: append([]Transaction(nil), hist...),
		asOf:    snap.AsOf,
	})
	return e
}

// Account 回傳帳號。
func (e *AccountEntry) Account() string { return e.account }

// Balance 回傳目前快取餘額。
func (e *AccountEntry) Balance() int64 { return e.state.Load().balance }

// AsOf 回傳此項目已反映的最高交易 ID。
func (e *AccountEntry) AsOf() int64 { return e.state.Load().asOf }

// History 回傳近期交易的值拷貝（新到舊），避免外部修改內部切片。
func (e *AccountEntry) History() []Transaction {
	h := e.state.Load().history
	out := make([]Transaction, len(h))
	copy(out, h)
	return out
}

// apply 將交易加到最前端並調整餘額；超過上限時淘汰最舊一筆。
// ID <= asOf 的交易已反映過，直接略過並回傳 false。
func (e *AccountEntry) apply(tx Transaction, delta int64) bool {
	cur := e.state.Load()
	if tx.ID <= cur.asOf {
		return false
	}
	n := len(cur.history) + 1
	if n > e.limit {
		n = e.limit
	}
	hist := make([]Transaction, n)
	hist[0] = tx
	copy(hist[1:], cur.history)
	e.state.Store(&accountState{balance: cur.balance + delta, history: hist, asOf: tx.ID})
	return true
}

// advance 將 asOf 推進到 id，不改變餘額與歷史。
func (e *AccountEntry) advance(id int64) {
	cur := e.state.Load()
	if id <= cur.asOf {
		return
	}
	e.state.Store(&accountState{balance: cur.balance, history: cur.history, asOf: id})
}
