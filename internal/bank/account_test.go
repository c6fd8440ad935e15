// internal/bank/account_test.go
//
// AccountEntry 的單元測試：扣款/入帳、歷史前置與上限、asOf 之前的交易略過。

package bank

import "testing"

const (
	local = "883745000"
	acctA = "1011226111"
	acctB = "1033623433"
)

func tx(id int64, from, to string, amount int64) Transaction {
	return Transaction{
		ID:             id,
		RequestUUID:    "req-" + from + to,
		FromAccountNum: from,
		FromRoutingNum: local,
		ToAccountNum:   to,
		ToRoutingNum:   local,
		Amount:         amount,
	}
}

// TestEntryApplyDebitCredit 驗證 apply 後餘額依 DeltaFor 變動，且最新交易位於歷史最前端。
func TestEntryApplyDebitCredit(t *testing.T) {
	a := newAccountEntry(acctA, 10, AccountSnapshot{Balance: 500, Found: true})
	b := newAccountEntry(acctB, 10, AccountSnapshot{Balance: 0, Found: true})

	t1 := tx(1, acctA, acctB, 200)
	a.apply(t1, t1.DeltaFor(acctA, local))
	b.apply(t1, t1.DeltaFor(acctB, local))

	if a.Balance() != 300 || b.Balance() != 200 {
		t.Fatalf("balances a=%d b=%d want 300/200", a.Balance(), b.Balance())
	}

	t2 := tx(2, acctB, acctA, 50)
	a.apply(t2, t2.DeltaFor(acctA, local))
	h := a.History()
	if len(h) != 2 || h[0].ID != 2 || h[1].ID != 1 {
		t.Fatalf("history=%+v want newest first [2 1]", h)
	}
	if a.AsOf() != 2 {
		t.Fatalf("asOf=%d want 2", a.AsOf())
	}
}

// TestEntryHistoryCap 驗證歷史最多保留 limit 筆，超過時淘汰最舊一筆。
func TestEntryHistoryCap(t *testing.T) {
	const limit = 3
	e := newAccountEntry(acctA, limit, AccountSnapshot{Found: true})
	for i := int64(1); i <= 5; i++ {
		e.apply(tx(i, acctB, acctA, 1), 1)
	}
	h := e.History()
	if len(h) != limit {
		t.Fatalf("len=%d want %d", len(h), limit)
	}
	for i, want := range []int64{5, 4, 3} {
		if h[i].ID != want {
			t.Fatalf("history[%d].ID=%d want %d", i, h[i].ID, want)
		}
	}
	if e.Balance() != 5 {
		t.Fatalf("balance=%d want 5", e.Balance())
	}
}

// TestEntrySkipsAlreadyReflected 驗證快照已包含的交易（ID <= asOf）不會重複套用。
func TestEntrySkipsAlreadyReflected(t *testing.T) {
	e := newAccountEntry(acctA, 10, AccountSnapshot{Balance: 100, AsOf: 7, Found: true})
	if e.apply(tx(7, acctB, acctA, 100), 100) {
		t.Fatal("id 7 is already reflected in the snapshot")
	}
	if e.Balance() != 100 {
		t.Fatalf("balance=%d want 100", e.Balance())
	}
	if !e.apply(tx(8, acctB, acctA, 5), 5) || e.Balance() != 105 {
		t.Fatalf("id 8 should apply, balance=%d", e.Balance())
	}

	e.advance(20)
	if e.apply(tx(15, acctB, acctA, 5), 5) {
		t.Fatal("id 15 is below advanced asOf")
	}
}

// TestEntryHistoryIsCopy 確認 History() 回傳的切片可安全修改。
func TestEntryHistoryIsCopy(t *testing.T) {
	e := newAccountEntry(acctA, 10, AccountSnapshot{History: []Transaction{tx(1, acctB, acctA, 1)}, AsOf: 1, Found: true})
	h := e.History()
	h[0].Amount = 999
	if e.History()[0].Amount != 1 {
		t.Fatal("History() leaked internal slice")
	}
}
