// internal/storage/memory.go

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledger/internal/bank"
)

// MemoryStore 為行程內的 append-only store。
// 單一 RWMutex 序列化寫入，因此 ID 指派與可見順序一致。
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	txs     []bank.Transaction // 依 ID 遞增
	keys    map[string]int64
	persist func(Snapshot) error
}

// NewMemoryStore 建立空的記憶體 store。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]int64)}
}

// Insert 指派下一個 ID 並附加交易；Timestamp 為零值時以目前時間補上。
func (s *MemoryStore) Insert(ctx context.Context, tx bank.Transaction) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[tx.RequestUUID]; ok {
		return 0, bank.ErrDuplicateSubmission
	}
	s.nextID++
	tx.ID = s.nextID
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	s.txs = append(s.txs, tx)
	s.keys[tx.RequestUUID] = tx.ID

	if s.persist != nil {
		if err := s.persist(s.snapshotLocked()); err != nil {
			// 撤回，維持記憶體與檔案一致
			s.txs = s.txs[:len(s.txs)-1]
			delete(s.keys, tx.RequestUUID)
			s.nextID--
			return 0, fmt.Errorf("%w: persist snapshot: %v", bank.ErrStoreUnavailable, err)
		}
	}
	return tx.ID, nil
}

// FindSince 回傳所有 ID > id 的交易（值拷貝）。
func (s *MemoryStore) FindSince(ctx context.Context, id int64) ([]bank.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.txs), func(i int) bool { return s.txs[i].ID > id })
	out := make([]bank.Transaction, len(s.txs)-i)
	copy(out, s.txs[i:])
	return out, nil
}

// LatestID 回傳目前最高 ID。
func (s *MemoryStore) LatestID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.txs) == 0 {
		return 0, nil
	}
	return s.txs[len(s.txs)-1].ID, nil
}

// SubmissionExists 查詢 submission key 是否已寫入。
func (s *MemoryStore) SubmissionExists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok, nil
}

// LoadAccount 掃描完整歷史，計算 (account, routing) 的餘額與最近 limit 筆交易。
func (s *MemoryStore) LoadAccount(ctx context.Context, account, routing string, limit int) (bank.AccountSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return bank.AccountSnapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snap bank.AccountSnapshot
	if n := len(s.txs); n > 0 {
		snap.AsOf = s.txs[n-1].ID
	}
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if !tx.Involves(account, routing) {
			continue
		}
		snap.Found = true
		snap.Balance += tx.DeltaFor(account, routing)
		if len(snap.History) < limit {
			snap.History = append(snap.History, tx)
		}
	}
	return snap, nil
}

// Snapshot 匯出目前狀態，供檔案持久化或測試使用。
func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *MemoryStore) snapshotLocked() Snapshot {
	txs := make([]bank.Transaction, len(s.txs))
	copy(txs, s.txs)
	return Snapshot{
		Meta:         Meta{Storage: "json_snapshot", Version: snapshotVersion},
		NextID:       s.nextID,
		Transactions: txs,
	}
}

// restore 由快照重建狀態；交易必須依 ID 嚴格遞增。
func (s *MemoryStore) restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = s.txs[:0]
	s.keys = make(map[string]int64, len(snap.Transactions))
	var last int64
	for _, tx := range snap.Transactions {
		if tx.ID <= last {
			return fmt.Errorf("transaction ids not increasing at %d", tx.ID)
		}
		last = tx.ID
		s.txs = append(s.txs, tx)
		s.keys[tx.RequestUUID] = tx.ID
	}
	s.nextID = snap.NextID
	if s.nextID < last {
		s.nextID = last
	}
	return nil
}

// Close 無需釋放資源。
func (s *MemoryStore) Close() error { return nil }
