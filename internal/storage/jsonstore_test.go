// internal/storage/jsonstore_test.go
//
// 驗證 JSON 快照讀寫，以及檔案型 store 重啟後能還原全部交易。
// 使用 t.TempDir() 確保測試不汙染本機環境。
package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/bank"
)

func TestJSONSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	orig := Snapshot{
		Meta:   Meta{Note: "test"},
		NextID: 2,
		Transactions: []bank.Transaction{
			{ID: 1, RequestUUID: "a", FromAccountNum: alice, FromRoutingNum: testRouting, ToAccountNum: bob, ToRoutingNum: testRouting, Amount: 100},
			{ID: 2, RequestUUID: "b", FromAccountNum: bob, FromRoutingNum: testRouting, ToAccountNum: alice, ToRoutingNum: testRouting, Amount: 20},
		},
	}

	// 1️⃣ 寫入
	require.NoError(t, SaveSnapshot(path, orig))
	_, err := os.Stat(path)
	require.NoError(t, err, "snapshot not written")
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "tmp file should be renamed away")

	// 2️⃣ 讀回
	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, orig.NextID, loaded.NextID)
	require.Len(t, loaded.Transactions, 2)
	assert.Equal(t, "b", loaded.Transactions[1].RequestUUID)
	assert.Equal(t, "json_snapshot", loaded.Meta.Storage)
	assert.Equal(t, snapshotVersion, loaded.Meta.Version)
}

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewFileStore(filepath.Join(t.TempDir(), "data", "ledger.json"))
		require.NoError(t, err)
		return s
	})
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	tx := newTx(alice, bob, 100)
	_, err = s.Insert(ctx, tx)
	require.NoError(t, err)
	id2, err := s.Insert(ctx, newTx(bob, alice, 30))
	require.NoError(t, err)

	// 重新開啟：交易、ID 序列與 submission key 皆應還原
	s2, err := NewFileStore(path)
	require.NoError(t, err)
	latest, err := s2.LatestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, latest)

	_, err = s2.Insert(ctx, tx)
	assert.ErrorIs(t, err, bank.ErrDuplicateSubmission)

	id3, err := s2.Insert(ctx, newTx(alice, bob, 1))
	require.NoError(t, err)
	assert.Equal(t, id2+1, id3)
}

func TestFileStoreRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	// 以同名目錄佔住 .tmp 路徑，讓 os.Create 失敗
	require.NoError(t, os.Mkdir(path+".tmp", 0o750))

	tx := newTx(alice, bob, 100)
	_, err = s.Insert(ctx, tx)
	require.ErrorIs(t, err, bank.ErrStoreUnavailable)

	exists, err := s.SubmissionExists(ctx, tx.RequestUUID)
	require.NoError(t, err)
	assert.False(t, exists)
	latest, err := s.LatestID(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)
}
