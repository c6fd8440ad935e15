// internal/storage/jsonstore.go
//
// 提供 JSON 快照的讀寫，以及以快照持久化的檔案型 store。
// 寫入採「原子寫入」：先寫 .tmp 檔，再以 rename() 取代原檔，寫入中斷時原檔不會損壞。
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LoadSnapshot 讀取指定路徑的 JSON 快照。
func LoadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()
	err = json.NewDecoder(f).Decode(&snap)
	return snap, err
}

// SaveSnapshot 將快照寫入 path+".tmp" 後以 rename 取代正式檔案。
func SaveSnapshot(path string, snap Snapshot) error {
	snap.Meta.Storage = "json_snapshot"
	snap.Meta.Version = snapshotVersion
	snap.Meta.Timestamp = time.Now()
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// NewFileStore 建立以 JSON 快照持久化的 store。
// 檔案存在時先還原；每次成功寫入後重寫快照，寫檔失敗則撤回該筆交易。
func NewFileStore(path string) (*MemoryStore, error) {
	if path == "" {
		path = "ledger.json"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s := NewMemoryStore()
	snap, err := LoadSnapshot(path)
	switch {
	case err == nil:
		if err := s.restore(snap); err != nil {
			return nil, fmt.Errorf("restore %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	s.persist = func(snap Snapshot) error { return SaveSnapshot(path, snap) }
	return s, nil
}
