// internal/storage/model.go
//
// 定義 JSON 快照檔的結構模型。
// Meta 保留儲存類型與版本，便於日後格式升級或換成資料庫後端。
package storage

import (
	"time"

	"ledger/internal/bank"
)

// Meta 為快照的中繼資料。
type Meta struct {
	Storage   string    `json:"storage"`        // 儲存類型，例如 "json_snapshot"
	Version   int       `json:"version"`        // 結構版本號
	Timestamp time.Time `json:"timestamp"`      // 快照建立時間
	Note      string    `json:"note,omitempty"` // 備註欄
}

// Snapshot 為交易 store 的完整快照：下一個 ID 與依 ID 遞增排列的全部交易。
type Snapshot struct {
	Meta         Meta               `json:"_meta"`
	NextID       int64              `json:"next_id"`
	Transactions []bank.Transaction `json:"transactions"`
}

const snapshotVersion = 2
