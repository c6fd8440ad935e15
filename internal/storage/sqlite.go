// internal/storage/sqlite.go

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite" // pure go sqlite driver
	sqlite3 "modernc.org/sqlite/lib"

	"ledger/internal/bank"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS transactions (
	transaction_id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_uuid   TEXT    NOT NULL UNIQUE,
	from_acct      TEXT    NOT NULL,
	from_route     TEXT    NOT NULL,
	to_acct        TEXT    NOT NULL,
	to_route       TEXT    NOT NULL,
	amount         INTEGER NOT NULL,
	timestamp      INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions (from_acct, from_route)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions (to_acct, to_route)`,
}

const sqliteColumns = `transaction_id, request_uuid, from_acct, from_route, to_acct, to_route, amount, timestamp`

// SQLiteStore 以單一 SQLite 檔案保存交易。
// SQLite 只允許單一寫入者，ID 的指派與提交順序天然一致。
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 開啟（必要時建立）資料庫並套用 schema。
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "ledger.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Insert 寫入交易並回傳 AUTOINCREMENT 指派的 ID。
func (s *SQLiteStore) Insert(ctx context.Context, tx bank.Transaction) (int64, error) {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (request_uuid, from_acct, from_route, to_acct, to_route, amount, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.RequestUUID, tx.FromAccountNum, tx.FromRoutingNum, tx.ToAccountNum, tx.ToRoutingNum,
		tx.Amount, tx.Timestamp.UnixNano())
	if err != nil {
		return 0, classifySQLite("insert transaction", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classifySQLite("insert transaction", err)
	}
	return id, nil
}

// FindSince 依 ID 遞增回傳所有 ID > id 的交易。
func (s *SQLiteStore) FindSince(ctx context.Context, id int64) ([]bank.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM transactions WHERE transaction_id > ? ORDER BY transaction_id ASC`, id)
	if err != nil {
		return nil, classifySQLite("find transactions", err)
	}
	return collectSQLite(rows)
}

// LatestID 回傳目前最高 ID。
func (s *SQLiteStore) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(transaction_id), 0) FROM transactions`).Scan(&id)
	if err != nil {
		return 0, classifySQLite("latest transaction id", err)
	}
	return id, nil
}

// SubmissionExists 查詢 submission key 是否已寫入。
func (s *SQLiteStore) SubmissionExists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions WHERE request_uuid = ?`, key).Scan(&n)
	if err != nil {
		return false, classifySQLite("lookup submission key", err)
	}
	return n > 0, nil
}

// LoadAccount 以 AsOf 為上界計算餘額與歷史，兩個查詢看到同一段歷史。
func (s *SQLiteStore) LoadAccount(ctx context.Context, account, routing string, limit int) (bank.AccountSnapshot, error) {
	var snap bank.AccountSnapshot
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(transaction_id), 0) FROM transactions`).Scan(&snap.AsOf); err != nil {
		return snap, classifySQLite("load account", err)
	}
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN to_acct = ? AND to_route = ? THEN amount ELSE 0 END), 0)
			- COALESCE(SUM(CASE WHEN from_acct = ? AND from_route = ? THEN amount ELSE 0 END), 0),
			COUNT(1)
		FROM transactions
		WHERE transaction_id <= ?
		  AND ((from_acct = ? AND from_route = ?) OR (to_acct = ? AND to_route = ?))`,
		account, routing, account, routing, snap.AsOf, account, routing, account, routing,
	).Scan(&snap.Balance, &count)
	if err != nil {
		return snap, classifySQLite("load account balance", err)
	}
	snap.Found = count > 0

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM transactions
		WHERE transaction_id <= ?
		  AND ((from_acct = ? AND from_route = ?) OR (to_acct = ? AND to_route = ?))
		ORDER BY transaction_id DESC
		LIMIT ?`,
		snap.AsOf, account, routing, account, routing, limit)
	if err != nil {
		return snap, classifySQLite("load account history", err)
	}
	snap.History, err = collectSQLite(rows)
	return snap, err
}

// DB 提供測試用的底層連線。
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Path 回傳資料庫路徑。
func (s *SQLiteStore) Path() string { return s.path }

// Close 關閉資料庫。
func (s *SQLiteStore) Close() error { return s.db.Close() }

func collectSQLite(rows *sql.Rows) ([]bank.Transaction, error) {
	defer func() { _ = rows.Close() }()
	var out []bank.Transaction
	for rows.Next() {
		var (
			tx bank.Transaction
			ts int64
		)
		if err := rows.Scan(&tx.ID, &tx.RequestUUID, &tx.FromAccountNum, &tx.FromRoutingNum,
			&tx.ToAccountNum, &tx.ToRoutingNum, &tx.Amount, &ts); err != nil {
			return nil, classifySQLite("scan transaction", err)
		}
		tx.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("iterate transactions", err)
	}
	return out, nil
}

// classifySQLite：唯一鍵衝突 → ErrDuplicateSubmission；忙碌/鎖定/IO → ErrStoreUnavailable。
func classifySQLite(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return bank.ErrDuplicateSubmission
		}
		// 延伸錯誤碼的低 8 位元為主錯誤碼
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
			return fmt.Errorf("%s: %w: %v", op, bank.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, bank.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
