// internal/storage/postgres.go

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ledger/internal/bank"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	transaction_id BIGSERIAL   PRIMARY KEY,
	request_uuid   TEXT        NOT NULL UNIQUE,
	from_acct      CHAR(10)    NOT NULL,
	from_route     CHAR(9)     NOT NULL,
	to_acct        CHAR(10)    NOT NULL,
	to_route       CHAR(9)     NOT NULL,
	amount         BIGINT      NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
)`

var postgresIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions (from_acct, from_route)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions (to_acct, to_route)`,
}

const postgresColumns = `transaction_id, request_uuid, from_acct, from_route, to_acct, to_route, amount, timestamp`

// insertLockKey 為寫入序列化用的 advisory lock。
// BIGSERIAL 在 INSERT 時取號，並發交易可能以不同順序提交；
// 若 11 比 10 先可見，reconciler 推進到 11 後會永遠跳過 10。持鎖寫入讓取號與提交同序。
const insertLockKey int64 = 0x6c6564676572

// PostgresStore 以 pgx 連線池存取 Postgres。
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore 連線（指數退避重試）並套用 schema。
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	const maxRetries = 5
	delay := 500 * time.Millisecond
	var pool *pgxpool.Pool
	for i := 1; i <= maxRetries; i++ {
		pool, err = connectPostgres(ctx, cfg)
		if err == nil {
			break
		}
		logger.Warn("postgres connect failed",
			zap.Int("attempt", i), zap.Int("max", maxRetries), zap.Error(err))
		if i == maxRetries || isFatalPostgres(err) {
			return nil, fmt.Errorf("connect postgres after %d attempts: %w", i, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	logger.Info("postgres connected", zap.String("host", cfg.ConnConfig.Host))

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func connectPostgres(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create transactions table: %w", err)
	}
	for _, stmt := range postgresIndexes {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Insert 在 advisory lock 內寫入交易，回傳指派的 ID。
func (s *PostgresStore) Insert(ctx context.Context, tx bank.Transaction) (int64, error) {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		if _, err := dbtx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, insertLockKey); err != nil {
			return err
		}
		return dbtx.QueryRow(ctx,
			`INSERT INTO transactions (request_uuid, from_acct, from_route, to_acct, to_route, amount, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING transaction_id`,
			tx.RequestUUID, tx.FromAccountNum, tx.FromRoutingNum, tx.ToAccountNum, tx.ToRoutingNum,
			tx.Amount, tx.Timestamp).Scan(&id)
	})
	if err != nil {
		return 0, classifyPostgres("insert transaction", err)
	}
	return id, nil
}

// FindSince 依 ID 遞增回傳所有 ID > id 的交易。
func (s *PostgresStore) FindSince(ctx context.Context, id int64) ([]bank.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM transactions WHERE transaction_id > $1 ORDER BY transaction_id ASC`, id)
	if err != nil {
		return nil, classifyPostgres("find transactions", err)
	}
	return collectPostgres(rows)
}

// LatestID 回傳目前最高 ID。
func (s *PostgresStore) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(transaction_id), 0) FROM transactions`).Scan(&id); err != nil {
		return 0, classifyPostgres("latest transaction id", err)
	}
	return id, nil
}

// SubmissionExists 查詢 submission key 是否已寫入。
func (s *PostgresStore) SubmissionExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE request_uuid = $1)`, key).Scan(&exists)
	if err != nil {
		return false, classifyPostgres("lookup submission key", err)
	}
	return exists, nil
}

// LoadAccount 以 AsOf 為上界計算餘額與歷史。
func (s *PostgresStore) LoadAccount(ctx context.Context, account, routing string, limit int) (bank.AccountSnapshot, error) {
	var snap bank.AccountSnapshot
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(transaction_id), 0) FROM transactions`).Scan(&snap.AsOf); err != nil {
		return snap, classifyPostgres("load account", err)
	}
	const where = `transaction_id <= $3 AND ((from_acct = $1 AND from_route = $2) OR (to_acct = $1 AND to_route = $2))`
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN to_acct = $1 AND to_route = $2 THEN amount ELSE 0 END), 0)
			- COALESCE(SUM(CASE WHEN from_acct = $1 AND from_route = $2 THEN amount ELSE 0 END), 0),
			COUNT(1)
		FROM transactions WHERE `+where,
		account, routing, snap.AsOf).Scan(&snap.Balance, &count)
	if err != nil {
		return snap, classifyPostgres("load account balance", err)
	}
	snap.Found = count > 0

	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM transactions WHERE `+where+` ORDER BY transaction_id DESC LIMIT $4`,
		account, routing, snap.AsOf, limit)
	if err != nil {
		return snap, classifyPostgres("load account history", err)
	}
	snap.History, err = collectPostgres(rows)
	return snap, err
}

// Pool 提供測試用的底層連線池。
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Close 關閉連線池。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectPostgres(rows pgx.Rows) ([]bank.Transaction, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (bank.Transaction, error) {
		var tx bank.Transaction
		err := row.Scan(&tx.ID, &tx.RequestUUID, &tx.FromAccountNum, &tx.FromRoutingNum,
			&tx.ToAccountNum, &tx.ToRoutingNum, &tx.Amount, &tx.Timestamp)
		tx.FromAccountNum = strings.TrimSpace(tx.FromAccountNum)
		tx.ToAccountNum = strings.TrimSpace(tx.ToAccountNum)
		return tx, err
	})
	if err != nil {
		return nil, classifyPostgres("scan transactions", err)
	}
	return out, nil
}

// isFatalPostgres：認證失敗（28xxx）或資料庫不存在（3D000）重試也不會好。
func isFatalPostgres(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "3D000"
}

// classifyPostgres：23505 → ErrDuplicateSubmission；連線類錯誤 → ErrStoreUnavailable；
// 其餘（含認證/設定錯誤）原樣包裝，由 reconciler 計入連續失敗。
func classifyPostgres(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return bank.ErrDuplicateSubmission
		}
		// 57P01..57P03：管理員關閉或資料庫重啟中
		if strings.HasPrefix(pgErr.Code, "57P") || strings.HasPrefix(pgErr.Code, "08") {
			return fmt.Errorf("%s: %w: %v", op, bank.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isFatalPostgres(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, bank.ErrStoreUnavailable, err)
}
