// internal/server/handler.go
//
// Package server 提供 ledger 的 HTTP 介面。
// 每個 handler 只負責：
//  1. 取得已驗證帳號（authenticate middleware 放入 context）
//  2. 解析請求並交給 Validator / Cache / Store
//  3. 以 statusFor 將錯誤轉為狀態碼
//
// 寫入直接進 store；餘額與歷史由 reconciler 非同步套用到快取，
// 因此送出成功後立即查詢可能還看不到這筆交易（最多落後一個輪詢週期）。
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ledger/internal/bank"
	"ledger/internal/metrics"
)

const maxBodyBytes = 1 << 20

// TransactionWriter 為送出交易需要的 store 能力。
type TransactionWriter interface {
	Insert(ctx context.Context, tx bank.Transaction) (int64, error)
}

// TokenVerifier 驗證 bearer token 並回傳帳號。
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Submissions 記錄剛寫入的 submission key。
type Submissions interface {
	Remember(ctx context.Context, key string) error
}

// Liveness 回報 reconciler 是否存活。
type Liveness interface {
	IsAlive() bool
}

// Deps 為 Server 的相依元件。Window 與 Metrics 可為 nil。
type Deps struct {
	Store       TransactionWriter
	Cache       *bank.Cache
	Validator   *bank.Validator
	Verifier    TokenVerifier
	Window      Submissions
	Reader      Liveness
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Version     string
	CORSOrigins []string
}

// Server 為 HTTP 層核心結構。
type Server struct {
	store       TransactionWriter
	cache       *bank.Cache
	validator   *bank.Validator
	verifier    TokenVerifier
	window      Submissions
	reader      Liveness
	metrics     *metrics.Metrics
	logger      *zap.Logger
	version     string
	corsOrigins []string
}

// NewServer 建立 HTTP 伺服器。
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		store:       d.Store,
		cache:       d.Cache,
		validator:   d.Validator,
		verifier:    d.Verifier,
		window:      d.Window,
		reader:      d.Reader,
		metrics:     d.Metrics,
		logger:      logger.Named("server"),
		version:     d.Version,
		corsOrigins: origins,
	}
}

// submitTransaction 處理 POST /transactions。
// 成功回傳 201 "ok"；交易在下一輪 poll 後才反映在餘額。
func (s *Server) submitTransaction(w http.ResponseWriter, r *http.Request) {
	authed := accountFrom(r.Context())

	var tx bank.Transaction
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&tx); err != nil {
		s.rejectSubmission(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	// ID 與時間戳由 store 指派
	tx.ID = 0
	tx.Timestamp = time.Time{}

	if err := s.validator.Validate(r.Context(), authed, tx); err != nil {
		s.rejectSubmission(w, r, err)
		return
	}

	id, err := s.store.Insert(r.Context(), tx)
	if err != nil {
		s.rejectSubmission(w, r, err)
		return
	}
	if s.window != nil {
		if err := s.window.Remember(r.Context(), tx.RequestUUID); err != nil {
			// store 已有此 key，視窗失效只影響即時去重
			s.logger.Warn("remember submission key failed", zap.String("request_uuid", tx.RequestUUID), zap.Error(err))
		}
	}
	s.observe(nil)
	s.logger.Info("transaction submitted",
		zap.Int64("transaction_id", id),
		zap.String("request_uuid", tx.RequestUUID),
		zap.String("from", tx.FromAccountNum),
		zap.String("to", tx.ToAccountNum),
		zap.Int64("amount", tx.Amount))
	writeText(w, http.StatusCreated, "ok")
}

func (s *Server) rejectSubmission(w http.ResponseWriter, r *http.Request, err error) {
	s.observe(err)
	code := statusFor(err)
	fields := []zap.Field{zap.String("account", accountFrom(r.Context())), zap.Int("status", code), zap.Error(err)}
	if code >= http.StatusInternalServerError {
		s.logger.Error("transaction submission failed", fields...)
	} else {
		s.logger.Info("transaction rejected", fields...)
	}
	writeErr(w, err)
}

func (s *Server) observe(err error) {
	if s.metrics != nil {
		s.metrics.ObserveSubmission(resultLabel(err))
	}
}

// getBalance 處理 GET /balances/{accountId}；只能查詢自己的帳戶。
func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := s.ownAccount(w, r)
	if !ok {
		return
	}
	bal, err := s.cache.Balance(r.Context(), account)
	if err != nil {
		s.readFailed(w, account, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// getHistory 處理 GET /transactions/{accountId}：近期交易，新到舊。
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := s.ownAccount(w, r)
	if !ok {
		return
	}
	hist, err := s.cache.History(r.Context(), account)
	if err != nil {
		s.readFailed(w, account, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) ownAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := chi.URLParam(r, "accountId")
	if account != accountFrom(r.Context()) {
		writeErr(w, fmt.Errorf("%w: account %s", bank.ErrUnauthorized, account))
		return "", false
	}
	return account, true
}

func (s *Server) readFailed(w http.ResponseWriter, account string, err error) {
	if statusFor(err) >= http.StatusInternalServerError {
		s.logger.Error("account lookup failed", zap.String("account", account), zap.Error(err))
	}
	writeErr(w, err)
}

// ready 處理 GET /ready：程序可接受請求。
func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// healthy 處理 GET /healthy：reconciler 存活才回 200。
func (s *Server) healthy(w http.ResponseWriter, _ *http.Request) {
	if s.reader != nil && !s.reader.IsAlive() {
		writeErr(w, bank.ErrReconcilerFatal)
		return
	}
	writeText(w, http.StatusOK, "ok")
}

// versionInfo 處理 GET /version。
func (s *Server) versionInfo(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, s.version)
}
