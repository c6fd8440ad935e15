// internal/metrics/metrics.go
//
// Package metrics 定義 Prometheus 指標，並以 reconciler.Callback 的形式統計已套用的交易。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledger/internal/bank"
)

const namespace = "ledger"

// ReaderStatus 為 reconciler 對外揭露的狀態。
type ReaderStatus interface {
	Watermark() int64
	IsAlive() bool
}

// CacheStatus 為快取對外揭露的狀態。
type CacheStatus interface {
	Len() int
}

// Metrics 收集交易、送出結果與 HTTP 延遲指標。
type Metrics struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	applied     prometheus.Counter
	amount      prometheus.Counter
	submissions *prometheus.CounterVec
	duration    *prometheus.HistogramVec

	counted atomic.Int64 // 已計入的最高交易 ID
}

// New 在 reg 上註冊指標；reg 為 nil 時使用新的獨立 registry。
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg:      reg,
		gatherer: reg,
		applied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_applied_total",
			Help:      "Transactions delivered by the ledger reader.",
		}),
		amount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_amount_total",
			Help:      "Sum of applied transaction amounts in minor units.",
		}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Transaction submissions by result.",
		}, []string{"result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"method", "route", "status"}),
	}
}

// WatchReader 註冊 watermark 與存活狀態的 GaugeFunc。
func (m *Metrics) WatchReader(r ReaderStatus) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reader_watermark",
		Help:      "Highest transaction id applied to the cache.",
	}, func() float64 { return float64(r.Watermark()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reader_alive",
		Help:      "1 while the ledger reader is polling.",
	}, func() float64 {
		if r.IsAlive() {
			return 1
		}
		return 0
	})
}

// WatchCache 註冊快取帳戶數的 GaugeFunc。
func (m *Metrics) WatchCache(c CacheStatus) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cached_accounts",
		Help:      "Accounts currently held in the balance cache.",
	}, func() float64 { return float64(c.Len()) })
}

// ProcessTransaction 統計一筆已套用的交易；永不回傳錯誤。
// 後續 listener 失敗造成的重送（ID 不大於已計入者）不重複計算。
func (m *Metrics) ProcessTransaction(_ context.Context, tx bank.Transaction) error {
	if tx.ID <= m.counted.Load() {
		return nil
	}
	m.counted.Store(tx.ID)
	m.applied.Inc()
	m.amount.Add(float64(tx.Amount))
	return nil
}

// ObserveSubmission 記錄一次送出的結果（例如 "ok"、"invalid amount"）。
func (m *Metrics) ObserveSubmission(result string) {
	m.submissions.WithLabelValues(result).Inc()
}

// ObserveRequest 記錄一次 HTTP 請求。
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.duration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler 回傳 /metrics 的 handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
