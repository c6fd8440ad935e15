// internal/events/publisher.go
//
// Package events 將 reconciler 套用的每筆交易發佈到 Kafka，供下游（通知、報表）訂閱。
// Writer 為非同步模式：ProcessTransaction 不會因 broker 緩慢而拖住 reconciler。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"ledger/internal/bank"
)

// EventTransactionApplied 為事件類型。
const EventTransactionApplied = "transaction.applied"

// Event 為發佈到 Kafka 的訊息內容。
type Event struct {
	Type        string           `json:"type"`
	Transaction bank.Transaction `json:"transaction"`
	PublishedAt time.Time        `json:"publishedAt"`
}

// MessageWriter 為 *kafka.Writer 的最小介面。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 實作 reconciler.Callback。
type Publisher struct {
	w      MessageWriter
	logger *zap.Logger
}

// NewKafkaWriter 建立非同步、批次送出的 kafka.Writer。
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // 同一 key 進同一 partition
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("publish transaction events failed", zap.Int("count", len(msgs)), zap.Error(err))
			}
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// NewPublisher 以 w 發佈事件。
func NewPublisher(w MessageWriter, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{w: w, logger: logger.Named("events")}
}

// ProcessTransaction 將交易編碼為事件並寫出，以 submission key 作為訊息 key。
func (p *Publisher) ProcessTransaction(ctx context.Context, tx bank.Transaction) error {
	body, err := json.Marshal(Event{
		Type:        EventTransactionApplied,
		Transaction: tx,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode event %d: %w", tx.ID, err)
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tx.RequestUUID),
		Value: body,
		Time:  tx.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventTransactionApplied)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish transaction %d: %w", tx.ID, err)
	}
	return nil
}

// Close 送出剩餘批次並關閉 writer。
func (p *Publisher) Close() error { return p.w.Close() }
