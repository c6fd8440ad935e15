// cmd/server/main.go

// 本服務提供 ledger API：送出交易、查詢餘額與近期交易。
// 此檔案負責讀取設定並組裝各模組（storage, bank, reconciler, server），
// 啟動 HTTP 伺服器；收到 SIGINT/SIGTERM 時依序關閉 HTTP、reconciler 與 store。

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ledger/internal/auth"
	"ledger/internal/bank"
	"ledger/internal/config"
	"ledger/internal/events"
	"ledger/internal/idempotency"
	"ledger/internal/metrics"
	"ledger/internal/reconciler"
	"ledger/internal/server"
	"ledger/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledger exited", zap.Error(err))
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 交易 store
	store, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Store.Driver,
		DataFile:    cfg.Store.DataFile,
		SQLitePath:  cfg.Store.SQLitePath,
		PostgresDSN: cfg.Store.PostgresDSN,
	}, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	// token 驗證
	if cfg.JWT.PubKeyPath == "" {
		return errors.New("PUB_KEY_PATH is required")
	}
	pub, err := auth.LoadPublicKey(cfg.JWT.PubKeyPath)
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(pub, cfg.JWT.Issuer, cfg.JWT.Audience)

	// 近期 submission key 視窗：有 REDIS_ADDR 時多實例共用
	var window idempotency.Window
	if cfg.RedisAddr != "" {
		rw, err := idempotency.NewRedisWindow(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.DedupeWindow)
		if err != nil {
			return err
		}
		logger.Info("using redis submission window", zap.String("addr", cfg.RedisAddr))
		window = rw
	} else {
		window = idempotency.NewMemoryWindow(cfg.DedupeWindow)
	}
	defer window.Close()

	cache := bank.NewCache(store, cfg.LocalRoutingNum, cfg.HistoryLimit)
	validator := bank.NewValidator(cfg.LocalRoutingNum, cache, store, window)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// reconciler 監聽者：快取必須在最前面
	listeners := reconciler.Listeners{cache, m}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger), logger)
		defer publisher.Close()
		listeners = append(listeners, publisher)
		logger.Info("publishing transaction events",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	reader := reconciler.New(store, logger, reconciler.Options{
		PollInterval:    cfg.PollInterval,
		MaxPollFailures: cfg.MaxPollFailures,
	})
	if err := reader.Start(ctx, listeners); err != nil {
		return err
	}
	m.WatchReader(reader)
	m.WatchCache(cache)

	s := server.NewServer(server.Deps{
		Store:       store,
		Cache:       cache,
		Validator:   validator,
		Verifier:    verifier,
		Window:      window,
		Reader:      reader,
		Metrics:     m,
		Logger:      logger,
		Version:     cfg.Version,
		CORSOrigins: cfg.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("routing", cfg.LocalRoutingNum),
			zap.String("store", cfg.Store.Driver),
			zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			_ = reader.Stop(cfg.ShutdownTimeout)
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := reader.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Error("reconciler shutdown", zap.Error(err))
	}
	return nil
}
