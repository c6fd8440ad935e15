// internal/config/config.go
//
// Package config 讀取服務設定。優先順序（後者覆蓋前者）：
// 內建預設值 → CONFIG_FILE 指定的 YAML 檔 → 環境變數（含 .env）。
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var routingNumRe = regexp.MustCompile(`^\d{9}$`)

// Config 為服務全部設定。
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	LocalRoutingNum string        `yaml:"local_routing_num"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	HistoryLimit    int           `yaml:"history_limit"`
	MaxPollFailures int           `yaml:"max_poll_failures"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Version         string        `yaml:"version"`

	Store StoreConfig `yaml:"store"`
	JWT   JWTConfig   `yaml:"jwt"`

	DedupeWindow time.Duration `yaml:"dedupe_window"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisPass    string        `yaml:"redis_pass"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	CORSOrigins []string `yaml:"cors_origins"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StoreConfig 選擇交易 store 的實作。
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DataFile    string `yaml:"data_file"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// JWTConfig 為 token 驗證設定。
type JWTConfig struct {
	PubKeyPath string `yaml:"pub_key_path"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// Default 回傳內建預設值。
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		LocalRoutingNum: "883745000",
		PollInterval:    100 * time.Millisecond,
		HistoryLimit:    100,
		MaxPollFailures: 5,
		ShutdownTimeout: 5 * time.Second,
		Version:         "dev",
		Store: StoreConfig{
			Driver:     "memory",
			DataFile:   "ledger.json",
			SQLitePath: "ledger.db",
		},
		DedupeWindow: 10 * time.Minute,
		KafkaTopic:   "ledger.transactions",
		CORSOrigins:  []string{"*"},
		LogLevel:     "info",
		LogFormat:    "json",
	}
}

// Load 依序套用預設值、YAML 檔與環境變數，並驗證結果。
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("ledger: no .env file found, relying on system env vars")
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LocalRoutingNum = getEnv("LOCAL_ROUTING_NUM", c.LocalRoutingNum)
	c.PollInterval = getEnvDuration("POLL_INTERVAL", c.PollInterval, &errs)
	c.HistoryLimit = getEnvInt("HISTORY_LIMIT", c.HistoryLimit, &errs)
	c.MaxPollFailures = getEnvInt("MAX_POLL_FAILURES", c.MaxPollFailures, &errs)
	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout, &errs)
	c.Version = getEnv("VERSION", c.Version)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.DataFile = getEnv("DATA_FILE", c.Store.DataFile)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	c.Store.PostgresDSN = getEnv("POSTGRES_DSN", c.Store.PostgresDSN)

	c.JWT.PubKeyPath = getEnv("PUB_KEY_PATH", c.JWT.PubKeyPath)
	c.JWT.Issuer = getEnv("JWT_ISSUER", c.JWT.Issuer)
	c.JWT.Audience = getEnv("JWT_AUDIENCE", c.JWT.Audience)

	c.DedupeWindow = getEnvDuration("DEDUPE_WINDOW", c.DedupeWindow, &errs)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPass = getEnv("REDIS_PASS", c.RedisPass)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
	c.CORSOrigins = getEnvSlice("CORS_ORIGINS", c.CORSOrigins)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	return errors.Join(errs...)
}

// Validate 檢查設定是否可用。
func (c Config) Validate() error {
	var errs []error
	if !routingNumRe.MatchString(c.LocalRoutingNum) {
		errs = append(errs, fmt.Errorf("LOCAL_ROUTING_NUM must be 9 digits, got %q", c.LocalRoutingNum))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	if c.MaxPollFailures <= 0 {
		errs = append(errs, errors.New("MAX_POLL_FAILURES must be positive"))
	}
	switch c.Store.Driver {
	case "memory", "file", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getEnvSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
