package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "escrowd.db"
	defaultHMACMaxSkew = 5 * time.Minute

	envListenAddr         = "ESCROWD_LISTEN_ADDR"
	envDBPath             = "ESCROWD_DB_PATH"
	envDatabaseURL        = "ESCROWD_DATABASE_URL"
	envLogLevel           = "ESCROWD_LOG_LEVEL"
	envRPCURL             = "ESCROWD_RPC_URL"
	envSettlementContract = "ESCROWD_SETTLEMENT_CONTRACT"
	envPrivateKey         = "ESCROWD_PRIVATE_KEY"
	envHMACSecret         = "ESCROWD_HMAC_SECRET"
	envHMACMaxSkew        = "ESCROWD_HMAC_MAX_SKEW"
)

// Config holds application configuration loaded from environment variables.
// DatabaseURL selects Postgres when set, otherwise DBPath selects SQLite.
// RPCURL enables the on-chain environment source and, together with
// SettlementContract and PrivateKey, the on-chain transfer dispatcher.
type Config struct {
	ListenAddr         string
	DBPath             string
	DatabaseURL        string
	LogLevel           slog.Level
	RPCURL             string
	SettlementContract string
	PrivateKey         string
	HMACSecret         string
	HMACMaxSkew        time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		LogLevel:    slog.LevelInfo,
		HMACMaxSkew: defaultHMACMaxSkew,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	cfg.DatabaseURL = os.Getenv(envDatabaseURL)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.RPCURL = os.Getenv(envRPCURL)
	cfg.SettlementContract = os.Getenv(envSettlementContract)
	cfg.PrivateKey = os.Getenv(envPrivateKey)
	cfg.HMACSecret = os.Getenv(envHMACSecret)
	if v := os.Getenv(envHMACMaxSkew); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HMACMaxSkew = d
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
