package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "muster.db"
	defaultLauncher     = "local"
	defaultPollInterval = 10 * time.Second
	defaultExchangeExe  = "keydb-server"

	envListenAddr   = "MUSTER_LISTEN_ADDR"
	envDBPath       = "MUSTER_DB_PATH"
	envLogLevel     = "MUSTER_LOG_LEVEL"
	envLauncher     = "MUSTER_LAUNCHER"
	envPollInterval = "MUSTER_POLL_INTERVAL"
	envExchangeExe  = "MUSTER_EXCHANGE_EXE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	Launcher     string
	PollInterval time.Duration
	ExchangeExe  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		Launcher:     defaultLauncher,
		PollInterval: defaultPollInterval,
		ExchangeExe:  defaultExchangeExe,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLauncher); v != "" {
		cfg.Launcher = strings.ToLower(v)
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.PollInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envExchangeExe); v != "" {
		cfg.ExchangeExe = v
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
