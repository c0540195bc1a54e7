package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")
	t.Setenv(envLauncher, "")
	t.Setenv(envPollInterval, "")
	t.Setenv(envExchangeExe, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Launcher != defaultLauncher {
		t.Errorf("Launcher = %q, want %q", cfg.Launcher, defaultLauncher)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, defaultPollInterval)
	}
	if cfg.ExchangeExe != defaultExchangeExe {
		t.Errorf("ExchangeExe = %q, want %q", cfg.ExchangeExe, defaultExchangeExe)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envLauncher, "SLURM")
	t.Setenv(envPollInterval, "30")
	t.Setenv(envExchangeExe, "/opt/keydb/keydb-server")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Launcher != "slurm" {
		t.Errorf("Launcher = %q, want %q", cfg.Launcher, "slurm")
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, 30*time.Second)
	}
	if cfg.ExchangeExe != "/opt/keydb/keydb-server" {
		t.Errorf("ExchangeExe = %q, want %q", cfg.ExchangeExe, "/opt/keydb/keydb-server")
	}
}

func TestLoadBadPollInterval(t *testing.T) {
	t.Setenv(envPollInterval, "not-a-number")
	if cfg := Load(); cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want default %v", cfg.PollInterval, defaultPollInterval)
	}

	t.Setenv(envPollInterval, "-5")
	if cfg := Load(); cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want default %v", cfg.PollInterval, defaultPollInterval)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
