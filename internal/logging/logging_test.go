package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watcher.log")
	logger, closer, err := NewLogger(Config{Level: "debug", Output: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	Pair(logger.Info(), "binance_BTC", "binance", "BTC").Msg("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"pair":"binance_BTC"`, `"exchange":"binance"`, `"asset":"BTC"`, `"message":"hello"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %q missing %s", line, want)
		}
	}
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	logger, closer, err := NewLogger(Config{Level: "bogus", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer closer.Close()
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
}

func TestNewLoggerBadPath(t *testing.T) {
	if _, _, err := NewLogger(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}
