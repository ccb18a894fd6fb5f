package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestInitLoggerWritesJSON(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "app.log")
	if err := InitLogger(logFile, "info", 1024, 2); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	defer func() { Logger = zap.NewNop() }()

	Logger.Debug("hidden")
	Logger.Info("Chain state appended", zap.Uint64("height", 7))
	if err := Close(); err != nil {
		t.Fatalf("close logger: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"Chain state appended"`) || !strings.Contains(out, `"height":7`) {
		t.Fatalf("unexpected log output: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug entry written at info level: %s", out)
	}
}

func TestInitLoggerRejectsLevel(t *testing.T) {
	if err := InitLogger(filepath.Join(t.TempDir(), "app.log"), "loud", 1024, 2); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
