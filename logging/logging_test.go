package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestInit_WritesJSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hdfsconn.log")

	if err := Init(Config{Level: "debug", Format: "json", OutputPath: out}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Set(nil)

	Named("scanner").Debug("listing directory", zap.String("path", "/user/alice/in"))
	_ = Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"logger":"scanner"`) {
		t.Errorf("expected logger name in output, got %s", line)
	}
	if !strings.Contains(line, `"path":"/user/alice/in"`) {
		t.Errorf("expected path field in output, got %s", line)
	}
}

func TestSetLevel_FiltersDebug(t *testing.T) {
	out := filepath.Join(t.TempDir(), "level.log")
	if err := Init(Config{Level: "info", OutputPath: out}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Set(nil)

	L().Debug("hidden")
	SetLevel("debug")
	L().Debug("visible")
	_ = Sync()

	data, _ := os.ReadFile(out)
	if strings.Contains(string(data), "hidden") {
		t.Errorf("debug entry logged at info level")
	}
	if !strings.Contains(string(data), "visible") {
		t.Errorf("expected debug entry after SetLevel")
	}
}

func TestL_DefaultsWhenUninitialised(t *testing.T) {
	Set(nil)
	if L() == nil {
		t.Fatal("expected a default logger")
	}
	S().Infow("sugared", "k", "v")
}
