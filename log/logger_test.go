package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Context{SessionID: "s-1", Channel: "nightly"}).WithOutput(&buf)

	l.Info("download started", map[string]any{"bytes": 10})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "download started" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["session_id"] != "s-1" || entry["channel"] != "nightly" {
		t.Errorf("context fields missing: %v", entry)
	}
	if _, ok := entry["install_root"]; ok {
		t.Error("empty context fields must be omitted")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["bytes"] != float64(10) {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_WithLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Context{}).WithOutput(&buf).WithLevel("warn")

	l.Info("dropped", nil)
	l.Warn("kept", nil)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn entry missing")
	}
}

func TestLogger_WithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "skiff.log")
	l := NewLogger(Context{Component: "launcher"}).WithOutput(&buf).WithFile(path, Rotation{MaxSizeMB: 1})

	l.Error("install failed", map[string]any{"kind": "filesystem"})
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "install failed") {
		t.Errorf("file sink missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), "install failed") {
		t.Errorf("primary sink missing entry: %q", buf.String())
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	l.Info("ignored", nil)
	l.With(Context{SessionID: "x"}).Warn("ignored", nil)
	l.Sugar().Infof("ignored %d", 1)
	if err := l.Sync(); err != nil {
		t.Errorf("Sync() = %v", err)
	}
}
