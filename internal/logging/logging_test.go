package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "json")
	logger.Debug("linked", "legacy_id", "u1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "linked" || line["legacy_id"] != "u1" {
		t.Errorf("line = %v", line)
	}
}

func TestNewTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text")
	logger.Info("created")
	logger.Warn("failed", "type", "iso")

	out := buf.String()
	if strings.Contains(out, "created") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "msg=failed") || !strings.Contains(out, "type=iso") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, err := Setup(Options{Level: "info", Directory: dir, Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("run complete")

	name := filepath.Join(dir, "carryover-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "run complete") || !strings.Contains(console.String(), "run complete") {
		t.Error("expected the line in both the file and the console")
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	for _, name := range []string{"carryover-2026-04-01.log", "carryover-2026-05-19.log", "other.log", "carryover-bad.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := Prune(dir, 30, now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "carryover-2026-04-01.log")); !os.IsNotExist(err) {
		t.Error("old log should be gone")
	}
	if _, err := os.Stat(filepath.Join(dir, "carryover-2026-05-19.log")); err != nil {
		t.Error("recent log should be kept")
	}
}
