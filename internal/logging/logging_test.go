package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewWritesConsoleAndFile checks the tee and level filtering.
func TestNewWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "afm.log")

	log, closer, err := New(Options{Level: "info", File: path, Console: &console})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Debug().Msg("hidden")
	log.Info().Str("stage", "main").Msg("visible")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !strings.Contains(console.String(), "visible") || strings.Contains(console.String(), "hidden") {
		t.Fatalf("console output = %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"stage":"main"`) {
		t.Fatalf("file output = %q", data)
	}
}

// TestNewRejectsUnknownLevel surfaces bad level names.
func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
