package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("a"), 600*1024)
	if _, err := w.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current file: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Fatalf("current file size = %d, want %d", info.Size(), len(chunk))
	}
	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want exactly one", backups)
	}
}

func TestRotatingWriterPrunesOldBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()

	for _, suffix := range []string{"20240101-000000", "20240102-000000", "20240103-000000"} {
		if err := os.WriteFile(path+"."+suffix, []byte("old"), 0o644); err != nil {
			t.Fatalf("seed backup: %v", err)
		}
	}

	w.prune()

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("backups after prune = %v, want 2", backups)
	}
	for _, b := range backups {
		if b == path+".20240101-000000" {
			t.Fatal("oldest backup should have been pruned first")
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
