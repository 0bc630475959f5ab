package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsepress.json")
	if err := os.WriteFile(path, []byte(`{"queue":{"driver":"file"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "info" {
		t.Fatalf("logger level = %q", cfg.Logger.Level)
	}
	if cfg.Wallet.TokenDecimals != 6 || cfg.Wallet.SettleTimeoutSeconds != 120 {
		t.Fatalf("unexpected wallet defaults: %+v", cfg.Wallet)
	}
	if cfg.Queue.Path != filepath.Join(dir, "data", "queue.json") {
		t.Fatalf("queue path = %q", cfg.Queue.Path)
	}
	if cfg.Publish.MaxRetries != 3 || len(cfg.Publish.RetryDelaysMinutes) != 4 {
		t.Fatalf("unexpected publish defaults: %+v", cfg.Publish)
	}
	if cfg.Approval.TimeoutSeconds != 300 || cfg.Approval.PollIntervalSeconds != 5 {
		t.Fatalf("unexpected approval defaults: %+v", cfg.Approval)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsepress.json")
	content := `{"schedule":{"timetable_path":"timetable.yaml","history_path":"data/history.json"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.TimetablePath != filepath.Join(dir, "timetable.yaml") {
		t.Fatalf("timetable path = %q", cfg.Schedule.TimetablePath)
	}
	if cfg.Schedule.HistoryPath != filepath.Join(dir, "data", "history.json") {
		t.Fatalf("history path = %q", cfg.Schedule.HistoryPath)
	}
}

func TestLoadResolvesWalletAndApprovalPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsepress.json")
	content := `{
        "wallet": {"payment_log_path": "data/payments.jsonl"},
        "approval": {"outbox_path": "approval/outbox", "inbox_path": "/var/run/inbox"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wallet.PaymentLogPath != filepath.Join(dir, "data", "payments.jsonl") {
		t.Fatalf("payment log path = %q", cfg.Wallet.PaymentLogPath)
	}
	if cfg.Approval.OutboxPath != filepath.Join(dir, "approval", "outbox") {
		t.Fatalf("outbox path = %q", cfg.Approval.OutboxPath)
	}
	if cfg.Approval.InboxPath != "/var/run/inbox" {
		t.Fatalf("absolute inbox path must stay untouched, got %q", cfg.Approval.InboxPath)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
