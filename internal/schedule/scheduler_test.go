package schedule

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"PulsePress/internal/agent"
	"PulsePress/internal/orchestrator"
	"PulsePress/internal/publish"
	"PulsePress/internal/queue"
)

func TestParseTimetable(t *testing.T) {
	data := []byte(`
monday:
  - strategy: daily_digest
    at: "09:00"
friday:
  - strategy: daily_digest
    at: "09:00"
  - strategy: weekly_notice
    at: "18:30"
`)
	timetable, err := ParseTimetable(data)
	if err != nil {
		t.Fatalf("ParseTimetable: %v", err)
	}
	if timetable.Len() != 3 {
		t.Fatalf("entries = %d, want 3", timetable.Len())
	}

	// 2026-08-28 是周五。
	friday := time.Date(2026, 8, 28, 18, 30, 0, 0, time.Local)
	entries := timetable.EntriesAt(friday)
	if len(entries) != 1 || entries[0].Strategy != "weekly_notice" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries := timetable.EntriesAt(friday.Add(time.Minute)); len(entries) != 0 {
		t.Fatalf("expected no entries one minute later, got %+v", entries)
	}
}

func TestParseTimetableRejectsInvalidInput(t *testing.T) {
	cases := []string{
		"funday:\n  - strategy: x\n    at: \"09:00\"\n",
		"monday:\n  - strategy: x\n    at: \"25:00\"\n",
		"monday:\n  - at: \"09:00\"\n",
	}
	for _, data := range cases {
		if _, err := ParseTimetable([]byte(data)); err == nil {
			t.Fatalf("expected error for %q", data)
		}
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *queue.MemoryStore, time.Time) {
	t.Helper()

	store := queue.NewMemoryStore()
	publishers := publish.NewRegistry()
	if err := publishers.Register(publish.Func{
		Name: publish.PlatformDiscord,
		Fn: func(ctx context.Context, content publish.Content) publish.Result {
			return publish.Result{Success: true}
		},
	}); err != nil {
		t.Fatalf("register publisher: %v", err)
	}

	strategies := agent.NewRegistry()
	strategy := agent.NewStaticStrategy("daily_digest", map[publish.Platform]string{
		publish.PlatformDiscord: "digest text",
	}, "")
	if err := strategies.Register(strategy); err != nil {
		t.Fatalf("register strategy: %v", err)
	}

	orch, err := orchestrator.New(store, publishers, strategies, orchestrator.Config{
		MaxRetries:  3,
		RetryDelays: []time.Duration{5 * time.Minute},
		Platforms: map[publish.Platform]orchestrator.PlatformSetting{
			publish.PlatformDiscord: {Enabled: true, AutoPublish: true},
		},
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	// 时刻表条目对准当前时刻，保证 tick 命中。
	now := time.Now()
	weekday := strings.ToLower(now.Weekday().String())
	yaml := fmt.Sprintf("%s:\n  - strategy: daily_digest\n    at: %q\n", weekday, now.Format("15:04"))
	timetable, err := ParseTimetable([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseTimetable: %v", err)
	}

	scheduler, err := New(orch, store, timetable)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return scheduler, store, now
}

func TestRunTickTriggersStrategyOncePerDay(t *testing.T) {
	scheduler, store, now := newTestScheduler(t)
	ctx := context.Background()

	scheduler.runTick(ctx, now)

	items, err := store.List(ctx, queue.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item after first tick, got %d", len(items))
	}
	if items[0].Status != queue.StatusPublished {
		t.Fatalf("status = %q, want published", items[0].Status)
	}

	// 同一天再次命中同一时刻不得重复触发。
	scheduler.runTick(ctx, now)
	items, err = store.List(ctx, queue.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected second tick to be idempotent, got %d items", len(items))
	}
}

func TestRunTickSweepsDueRetries(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t)
	ctx := context.Background()

	item := &queue.Item{
		ID:          "retry-1",
		Strategy:    "older_run",
		Contents:    map[publish.Platform]string{publish.PlatformDiscord: "text"},
		Targets:     []publish.Platform{publish.PlatformDiscord},
		AutoPublish: true,
		Status:      queue.StatusRetry,
		RetryCount:  1,
		NextRetryAt: time.Now().Add(-time.Minute).Unix(),
		Results: map[publish.Platform]publish.Result{
			publish.PlatformDiscord: {Success: false, Message: "rate limited"},
		},
	}
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 用不会命中时刻表的时间执行 tick，只触发重试清扫。
	scheduler.runTick(ctx, time.Now().Add(-2*time.Hour))

	got, err := store.Get(ctx, "retry-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusPublished {
		t.Fatalf("status = %q, want published after sweep", got.Status)
	}
}
