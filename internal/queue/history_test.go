package queue

import (
	"fmt"
	"path/filepath"
	"testing"

	"PulsePress/internal/publish"
)

func TestHistoryEvictsOldestBeyondCapacity(t *testing.T) {
	history, err := NewHistory(3, "")
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}

	for i := 0; i < 5; i++ {
		err := history.Append(HistoryRecord{
			Timestamp: int64(i),
			Strategy:  fmt.Sprintf("s-%d", i),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	records := history.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Strategy != "s-2" || records[2].Strategy != "s-4" {
		t.Fatalf("unexpected eviction order: %+v", records)
	}
}

func TestHistoryPersistsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")

	history, err := NewHistory(10, path)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	err = history.Append(HistoryRecord{
		Timestamp: 42,
		Strategy:  "daily",
		Results: map[publish.Platform]publish.Result{
			publish.PlatformDiscord: {Success: true, URL: "https://discord.example/1"},
		},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	reloaded, err := NewHistory(10, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	records := reloaded.Records()
	if len(records) != 1 || records[0].Strategy != "daily" {
		t.Fatalf("unexpected reloaded records: %+v", records)
	}
	if !records[0].Results[publish.PlatformDiscord].Success {
		t.Fatalf("result lost on reload: %+v", records[0].Results)
	}
}
