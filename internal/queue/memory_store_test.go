package queue

import (
	"context"
	"errors"
	"testing"

	"PulsePress/internal/publish"
)

func newTestItem(id, strategy string, status Status) *Item {
	return &Item{
		ID:       id,
		Strategy: strategy,
		Status:   status,
		Contents: map[publish.Platform]string{publish.PlatformDiscord: "hello"},
		Targets:  []publish.Platform{publish.PlatformDiscord},
		Results:  map[publish.Platform]publish.Result{},
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	item := newTestItem("item-1", "daily", StatusPending)
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("create: %v", err)
	}
	if item.CreatedAt == 0 || item.UpdatedAt == 0 {
		t.Fatal("create should stamp timestamps")
	}

	got, err := store.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Strategy != "daily" || got.Status != StatusPending {
		t.Fatalf("unexpected item: %+v", got)
	}

	// 返回的是副本，修改不应影响存储内容。
	got.Contents[publish.PlatformDiscord] = "mutated"
	again, err := store.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Contents[publish.PlatformDiscord] != "hello" {
		t.Fatal("store must return independent copies")
	}
}

func TestMemoryStoreCreateRejectsDuplicateID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestItem("item-1", "daily", StatusPending)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, newTestItem("item-1", "daily", StatusPending))
	if !errors.Is(err, ErrItemConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreUpdateMissingItem(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(context.Background(), newTestItem("ghost", "daily", StatusPending))
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := []*Item{
		newTestItem("a", "daily", StatusPending),
		newTestItem("b", "daily", StatusRetry),
		newTestItem("c", "weekly", StatusRetry),
		newTestItem("d", "daily", StatusPublished),
	}
	for _, item := range seed {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create %s: %v", item.ID, err)
		}
	}

	retries, err := store.List(ctx, ListOptions{Statuses: []Status{StatusRetry}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry items, got %d", len(retries))
	}

	daily, err := store.List(ctx, ListOptions{Strategy: "daily"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(daily) != 3 {
		t.Fatalf("expected 3 daily items, got %d", len(daily))
	}

	both, err := store.List(ctx, ListOptions{Strategy: "daily", Statuses: []Status{StatusRetry}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(both) != 1 || both[0].ID != "b" {
		t.Fatalf("unexpected filtered result: %+v", both)
	}

	limited, err := store.List(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d items", len(limited))
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestItem("item-1", "daily", StatusPublished)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, "item-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "item-1"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.Delete(ctx, "item-1"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected not found for second delete, got %v", err)
	}
}

func TestFailedTargetsExtractsUnsuccessfulPlatforms(t *testing.T) {
	item := newTestItem("item-1", "daily", StatusRetry)
	item.Targets = []publish.Platform{publish.PlatformDiscord, publish.PlatformTelegram}
	item.Results = map[publish.Platform]publish.Result{
		publish.PlatformDiscord:  {Success: true},
		publish.PlatformTelegram: {Success: false, Message: "rate limited"},
	}

	failed := item.FailedTargets()
	if len(failed) != 1 || failed[0] != publish.PlatformTelegram {
		t.Fatalf("unexpected failed targets: %+v", failed)
	}
}
