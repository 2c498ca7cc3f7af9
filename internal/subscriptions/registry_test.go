package subscriptions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/storage"
	"github.com/SirClappington/sqlcoord/internal/storage/sqlite/sqlitetest"
)

var start = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestResolveSnapshotIsSortedAndOwned(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	r := New(sqlitetest.Open(t, clk), WithClock(clk), WithLogger(zaptest.NewLogger(t)))

	for _, q := range []string{"q2", "q1", "q3"} {
		if err := r.Subscribe(ctx, "orders-topic", q); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	got, err := r.Resolve(ctx, "orders-topic")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if fmt.Sprint(got) != "[q1 q2 q3]" {
		t.Fatalf("unexpected queues: %v", got)
	}
	got[0] = "mutated"
	again, _ := r.Resolve(ctx, "orders-topic")
	if again[0] != "q1" {
		t.Fatal("caller mutation leaked into registry")
	}
}

func TestCacheServesUntilTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	store := sqlitetest.Open(t, clk)
	r := New(store, WithClock(clk), WithCacheTTL(5*time.Second))
	other := New(store, WithClock(clk))

	if err := r.Subscribe(ctx, "t", "a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got, _ := r.Resolve(ctx, "t"); len(got) != 1 {
		t.Fatalf("expected 1 queue, got %v", got)
	}
	// A subscription made through another process is not seen until the TTL.
	if err := other.Subscribe(ctx, "t", "b"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got, _ := r.Resolve(ctx, "t"); len(got) != 1 {
		t.Fatalf("expected cached snapshot, got %v", got)
	}
	clk.Advance(5 * time.Second)
	if got, _ := r.Resolve(ctx, "t"); len(got) != 2 {
		t.Fatalf("expected refreshed snapshot, got %v", got)
	}

	if _, err := r.Unsubscribe(ctx, "t", "a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got, _ := r.Resolve(ctx, "t"); fmt.Sprint(got) != "[b]" {
		t.Fatalf("local unsubscribe must invalidate cache, got %v", got)
	}
}

func TestPruneDropsLapsedEphemeralQueues(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	store := sqlitetest.Open(t, clk)
	r := New(store, WithClock(clk), WithLogger(zaptest.NewLogger(t)))

	if err := r.SubscribeEphemeral(ctx, "cache-invalidate", "node-a", 10*time.Second); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.SubscribeEphemeral(ctx, "cache-invalidate", "node-b", 10*time.Second); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := store.Insert(ctx, storage.NewMessage{Queue: "node-b", Payload: []byte("k")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clk.Advance(8 * time.Second)
	if ok, err := r.Touch(ctx, "cache-invalidate", "node-a", 10*time.Second); err != nil || !ok {
		t.Fatalf("touch: ok=%v err=%v", ok, err)
	}
	clk.Advance(4 * time.Second)

	pruned, err := r.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(pruned) != 1 || pruned[0].Queue != "node-b" {
		t.Fatalf("unexpected prune: %+v", pruned)
	}
	stats, err := store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, st := range stats {
		if st.Queue == "node-b" {
			t.Fatal("lapsed ephemeral queue not dropped")
		}
	}
	if ok, _ := r.Touch(ctx, "cache-invalidate", "node-b", time.Second); ok {
		t.Fatal("touching a pruned subscription must report false")
	}
	if got, _ := r.Resolve(ctx, "cache-invalidate"); fmt.Sprint(got) != "[node-a]" {
		t.Fatalf("unexpected resolution: %v", got)
	}
}

func TestSubscribeEphemeralRejectsZeroTTL(t *testing.T) {
	clk := clock.NewManual(start)
	r := New(sqlitetest.Open(t, clk), WithClock(clk))
	if err := r.SubscribeEphemeral(context.Background(), "t", "q", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
