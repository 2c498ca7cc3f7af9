package cachesignal

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/queue"
	"github.com/SirClappington/sqlcoord/internal/storage/sqlite"
	"github.com/SirClappington/sqlcoord/internal/storage/sqlite/sqlitetest"
	"github.com/SirClappington/sqlcoord/internal/subscriptions"
)

var testConfig = Config{
	SubscriptionTTL: 5 * time.Second,
	Heartbeat:       time.Second,
	MaxDeliveries:   2,
	Lease:           time.Second,
	PollInterval:    5 * time.Millisecond,
	MaxPollInterval: 20 * time.Millisecond,
}

type node struct {
	bus   *Bus
	cache *Local[string]
	stop  func() error
}

func startNode(t *testing.T, store *sqlite.Store) *node {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := subscriptions.New(store, subscriptions.WithLogger(logger))
	tr := queue.New(store, reg, queue.WithLogger(logger))
	bus := New(tr, reg, store, WithConfig(testConfig), WithLogger(logger))
	cache := NewLocal[string]()
	bus.Register(cache)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- bus.Run(ctx) }()

	var once sync.Once
	var err error
	n := &node{bus: bus, cache: cache}
	n.stop = func() error {
		once.Do(func() {
			cancel()
			err = <-errCh
		})
		return err
	}
	t.Cleanup(func() { _ = n.stop() })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		queues, _ := store.Resolve(context.Background(), Topic)
		for _, q := range queues {
			if q == bus.Queue() {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bus never subscribed")
	return nil
}

func TestInvalidateReachesOtherProcesses(t *testing.T) {
	ctx := context.Background()
	store := sqlitetest.Open(t, clock.Real{})
	a := startNode(t, store)
	b := startNode(t, store)

	var (
		mu      sync.Mutex
		evicted []string
	)
	b.bus.OnInvalidate(func(key string) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	})

	for _, n := range []*node{a, b} {
		n.cache.Set("wf-1", "v1")
		n.cache.Set("wf-2", "v2")
	}
	if err := a.bus.Invalidate(ctx, "wf-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := a.cache.Get("wf-1"); ok {
		t.Fatal("local eviction must be immediate")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := b.cache.Get("wf-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote cache never invalidated")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := b.cache.Get("wf-2"); !ok {
		t.Fatal("unrelated key evicted")
	}
	mu.Lock()
	if len(evicted) != 1 || evicted[0] != "wf-1" {
		t.Fatalf("unexpected listener calls: %v", evicted)
	}
	mu.Unlock()
}

func TestStopRemovesQueueAndSubscription(t *testing.T) {
	ctx := context.Background()
	store := sqlitetest.Open(t, clock.Real{})
	n := startNode(t, store)
	if err := n.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	queues, err := store.Resolve(ctx, Topic)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(queues) != 0 {
		t.Fatalf("subscription left behind: %v", queues)
	}
	stats, _ := store.QueueStats(ctx)
	for _, st := range stats {
		if st.Queue == n.bus.Queue() {
			t.Fatal("private queue left behind")
		}
	}
}

func TestInvalidateRejectsEmptyKey(t *testing.T) {
	store := sqlitetest.Open(t, clock.Real{})
	reg := subscriptions.New(store)
	bus := New(queue.New(store, reg), reg, store)
	if err := bus.Invalidate(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestLocalCache(t *testing.T) {
	c := NewLocal[int]()
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("unexpected get: %v %v", v, ok)
	}
	c.Evict("a")
	if c.Len() != 0 {
		t.Fatal("expected empty cache")
	}
}
