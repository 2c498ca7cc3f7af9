package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/config"
	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/lock"
	"github.com/SirClappington/sqlcoord/internal/storage/storagetest"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		AppEnv:      "test",
		StoreDriver: config.DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "coord.db"),
		Queue:       config.Queue{Lease: time.Second, MaxDeliveries: 1},
		Lock:        config.Lock{Lease: time.Minute, RenewInterval: 20 * time.Second},
		Maintenance: config.Maintenance{Interval: time.Second, Retention: 24 * time.Hour},
	}
}

func newApp(t *testing.T, clk clock.Clock) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t), WithClock(clk))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestMaintainOnceReapsAndPurges(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(storagetest.Epoch)
	a := newApp(t, clk)

	if _, err := a.Transport.SendDirect(ctx, "jobs", []byte("done")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := a.Transport.SendDirect(ctx, "jobs", []byte("stuck")); err != nil {
		t.Fatalf("send: %v", err)
	}
	done, err := a.Transport.Receive(ctx, "jobs", time.Second, 1)
	if err != nil || done == nil {
		t.Fatalf("receive: %v %v", done, err)
	}
	if ok, err := done.Ack(ctx); err != nil || !ok {
		t.Fatalf("ack: %v %v", ok, err)
	}
	stuck, err := a.Transport.Receive(ctx, "jobs", time.Second, 1)
	if err != nil || stuck == nil {
		t.Fatalf("receive: %v %v", stuck, err)
	}

	clk.Advance(25 * time.Hour)
	rep, err := a.MaintainOnce(ctx)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if rep.Skipped || rep.Reaped != 1 || rep.Purged != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	msg, err := a.Store.GetMessage(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg.State != domain.MessageDead {
		t.Fatalf("expired exhausted lease not dead-lettered: %s", msg.State)
	}

	l, err := a.Locks.Get(ctx, MaintenanceLock)
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if l.HolderID != "" {
		t.Fatalf("maintenance lock not released: %+v", l)
	}
}

func TestMaintainOnceSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(storagetest.Epoch)
	a := newApp(t, clk)

	other := lock.New(a.Store, lock.WithClock(clk), lock.WithHolder("other-node"))
	g, err := other.TryAcquire(ctx, MaintenanceLock, "other-node", time.Minute)
	if err != nil || !g.Granted {
		t.Fatalf("acquire: %+v %v", g, err)
	}
	rep, err := a.MaintainOnce(ctx)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if !rep.Skipped {
		t.Fatalf("maintenance ran while another node held the lock: %+v", rep)
	}

	clk.Advance(2 * time.Minute)
	rep, err = a.MaintainOnce(ctx)
	if err != nil || rep.Skipped {
		t.Fatalf("maintenance after lease expiry: %+v %v", rep, err)
	}
}

func TestMaintainOnceLeavesEphemeralQueuesToTheirConsumers(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(storagetest.Epoch)
	a := newApp(t, clk)

	if err := a.Subscriptions.SubscribeEphemeral(ctx, "cache", "cache-signal.node-a", time.Hour); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, q := range []string{"jobs", "cache-signal.node-a"} {
		if _, err := a.Transport.SendDirect(ctx, q, []byte("x")); err != nil {
			t.Fatalf("send %s: %v", q, err)
		}
		if d, err := a.Transport.Receive(ctx, q, time.Second, 3); err != nil || d == nil {
			t.Fatalf("receive %s: %v %v", q, d, err)
		}
	}

	clk.Advance(2 * time.Second)
	rep, err := a.MaintainOnce(ctx)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if rep.Reaped != 1 {
		t.Fatalf("expected only the durable lease reaped, got %+v", rep)
	}
	stats, err := a.Store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, st := range stats {
		if st.Queue == "cache-signal.node-a" && (st.Dead != 0 || st.Leased != 1) {
			t.Fatalf("maintenance reaped an ephemeral queue with the durable budget: %+v", st)
		}
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "mysql"
	if _, err := OpenStore(context.Background(), cfg, zaptest.NewLogger(t), clock.Real{}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
