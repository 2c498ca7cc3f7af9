package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/storage/sqlite/sqlitetest"
)

func TestAcquireDeniesThenTakesOverExpired(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	m := New(sqlitetest.Open(t, clk), WithClock(clk), WithLogger(zaptest.NewLogger(t)))

	g, err := m.TryAcquire(ctx, "wf-123", "P1", 5*time.Second)
	if err != nil || !g.Granted || g.FencingToken != 1 {
		t.Fatalf("expected grant with token 1, got %+v %v", g, err)
	}
	if !g.ExpiresAt.Equal(clk.Now().Add(5 * time.Second)) {
		t.Fatalf("unexpected expiry %s", g.ExpiresAt)
	}
	g, err = m.TryAcquire(ctx, "wf-123", "P2", 5*time.Second)
	if err != nil || g.Granted {
		t.Fatalf("expected denial, got %+v %v", g, err)
	}
	clk.Advance(6 * time.Second)
	g, err = m.TryAcquire(ctx, "wf-123", "P2", 5*time.Second)
	if err != nil || !g.Granted || g.FencingToken != 2 {
		t.Fatalf("expected takeover with token 2, got %+v %v", g, err)
	}
	if ok, _ := m.Renew(ctx, "wf-123", "P1", 1, 5*time.Second); ok {
		t.Fatal("superseded holder renewed")
	}
	l, err := m.Get(ctx, "wf-123")
	if err != nil || l.HolderID != "P2" {
		t.Fatalf("unexpected lock: %+v %v", l, err)
	}
}

func TestGrantExpiryComesFromStoredLease(t *testing.T) {
	ctx := context.Background()
	storeClk := clock.NewManual(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	// The caller's clock runs 90s behind the database.
	callerClk := clock.NewManual(storeClk.Now().Add(-90 * time.Second))
	m := New(sqlitetest.Open(t, storeClk), WithClock(callerClk), WithLogger(zaptest.NewLogger(t)))

	g, err := m.TryAcquire(ctx, "wf-9", "P1", 30*time.Second)
	if err != nil || !g.Granted {
		t.Fatalf("acquire: %+v %v", g, err)
	}
	l, err := m.Get(ctx, "wf-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !g.ExpiresAt.Equal(l.LeaseExpiry) {
		t.Fatalf("grant expiry %s differs from stored expiry %s", g.ExpiresAt, l.LeaseExpiry)
	}
	if want := storeClk.Now().Add(30 * time.Second); !g.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, g.ExpiresAt)
	}
}

func TestLockIsNotReentrant(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	m := New(sqlitetest.Open(t, clk), WithClock(clk))
	if g, _ := m.TryAcquire(ctx, "r", "P1", time.Minute); !g.Granted {
		t.Fatal("expected grant")
	}
	if g, _ := m.TryAcquire(ctx, "r", "P1", time.Minute); g.Granted {
		t.Fatal("same holder must not re-acquire a live lock")
	}
}

func TestSingleGrantUnderContention(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	m := New(sqlitetest.Open(t, clk), WithClock(clk))

	var (
		granted atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := m.TryAcquire(ctx, "hot", string(rune('A'+i)), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if g.Granted {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if n := granted.Load(); n != 1 {
		t.Fatalf("expected exactly one grant, got %d", n)
	}
}

func TestFencingTokensIncreaseAndStaleWritesFail(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := sqlitetest.Open(t, clk)
	m := New(store, WithClock(clk))
	fence := NewFence(store, zaptest.NewLogger(t), nil)

	var tokens []int64
	for _, holder := range []string{"A", "B", "C"} {
		g, err := m.TryAcquire(ctx, "ledger", holder, time.Second)
		if err != nil || !g.Granted {
			t.Fatalf("acquire %s: %+v %v", holder, g, err)
		}
		tokens = append(tokens, g.FencingToken)
		if _, err := m.Release(ctx, "ledger", holder, g.FencingToken); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i] <= tokens[i-1] {
			t.Fatalf("tokens not strictly increasing: %v", tokens)
		}
	}

	if err := fence.Check(ctx, "ledger", tokens[2]); err != nil {
		t.Fatalf("newest token rejected: %v", err)
	}
	err := fence.Check(ctx, "ledger", tokens[0])
	if !errors.Is(err, ErrFencingViolation) {
		t.Fatalf("expected fencing violation, got %v", err)
	}
}

func TestHoldRenewsAndReleases(t *testing.T) {
	ctx := context.Background()
	store := sqlitetest.Open(t, clock.Real{})
	m := New(store, WithHolder("worker-1"), WithLogger(zaptest.NewLogger(t)))

	err := m.Hold(ctx, "report", 300*time.Millisecond, func(ctx context.Context, token int64) error {
		time.Sleep(800 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		other, err := m.TryAcquire(ctx, "report", "worker-2", time.Second)
		if err != nil {
			return err
		}
		if other.Granted {
			return errors.New("renewed lock was taken over")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	l, err := m.Get(ctx, "report")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.HolderID != "" {
		t.Fatalf("expected lock released, holder %q", l.HolderID)
	}
}

func TestHoldReportsLostLock(t *testing.T) {
	ctx := context.Background()
	store := sqlitetest.Open(t, clock.Real{})
	m := New(store, WithHolder("worker-1"), WithRenewInterval(20*time.Millisecond))

	err := m.Hold(ctx, "job", time.Minute, func(ctx context.Context, token int64) error {
		// Simulate an operator force-release followed by a new holder.
		if _, err := store.ReleaseLock(ctx, "job", "worker-1", token); err != nil {
			return err
		}
		if _, ok, err := store.TryAcquire(ctx, "job", "worker-2", time.Minute); err != nil || !ok {
			return errors.Errorf("takeover failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("context not cancelled after losing the lock")
		}
	})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

func TestHoldDeniedWhenTaken(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := sqlitetest.Open(t, clk)
	if _, ok, _ := store.TryAcquire(ctx, "busy", "someone", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}
	m := New(store, WithClock(clk))
	ran := false
	err := m.Hold(ctx, "busy", time.Minute, func(context.Context, int64) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrNotAcquired) || ran {
		t.Fatalf("expected ErrNotAcquired without running fn, got %v ran=%v", err, ran)
	}
}
