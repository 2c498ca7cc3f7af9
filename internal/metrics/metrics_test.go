package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/domain"
)

type fakeStats struct {
	stats []domain.QueueStats
	err   error
}

func (f fakeStats) QueueStats(context.Context) ([]domain.QueueStats, error) {
	return f.stats, f.err
}

func TestQueueCollectorReportsDepth(t *testing.T) {
	src := fakeStats{stats: []domain.QueueStats{{Queue: "orders", Ready: 3, Leased: 1, Dead: 2}}}
	c := NewQueueCollector(src, 0, zaptest.NewLogger(t))

	if n := testutil.CollectAndCount(c); n != 5 {
		t.Fatalf("expected 5 series, got %d", n)
	}
	want := `
# HELP sqlcoord_queue_messages Messages per queue and state.
# TYPE sqlcoord_queue_messages gauge
sqlcoord_queue_messages{queue="orders",state="completed"} 0
sqlcoord_queue_messages{queue="orders",state="dead"} 2
sqlcoord_queue_messages{queue="orders",state="delayed"} 0
sqlcoord_queue_messages{queue="orders",state="leased"} 1
sqlcoord_queue_messages{queue="orders",state="ready"} 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want)); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestQueueCollectorSkipsOnError(t *testing.T) {
	c := NewQueueCollector(fakeStats{err: errors.New("down")}, 0, zaptest.NewLogger(t))
	if n := testutil.CollectAndCount(c); n != 0 {
		t.Fatalf("expected no series on error, got %d", n)
	}
}

func TestNewRegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Acked.WithLabelValues("orders").Inc()
	m.LockAcquire.WithLabelValues("granted").Add(2)

	if got := testutil.ToFloat64(m.Acked.WithLabelValues("orders")); got != 1 {
		t.Fatalf("expected 1 ack, got %v", got)
	}
	if got := testutil.ToFloat64(m.LockAcquire.WithLabelValues("granted")); got != 2 {
		t.Fatalf("expected 2 grants, got %v", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered families")
	}
	if OrNop(nil) == nil || OrNop(m) != m {
		t.Fatal("OrNop misbehaves")
	}
}
