package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/metrics"
	"github.com/SirClappington/sqlcoord/internal/queue"
	"github.com/SirClappington/sqlcoord/internal/storage"
	"github.com/SirClappington/sqlcoord/internal/storage/sqlite"
	"github.com/SirClappington/sqlcoord/internal/storage/sqlite/sqlitetest"
	"github.com/SirClappington/sqlcoord/internal/storage/storagetest"
	"github.com/SirClappington/sqlcoord/internal/subscriptions"
)

var testConfig = Config{
	PollInterval:   10 * time.Millisecond,
	BatchSize:      10,
	Grace:          time.Minute,
	MaxAttempts:    2,
	InitialBackoff: 5 * time.Second,
	MaxBackoff:     time.Minute,
	Multiplier:     2,
}

type fixture struct {
	clk       *clock.Manual
	store     *sqlite.Store
	registry  *subscriptions.Registry
	transport *queue.Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(storagetest.Epoch)
	store := sqlitetest.Open(t, clk)
	reg := subscriptions.New(store, subscriptions.WithClock(clk))
	tr := queue.New(store, reg, queue.WithClock(clk), queue.WithLogger(zaptest.NewLogger(t)))
	return &fixture{clk: clk, store: store, registry: reg, transport: tr}
}

func (f *fixture) scheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	base := []Option{WithClock(f.clk), WithLogger(zaptest.NewLogger(t)), WithConfig(testConfig)}
	return New(f.store, f.transport, append(base, opts...)...)
}

func (f *fixture) receive(t *testing.T, q string) *queue.Delivery {
	t.Helper()
	d, err := f.transport.Receive(context.Background(), q, time.Minute, 10)
	if err != nil {
		t.Fatalf("receive %s: %v", q, err)
	}
	return d
}

func TestDueJobDispatchedOnceAcrossSchedulers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	a := f.scheduler(t, WithMetrics(m))
	b := f.scheduler(t, WithMetrics(m))

	id, err := a.Schedule(ctx, Request{
		Target:  domain.QueueTarget("reports"),
		Payload: []byte(`{"report":"daily"}`),
		Headers: map[string]string{"tenant": "t1"},
		DueTime: f.clk.Now().Add(10 * time.Second),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	for _, s := range []*Scheduler{a, b} {
		n, err := s.Tick(ctx)
		if err != nil || n != 0 {
			t.Fatalf("tick before due: n=%d err=%v", n, err)
		}
	}
	if d := f.receive(t, "reports"); d != nil {
		t.Fatalf("message delivered before due: %+v", d.Message)
	}

	f.clk.Advance(10 * time.Second)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			n, err := s.Tick(ctx)
			if err != nil {
				t.Errorf("tick: %v", err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	if total != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", total)
	}

	d := f.receive(t, "reports")
	if d == nil {
		t.Fatal("dispatched job produced no message")
	}
	if d.Header(domain.HeaderJobID) != id || d.Header(domain.HeaderDispatchToken) == "" || d.Header("tenant") != "t1" {
		t.Fatalf("unexpected headers: %v", d.Headers)
	}
	if extra := f.receive(t, "reports"); extra != nil {
		t.Fatalf("job dispatched twice: %+v", extra.Message)
	}

	job, err := a.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != domain.JobDispatched || job.Attempts != 1 {
		t.Fatalf("unexpected job after dispatch: state=%s attempts=%d", job.State, job.Attempts)
	}
	if got := testutil.ToFloat64(m.JobsDispatched); got != 1 {
		t.Fatalf("dispatched metric = %v", got)
	}
}

func TestCompletionHandlerConfirmsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler(t)
	id, err := s.Schedule(ctx, Request{Target: domain.QueueTarget("mail")})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	d := f.receive(t, "mail")
	if d == nil {
		t.Fatal("no message")
	}
	var seen string
	h := s.CompletionHandler(func(_ context.Context, msg *domain.Message) error {
		seen = msg.Header(domain.HeaderJobID)
		return nil
	})
	if err := h(ctx, d.Message); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if seen != id {
		t.Fatalf("handler saw job %q", seen)
	}
	job, _ := s.Get(ctx, id)
	if job.State != domain.JobDone || job.CompletedAt == nil {
		t.Fatalf("job not completed: %+v", job)
	}

	ok, err := s.Complete(ctx, id, d.Header(domain.HeaderDispatchToken))
	if err != nil || ok {
		t.Fatalf("second completion should be stale: ok=%v err=%v", ok, err)
	}
}

func TestOverdueJobRetriedThenFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler(t)
	id, err := s.Schedule(ctx, Request{Target: domain.QueueTarget("work")})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n, _ := s.Tick(ctx); n != 1 {
		t.Fatalf("expected first dispatch, got %d", n)
	}
	first := f.receive(t, "work")

	f.clk.Advance(testConfig.Grace)
	if n, err := s.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("overdue tick: n=%d err=%v", n, err)
	}
	job, _ := s.Get(ctx, id)
	if job.State != domain.JobPending || job.LastError == "" {
		t.Fatalf("overdue job not rescheduled: %+v", job)
	}
	if want := f.clk.Now().Add(testConfig.InitialBackoff); !job.DueTime.Equal(want) {
		t.Fatalf("due = %v, want %v", job.DueTime, want)
	}

	// A completion from the superseded attempt still counts while the
	// job waits for its next dispatch.
	if ok, err := s.Complete(ctx, id, first.Header(domain.HeaderDispatchToken)); err != nil || !ok {
		t.Fatalf("late completion: ok=%v err=%v", ok, err)
	}
	if job, _ := s.Get(ctx, id); job.State != domain.JobDone {
		t.Fatalf("late completion ignored: %s", job.State)
	}

	id2, err := s.Schedule(ctx, Request{Target: domain.QueueTarget("work")})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for attempt := 1; attempt <= testConfig.MaxAttempts; attempt++ {
		if n, _ := s.Tick(ctx); n != 1 {
			t.Fatalf("attempt %d: expected dispatch, got %d", attempt, n)
		}
		f.clk.Advance(testConfig.Grace)
		if _, err := s.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		f.clk.Advance(testConfig.MaxBackoff)
	}
	job, _ = s.Get(ctx, id2)
	if job.State != domain.JobFailed || job.Attempts != testConfig.MaxAttempts {
		t.Fatalf("expected failed after %d attempts: %+v", testConfig.MaxAttempts, job)
	}

	if ok, err := s.Retry(ctx, id2); err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}
	job, _ = s.Get(ctx, id2)
	if job.State != domain.JobPending || job.Attempts != 0 {
		t.Fatalf("retry did not reset job: %+v", job)
	}
}

type failingSender struct{}

func (failingSender) SendDirect(context.Context, string, []byte, ...queue.PublishOption) (int64, error) {
	return 0, errors.New("store unavailable")
}

func (failingSender) Publish(context.Context, string, []byte, ...queue.PublishOption) ([]int64, error) {
	return nil, errors.New("store unavailable")
}

func TestDispatchFailureReschedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := New(f.store, failingSender{}, WithClock(f.clk), WithConfig(testConfig), WithLogger(zaptest.NewLogger(t)))
	id, err := s.Schedule(ctx, Request{Target: domain.QueueTarget("q")})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n, err := s.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("tick: n=%d err=%v", n, err)
	}
	job, _ := s.Get(ctx, id)
	if job.State != domain.JobPending || job.Attempts != 1 {
		t.Fatalf("expected reschedule after failed send: %+v", job)
	}
	if !job.DueTime.After(f.clk.Now()) {
		t.Fatalf("rescheduled job due immediately: %v", job.DueTime)
	}
}

func TestTopicTargetFansOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, q := range []string{"billing", "audit"} {
		if err := f.registry.Subscribe(ctx, "invoices", q); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	s := f.scheduler(t)
	if _, err := s.Schedule(ctx, Request{Target: domain.TopicTarget("invoices"), Payload: []byte("x")}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for _, q := range []string{"billing", "audit"} {
		d := f.receive(t, q)
		if d == nil || d.Header(domain.HeaderTopic) != "invoices" {
			t.Fatalf("%s did not receive the job", q)
		}
	}
}

func TestCancelAndValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler(t)

	if _, err := s.Schedule(ctx, Request{}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := s.Schedule(ctx, Request{Target: domain.Target{Kind: "bucket", Name: "x"}}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for kind, got %v", err)
	}

	id, err := s.Schedule(ctx, Request{ID: "nightly", Target: domain.QueueTarget("q"), DueTime: f.clk.Now().Add(time.Hour)})
	if err != nil || id != "nightly" {
		t.Fatalf("schedule: %q %v", id, err)
	}
	if _, err := s.Schedule(ctx, Request{ID: "nightly", Target: domain.QueueTarget("q")}); err == nil {
		t.Fatal("duplicate job id accepted")
	}
	if ok, err := s.Cancel(ctx, id); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	f.clk.Advance(2 * time.Hour)
	if n, _ := s.Tick(ctx); n != 0 {
		t.Fatalf("canceled job dispatched")
	}
	jobs, err := s.List(ctx, domain.JobCanceled, 10)
	if err != nil || len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("list canceled: %v %v", jobs, err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
