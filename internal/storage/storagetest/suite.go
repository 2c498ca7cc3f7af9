// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

// Epoch is the start time of the manual clock handed to factories. It is
// millisecond aligned so backends storing milliseconds round-trip it.
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Factory opens an empty, migrated store driven by clk. The factory owns
// cleanup through t.Cleanup.
type Factory func(t *testing.T, clk clock.Clock) storage.Store

// Run executes the conformance suite against the stores produced by open.
func Run(t *testing.T, open Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store, clk *clock.Manual)
	}{
		{"LeaseIsExclusive", testLeaseIsExclusive},
		{"LeaseOrderIsFIFO", testLeaseOrderIsFIFO},
		{"DelayedMessageInvisible", testDelayedMessageInvisible},
		{"ExpiredLeaseRedelivers", testExpiredLeaseRedelivers},
		{"ExtendLeaseKeepsMessage", testExtendLeaseKeepsMessage},
		{"NackRequeuesThenDeadLetters", testNackRequeuesThenDeadLetters},
		{"ReleaseDoesNotCountDelivery", testReleaseDoesNotCountDelivery},
		{"DeadLetterAndReplay", testDeadLetterAndReplay},
		{"ReapExpired", testReapExpired},
		{"ReapExpiredIsPerQueue", testReapExpiredIsPerQueue},
		{"PurgeCompleted", testPurgeCompleted},
		{"InsertBatchAndStats", testInsertBatchAndStats},
		{"DropQueue", testDropQueue},
		{"FanOutSkipsDroppedQueue", testFanOutSkipsDroppedQueue},
		{"ConcurrentLeaseDeliversOnce", testConcurrentLeaseDeliversOnce},
		{"SubscriptionsResolve", testSubscriptionsResolve},
		{"EphemeralSubscriptionExpires", testEphemeralSubscriptionExpires},
		{"LockExclusiveAndFenced", testLockExclusiveAndFenced},
		{"LockRenewAndRelease", testLockRenewAndRelease},
		{"AdvanceFenceRejectsStale", testAdvanceFenceRejectsStale},
		{"ClaimDueJobs", testClaimDueJobs},
		{"JobTransitionsRequireToken", testJobTransitionsRequireToken},
		{"JobCancelAndRetry", testJobCancelAndRetry},
		{"ConcurrentClaimsDispatchOnce", testConcurrentClaimsDispatchOnce},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManual(Epoch)
			tc.fn(t, open(t, clk), clk)
		})
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func insert(t *testing.T, s storage.Store, queue, payload string) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), storage.NewMessage{Queue: queue, Payload: []byte(payload)})
	must(t, err)
	return id
}

func lease(t *testing.T, s storage.Store, queue string, d time.Duration, max int) *domain.Message {
	t.Helper()
	msg, err := s.LeaseNext(context.Background(), queue, d, max)
	must(t, err)
	return msg
}

func testLeaseIsExclusive(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	id, err := s.Insert(ctx, storage.NewMessage{
		Queue:   "orders",
		Topic:   "order.created",
		Payload: []byte("o-1"),
		Headers: map[string]string{"trace": "abc"},
	})
	must(t, err)

	msg := lease(t, s, "orders", time.Minute, 5)
	if msg == nil || msg.ID != id {
		t.Fatalf("expected message %d, got %+v", id, msg)
	}
	if string(msg.Payload) != "o-1" || msg.Topic != "order.created" || msg.Header("trace") != "abc" {
		t.Fatalf("message fields not round-tripped: %+v", msg)
	}
	if msg.DeliveryCount != 1 || msg.LeaseToken == "" || msg.State != domain.MessageLeased {
		t.Fatalf("unexpected lease state: %+v", msg)
	}
	if again := lease(t, s, "orders", time.Minute, 5); again != nil {
		t.Fatalf("leased message %d twice", again.ID)
	}

	ok, err := s.Ack(ctx, msg.ID, msg.LeaseToken)
	must(t, err)
	if !ok {
		t.Fatal("expected ack to succeed")
	}
	ok, err = s.Ack(ctx, msg.ID, msg.LeaseToken)
	must(t, err)
	if ok {
		t.Fatal("second ack should be stale")
	}
	got, err := s.GetMessage(ctx, id)
	must(t, err)
	if got.State != domain.MessageCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if _, err := s.GetMessage(ctx, id+1000); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testLeaseOrderIsFIFO(t *testing.T, s storage.Store, _ *clock.Manual) {
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, insert(t, s, "fifo", fmt.Sprintf("m%d", i)))
	}
	insert(t, s, "other", "x")
	for _, want := range ids {
		msg := lease(t, s, "fifo", time.Minute, 5)
		if msg == nil || msg.ID != want {
			t.Fatalf("expected message %d, got %+v", want, msg)
		}
	}
	if msg := lease(t, s, "fifo", time.Minute, 5); msg != nil {
		t.Fatalf("queue should be drained, got %d", msg.ID)
	}
}

func testDelayedMessageInvisible(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	_, err := s.Insert(ctx, storage.NewMessage{Queue: "later", Payload: []byte("x"), VisibleAfter: Epoch.Add(time.Minute)})
	must(t, err)
	if msg := lease(t, s, "later", time.Minute, 5); msg != nil {
		t.Fatal("delayed message leased early")
	}
	clk.Advance(time.Minute)
	if msg := lease(t, s, "later", time.Minute, 5); msg == nil {
		t.Fatal("expected delayed message once due")
	}
}

func testExpiredLeaseRedelivers(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	insert(t, s, "jobs", "x")
	first := lease(t, s, "jobs", 10*time.Second, 5)
	if first == nil {
		t.Fatal("expected lease")
	}
	clk.Advance(9 * time.Second)
	if msg := lease(t, s, "jobs", 10*time.Second, 5); msg != nil {
		t.Fatal("lease expired early")
	}
	clk.Advance(time.Second)
	second := lease(t, s, "jobs", 10*time.Second, 5)
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected redelivery of %d, got %+v", first.ID, second)
	}
	if second.DeliveryCount != 2 || second.LeaseToken == first.LeaseToken {
		t.Fatalf("expected fresh lease with delivery 2, got %+v", second)
	}
	ok, err := s.Ack(ctx, first.ID, first.LeaseToken)
	must(t, err)
	if ok {
		t.Fatal("ack with superseded token must be rejected")
	}
	ok, err = s.Ack(ctx, second.ID, second.LeaseToken)
	must(t, err)
	if !ok {
		t.Fatal("ack with current token must succeed")
	}
}

func testExtendLeaseKeepsMessage(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	insert(t, s, "slow", "x")
	msg := lease(t, s, "slow", 10*time.Second, 5)
	clk.Advance(8 * time.Second)
	ok, err := s.ExtendLease(ctx, msg.ID, msg.LeaseToken, 10*time.Second)
	must(t, err)
	if !ok {
		t.Fatal("expected extend to succeed")
	}
	clk.Advance(8 * time.Second)
	if other := lease(t, s, "slow", 10*time.Second, 5); other != nil {
		t.Fatal("extended lease was stolen")
	}
	ok, err = s.ExtendLease(ctx, msg.ID, "bogus", time.Minute)
	must(t, err)
	if ok {
		t.Fatal("extend with wrong token must fail")
	}
}

func testNackRequeuesThenDeadLetters(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	id := insert(t, s, "flaky", "x")

	msg := lease(t, s, "flaky", time.Minute, 2)
	out, err := s.Nack(ctx, msg.ID, msg.LeaseToken, 5*time.Second, 2, "boom")
	must(t, err)
	if out != storage.NackRequeued {
		t.Fatalf("expected requeued, got %s", out)
	}
	if again := lease(t, s, "flaky", time.Minute, 2); again != nil {
		t.Fatal("nack delay ignored")
	}
	clk.Advance(5 * time.Second)
	msg = lease(t, s, "flaky", time.Minute, 2)
	if msg == nil || msg.DeliveryCount != 2 {
		t.Fatalf("expected second delivery, got %+v", msg)
	}
	out, err = s.Nack(ctx, msg.ID, msg.LeaseToken, 0, 2, "boom again")
	must(t, err)
	if out != storage.NackDeadLettered {
		t.Fatalf("expected dead-lettered, got %s", out)
	}
	out, err = s.Nack(ctx, msg.ID, msg.LeaseToken, 0, 2, "late")
	must(t, err)
	if out != storage.NackStale {
		t.Fatalf("expected stale, got %s", out)
	}
	got, err := s.GetMessage(ctx, id)
	must(t, err)
	if got.State != domain.MessageDead || got.LastError != "boom again" {
		t.Fatalf("unexpected dead message: %+v", got)
	}
}

func testReleaseDoesNotCountDelivery(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	insert(t, s, "drain", "x")
	msg := lease(t, s, "drain", time.Minute, 1)
	ok, err := s.Release(ctx, msg.ID, msg.LeaseToken)
	must(t, err)
	if !ok {
		t.Fatal("expected release to succeed")
	}
	again := lease(t, s, "drain", time.Minute, 1)
	if again == nil || again.DeliveryCount != 1 {
		t.Fatalf("released message should be leasable with delivery 1, got %+v", again)
	}
}

func testDeadLetterAndReplay(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, insert(t, s, "dlq", fmt.Sprintf("m%d", i)))
	}
	for range ids {
		msg := lease(t, s, "dlq", time.Minute, 5)
		ok, err := s.DeadLetter(ctx, msg.ID, msg.LeaseToken, "poison")
		must(t, err)
		if !ok {
			t.Fatalf("dead letter of %d failed", msg.ID)
		}
	}
	dead, err := s.ListDead(ctx, "dlq", 10)
	must(t, err)
	if len(dead) != 3 || dead[0].LastError != "poison" {
		t.Fatalf("expected 3 dead messages, got %+v", dead)
	}

	n, err := s.ReplayDead(ctx, "dlq", []int64{ids[1]})
	must(t, err)
	if n != 1 {
		t.Fatalf("expected 1 replayed, got %d", n)
	}
	msg := lease(t, s, "dlq", time.Minute, 5)
	if msg == nil || msg.ID != ids[1] || msg.DeliveryCount != 1 {
		t.Fatalf("expected replayed message %d with fresh budget, got %+v", ids[1], msg)
	}

	n, err = s.ReplayDead(ctx, "dlq", nil)
	must(t, err)
	if n != 2 {
		t.Fatalf("expected 2 replayed, got %d", n)
	}
}

func testReapExpired(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	id := insert(t, s, "reap", "x")
	lease(t, s, "reap", time.Second, 1)
	n, err := s.ReapExpired(ctx, "reap", 1)
	must(t, err)
	if n != 0 {
		t.Fatalf("live lease reaped: %d", n)
	}
	clk.Advance(2 * time.Second)
	if msg := lease(t, s, "reap", time.Second, 1); msg != nil {
		t.Fatal("exhausted message leased again")
	}
	n, err = s.ReapExpired(ctx, "reap", 1)
	must(t, err)
	if n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	got, err := s.GetMessage(ctx, id)
	must(t, err)
	if got.State != domain.MessageDead {
		t.Fatalf("expected dead, got %s", got.State)
	}
}

func testReapExpiredIsPerQueue(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	id := insert(t, s, "orders", "x")
	for i := 0; i < 3; i++ {
		if msg := lease(t, s, "orders", time.Second, 5); msg == nil {
			t.Fatalf("delivery %d: expected message", i+1)
		}
		clk.Advance(2 * time.Second)
	}
	// An expired third delivery is exhausted for a budget of 3 but not for
	// the orders budget of 5.
	n, err := s.ReapExpired(ctx, "cache-signal.node-a", 3)
	must(t, err)
	if n != 0 {
		t.Fatalf("reap of another queue touched orders: %d", n)
	}
	n, err = s.ReapExpired(ctx, "orders", 5)
	must(t, err)
	if n != 0 {
		t.Fatalf("orders message reaped below its budget: %d", n)
	}
	got, err := s.GetMessage(ctx, id)
	must(t, err)
	if got.State == domain.MessageDead {
		t.Fatal("orders message dead-lettered by a foreign budget")
	}
	if msg := lease(t, s, "orders", time.Second, 5); msg == nil || msg.DeliveryCount != 4 {
		t.Fatalf("expected fourth delivery, got %+v", msg)
	}

	if _, err := s.ReapExpired(ctx, "", 3); err == nil {
		t.Fatal("expected reap without a queue to fail")
	}
}

func testPurgeCompleted(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	insert(t, s, "purge", "a")
	insert(t, s, "purge", "b")
	msg := lease(t, s, "purge", time.Minute, 5)
	_, err := s.Ack(ctx, msg.ID, msg.LeaseToken)
	must(t, err)
	clk.Advance(time.Hour)
	n, err := s.PurgeCompleted(ctx, clk.Now().Add(-time.Minute))
	must(t, err)
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := s.GetMessage(ctx, msg.ID); err != storage.ErrNotFound {
		t.Fatalf("expected purged message gone, got %v", err)
	}
}

func testInsertBatchAndStats(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	ids, err := s.InsertBatch(ctx, []storage.NewMessage{
		{Queue: "a", Payload: []byte("1")},
		{Queue: "b", Payload: []byte("2")},
		{Queue: "a", Payload: []byte("3"), VisibleAfter: Epoch.Add(time.Hour)},
	})
	must(t, err)
	if len(ids) != 3 || ids[0] >= ids[1] || ids[1] >= ids[2] {
		t.Fatalf("expected increasing ids, got %v", ids)
	}
	if _, err := s.InsertBatch(ctx, []storage.NewMessage{{Queue: "a"}, {Queue: ""}}); err == nil {
		t.Fatal("expected invalid batch to fail")
	}
	lease(t, s, "a", time.Minute, 5)

	stats, err := s.QueueStats(ctx)
	must(t, err)
	byQueue := map[string]domain.QueueStats{}
	for _, st := range stats {
		byQueue[st.Queue] = st
	}
	a := byQueue["a"]
	if a.Ready != 0 || a.Delayed != 1 || a.Leased != 1 || a.Depth() != 2 {
		t.Fatalf("unexpected stats for a: %+v", a)
	}
	if b := byQueue["b"]; b.Ready != 1 {
		t.Fatalf("unexpected stats for b: %+v", b)
	}
}

func testDropQueue(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	must(t, s.EnsureQueue(ctx, "tmp", true))
	must(t, s.Subscribe(ctx, domain.Subscription{Topic: "t", Queue: "tmp"}))
	insert(t, s, "tmp", "x")
	must(t, s.DropQueue(ctx, "tmp"))
	if msg := lease(t, s, "tmp", time.Minute, 5); msg != nil {
		t.Fatal("dropped queue still has messages")
	}
	queues, err := s.Resolve(ctx, "t")
	must(t, err)
	if len(queues) != 0 {
		t.Fatalf("dropped queue still subscribed: %v", queues)
	}
}

func testFanOutSkipsDroppedQueue(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	must(t, s.EnsureQueue(ctx, "live", false))
	must(t, s.EnsureQueue(ctx, "node-a", true))
	must(t, s.DropQueue(ctx, "node-a"))

	ids, err := s.FanOut(ctx, []storage.NewMessage{
		{Queue: "live", Topic: "t", Payload: []byte("1")},
		{Queue: "node-a", Topic: "t", Payload: []byte("1")},
	})
	must(t, err)
	if len(ids) != 2 || ids[0] == 0 || ids[1] != 0 {
		t.Fatalf("expected only the live queue to receive a message, got %v", ids)
	}
	stats, err := s.QueueStats(ctx)
	must(t, err)
	for _, st := range stats {
		if st.Queue == "node-a" {
			t.Fatalf("fan-out recreated dropped queue: %+v", st)
		}
	}
	if msg := lease(t, s, "live", time.Minute, 5); msg == nil || msg.ID != ids[0] {
		t.Fatalf("expected message %d on live queue, got %+v", ids[0], msg)
	}
}

func testConcurrentLeaseDeliversOnce(t *testing.T, s storage.Store, _ *clock.Manual) {
	const messages, workers = 40, 6
	for i := 0; i < messages; i++ {
		insert(t, s, "race", fmt.Sprintf("m%d", i))
	}
	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := s.LeaseNext(context.Background(), "race", time.Minute, 5)
				if err != nil {
					errs <- err
					return
				}
				if msg == nil {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("lease failed: %v", err)
	}
	if len(seen) != messages {
		t.Fatalf("expected %d distinct messages, got %d", messages, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("message %d delivered %d times", id, n)
		}
	}
}

func testSubscriptionsResolve(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	must(t, s.Subscribe(ctx, domain.Subscription{Topic: "user.created", Queue: "mailer"}))
	must(t, s.Subscribe(ctx, domain.Subscription{Topic: "user.created", Queue: "audit"}))
	must(t, s.Subscribe(ctx, domain.Subscription{Topic: "user.created", Queue: "audit"}))
	must(t, s.Subscribe(ctx, domain.Subscription{Topic: "user.deleted", Queue: "audit"}))

	queues, err := s.Resolve(ctx, "user.created")
	must(t, err)
	if fmt.Sprint(queues) != "[audit mailer]" {
		t.Fatalf("unexpected resolution: %v", queues)
	}
	all, err := s.ListSubscriptions(ctx, "")
	must(t, err)
	if len(all) != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", len(all))
	}
	ok, err := s.Unsubscribe(ctx, "user.created", "mailer")
	must(t, err)
	if !ok {
		t.Fatal("expected unsubscribe to remove a row")
	}
	queues, err = s.Resolve(ctx, "user.created")
	must(t, err)
	if fmt.Sprint(queues) != "[audit]" {
		t.Fatalf("unexpected resolution after unsubscribe: %v", queues)
	}
	if queues, _ := s.Resolve(ctx, "nobody"); len(queues) != 0 {
		t.Fatalf("expected no subscribers, got %v", queues)
	}
}

func testEphemeralSubscriptionExpires(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	expires := Epoch.Add(30 * time.Second)
	must(t, s.Subscribe(ctx, domain.Subscription{Topic: "cache", Queue: "node-a", ExpiresAt: &expires}))
	must(t, s.Subscribe(ctx, domain.Subscription{Topic: "cache", Queue: "node-b", ExpiresAt: &expires}))

	clk.Advance(20 * time.Second)
	ok, err := s.TouchSubscription(ctx, "cache", "node-a", clk.Now().Add(30*time.Second))
	must(t, err)
	if !ok {
		t.Fatal("expected touch to succeed")
	}
	clk.Advance(15 * time.Second)

	queues, err := s.Resolve(ctx, "cache")
	must(t, err)
	if fmt.Sprint(queues) != "[node-a]" {
		t.Fatalf("expected only the touched subscription, got %v", queues)
	}
	pruned, err := s.PruneSubscriptions(ctx)
	must(t, err)
	if len(pruned) != 1 || pruned[0].Queue != "node-b" || !pruned[0].Ephemeral() {
		t.Fatalf("unexpected prune result: %+v", pruned)
	}
	stats, err := s.QueueStats(ctx)
	must(t, err)
	for _, st := range stats {
		if st.Queue == "node-a" && !st.Ephemeral {
			t.Fatal("subscriber queue of ephemeral subscription should be ephemeral")
		}
	}
}

func testLockExclusiveAndFenced(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	g1, ok, err := s.TryAcquire(ctx, "billing", "p1", 10*time.Second)
	must(t, err)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	t1 := g1.Token
	if !g1.ExpiresAt.Equal(Epoch.Add(10 * time.Second)) {
		t.Fatalf("expected stored expiry %s, got %s", Epoch.Add(10*time.Second), g1.ExpiresAt)
	}
	if _, ok, err := s.TryAcquire(ctx, "billing", "p2", 10*time.Second); err != nil || ok {
		t.Fatalf("second holder acquired a held lock (ok=%v err=%v)", ok, err)
	}
	clk.Advance(10 * time.Second)
	g2, ok, err := s.TryAcquire(ctx, "billing", "p2", 10*time.Second)
	must(t, err)
	t2 := g2.Token
	if !ok || t2 <= t1 {
		t.Fatalf("expected takeover with higher token: ok=%v t1=%d t2=%d", ok, t1, t2)
	}
	l, err := s.GetLock(ctx, "billing")
	must(t, err)
	if l.HolderID != "p2" || l.FencingToken != t2 || !l.HeldAt(clk.Now()) || !l.LeaseExpiry.Equal(g2.ExpiresAt) {
		t.Fatalf("unexpected lock row: %+v", l)
	}
	if _, err := s.GetLock(ctx, "missing"); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err = s.RenewLock(ctx, "billing", "p1", t1, 10*time.Second)
	must(t, err)
	if ok {
		t.Fatal("previous holder renewed a lost lock")
	}
}

func testLockRenewAndRelease(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	g, _, err := s.TryAcquire(ctx, "report", "p1", 10*time.Second)
	must(t, err)
	tok := g.Token
	clk.Advance(8 * time.Second)
	ok, err := s.RenewLock(ctx, "report", "p1", tok, 10*time.Second)
	must(t, err)
	if !ok {
		t.Fatal("expected renew to succeed")
	}
	clk.Advance(8 * time.Second)
	if _, ok, _ := s.TryAcquire(ctx, "report", "p2", time.Second); ok {
		t.Fatal("renewed lock was taken over")
	}
	ok, err = s.ReleaseLock(ctx, "report", "p2", tok)
	must(t, err)
	if ok {
		t.Fatal("non-holder released the lock")
	}
	ok, err = s.ReleaseLock(ctx, "report", "p1", tok)
	must(t, err)
	if !ok {
		t.Fatal("expected release to succeed")
	}
	ng, ok, err := s.TryAcquire(ctx, "report", "p2", time.Second)
	must(t, err)
	next := ng.Token
	if !ok || next != tok+1 {
		t.Fatalf("expected token %d after release, got %d (ok=%v)", tok+1, next, ok)
	}
	clk.Advance(2 * time.Second)
	ok, err = s.RenewLock(ctx, "report", "p2", next, time.Second)
	must(t, err)
	if ok {
		t.Fatal("expired lease must not renew")
	}
	locks, err := s.ListLocks(ctx)
	must(t, err)
	if len(locks) != 1 || locks[0].Resource != "report" {
		t.Fatalf("unexpected locks: %+v", locks)
	}
}

func testAdvanceFenceRejectsStale(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	for _, step := range []struct {
		token int64
		want  bool
	}{
		{3, true}, {3, true}, {5, true}, {4, false}, {6, true},
	} {
		ok, err := s.AdvanceFence(ctx, "ledger", step.token)
		must(t, err)
		if ok != step.want {
			t.Fatalf("token %d: expected %v, got %v", step.token, step.want, ok)
		}
	}
}

func newJob(id string, due time.Time) domain.ScheduledJob {
	return domain.ScheduledJob{
		ID:      id,
		Target:  domain.QueueTarget("reports"),
		Payload: []byte(id),
		Headers: map[string]string{"tenant": "t1"},
		DueTime: due,
		Retry:   domain.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2},
	}
}

func testClaimDueJobs(t *testing.T, s storage.Store, clk *clock.Manual) {
	ctx := context.Background()
	must(t, s.CreateJob(ctx, newJob("b", Epoch.Add(time.Second))))
	must(t, s.CreateJob(ctx, newJob("a", Epoch.Add(time.Second))))
	must(t, s.CreateJob(ctx, newJob("later", Epoch.Add(time.Hour))))
	if err := s.CreateJob(ctx, newJob("a", Epoch)); err == nil {
		t.Fatal("expected duplicate job id to fail")
	}

	jobs, err := s.ClaimDueJobs(ctx, "tok-0", 10)
	must(t, err)
	if len(jobs) != 0 {
		t.Fatalf("claimed jobs before due: %d", len(jobs))
	}
	clk.Advance(time.Second)
	jobs, err = s.ClaimDueJobs(ctx, "tok-1", 10)
	must(t, err)
	if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "b" {
		t.Fatalf("expected a,b in due order, got %+v", jobs)
	}
	j := jobs[0]
	if j.State != domain.JobDispatched || j.Attempts != 1 || j.DispatchToken != "tok-1" || j.DispatchedAt == nil {
		t.Fatalf("unexpected claimed job: %+v", j)
	}
	if j.Headers["tenant"] != "t1" || j.Retry.MaxAttempts != 3 || j.Retry.InitialBackoff != time.Second {
		t.Fatalf("job fields not round-tripped: %+v", j)
	}
	again, err := s.ClaimDueJobs(ctx, "tok-2", 10)
	must(t, err)
	if len(again) != 0 {
		t.Fatalf("dispatched jobs claimed twice: %+v", again)
	}
}

func testJobTransitionsRequireToken(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	must(t, s.CreateJob(ctx, newJob("j", Epoch)))
	jobs, err := s.ClaimDueJobs(ctx, "tok-1", 1)
	must(t, err)
	if len(jobs) != 1 {
		t.Fatalf("expected claim, got %d", len(jobs))
	}

	overdue, err := s.ListOverdueJobs(ctx, Epoch, 10)
	must(t, err)
	if len(overdue) != 1 {
		t.Fatalf("expected overdue job, got %d", len(overdue))
	}

	ok, err := s.CompleteJob(ctx, "j", "wrong")
	must(t, err)
	if ok {
		t.Fatal("completion with wrong token accepted")
	}
	ok, err = s.RescheduleJob(ctx, "j", "tok-1", Epoch.Add(time.Minute), "timed out")
	must(t, err)
	if !ok {
		t.Fatal("expected reschedule to succeed")
	}
	ok, err = s.CompleteJob(ctx, "j", "tok-1")
	must(t, err)
	if !ok {
		t.Fatal("late completion of a rescheduled job should be accepted")
	}
	got, err := s.GetJob(ctx, "j")
	must(t, err)
	if got.State != domain.JobDone || got.CompletedAt == nil || got.LastError != "timed out" {
		t.Fatalf("unexpected job: %+v", got)
	}
	ok, err = s.FailJob(ctx, "j", "tok-1", "too late")
	must(t, err)
	if ok {
		t.Fatal("finished job must not fail")
	}
	if _, err := s.GetJob(ctx, "nope"); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testJobCancelAndRetry(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	must(t, s.CreateJob(ctx, newJob("c", Epoch.Add(time.Hour))))
	must(t, s.CreateJob(ctx, newJob("f", Epoch)))

	ok, err := s.CancelJob(ctx, "c")
	must(t, err)
	if !ok {
		t.Fatal("expected cancel of pending job")
	}
	ok, err = s.CancelJob(ctx, "c")
	must(t, err)
	if ok {
		t.Fatal("canceled job canceled twice")
	}

	jobs, err := s.ClaimDueJobs(ctx, "tok", 10)
	must(t, err)
	if len(jobs) != 1 || jobs[0].ID != "f" {
		t.Fatalf("expected only f claimed, got %+v", jobs)
	}
	ok, err = s.FailJob(ctx, "f", "tok", "gave up")
	must(t, err)
	if !ok {
		t.Fatal("expected fail to succeed")
	}
	failed, err := s.ListJobs(ctx, domain.JobFailed, 10)
	must(t, err)
	if len(failed) != 1 || failed[0].LastError != "gave up" {
		t.Fatalf("unexpected failed jobs: %+v", failed)
	}
	ok, err = s.RetryJob(ctx, "f", Epoch)
	must(t, err)
	if !ok {
		t.Fatal("expected retry of failed job")
	}
	got, err := s.GetJob(ctx, "f")
	must(t, err)
	if got.State != domain.JobPending || got.Attempts != 0 || got.DispatchToken != "" {
		t.Fatalf("unexpected retried job: %+v", got)
	}
	all, err := s.ListJobs(ctx, "", 10)
	must(t, err)
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
}

func testConcurrentClaimsDispatchOnce(t *testing.T, s storage.Store, _ *clock.Manual) {
	ctx := context.Background()
	const jobs, schedulers = 30, 4
	for i := 0; i < jobs; i++ {
		must(t, s.CreateJob(ctx, newJob(fmt.Sprintf("job-%02d", i), Epoch)))
	}
	var (
		mu      sync.Mutex
		claimed []string
		wg      sync.WaitGroup
		errs    = make(chan error, schedulers)
	)
	for w := 0; w < schedulers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				batch, err := s.ClaimDueJobs(ctx, fmt.Sprintf("sched-%d", w), 3)
				if err != nil {
					errs <- err
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, j := range batch {
					claimed = append(claimed, j.ID)
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claim failed: %v", err)
	}
	sort.Strings(claimed)
	if len(claimed) != jobs {
		t.Fatalf("expected %d claims, got %d", jobs, len(claimed))
	}
	for i := 1; i < len(claimed); i++ {
		if claimed[i] == claimed[i-1] {
			t.Fatalf("job %s dispatched twice", claimed[i])
		}
	}
}
