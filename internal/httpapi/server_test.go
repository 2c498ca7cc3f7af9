package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/app"
	"github.com/SirClappington/sqlcoord/internal/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *app.App) {
	t.Helper()
	cfg := config.Config{
		AppEnv:      "test",
		StoreDriver: config.DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "coord.db"),
		Queue:       config.Queue{Lease: time.Minute, MaxDeliveries: 3},
		Lock:        config.Lock{Lease: time.Minute, RenewInterval: 20 * time.Second},
		Maintenance: config.Maintenance{Interval: time.Minute, Retention: time.Hour},
	}
	a, err := app.New(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	srv := httptest.NewServer(New(a).Handler())
	t.Cleanup(srv.Close)
	return srv, a
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	var health map[string]string
	if code := do(t, srv, http.MethodGet, "/healthz", nil, &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz: %d %v", code, health)
	}

	do(t, srv, http.MethodPost, "/v1/queues/emails/messages", map[string]any{"payload": "hi"}, nil)
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `sqlcoord_messages_published_total{queue="emails"} 1`) {
		t.Fatalf("published counter missing from metrics output")
	}
	if !strings.Contains(string(body), `sqlcoord_queue_messages{queue="emails",state="ready"} 1`) {
		t.Fatalf("queue depth missing from metrics output")
	}
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, q := range []string{"q1", "q2"} {
		if code := do(t, srv, http.MethodPost, "/v1/subscriptions", map[string]string{"topic": "orders", "queue": q}, nil); code != http.StatusCreated {
			t.Fatalf("subscribe %s: %d", q, code)
		}
	}
	var pub struct{ IDs []int64 }
	if code := do(t, srv, http.MethodPost, "/v1/topics/orders/messages", map[string]any{"payload": "A"}, &pub); code != http.StatusAccepted {
		t.Fatalf("publish: %d", code)
	}
	if len(pub.IDs) != 2 {
		t.Fatalf("expected two copies, got %v", pub.IDs)
	}

	var stats struct{ Queues []queueStatsView }
	do(t, srv, http.MethodGet, "/v1/queues", nil, &stats)
	if len(stats.Queues) != 2 {
		t.Fatalf("expected two queues, got %+v", stats.Queues)
	}
	for _, q := range stats.Queues {
		if q.Ready != 1 || q.Depth != 1 {
			t.Fatalf("unexpected stats: %+v", q)
		}
	}

	if code := do(t, srv, http.MethodDelete, "/v1/subscriptions/orders/q2", nil, nil); code != http.StatusNoContent {
		t.Fatalf("unsubscribe: %d", code)
	}
	if code := do(t, srv, http.MethodDelete, "/v1/subscriptions/orders/q2", nil, nil); code != http.StatusNotFound {
		t.Fatalf("second unsubscribe: %d", code)
	}
	var subs struct{ Subscriptions []subscriptionView }
	do(t, srv, http.MethodGet, "/v1/subscriptions?topic=orders", nil, &subs)
	if len(subs.Subscriptions) != 1 || subs.Subscriptions[0].Queue != "q1" {
		t.Fatalf("unexpected subscriptions: %+v", subs.Subscriptions)
	}
}

func TestDeadLetterListAndReplay(t *testing.T) {
	srv, a := newTestServer(t)
	ctx := context.Background()
	if _, err := a.Transport.SendDirect(ctx, "payments", []byte("bad")); err != nil {
		t.Fatalf("send: %v", err)
	}
	d, err := a.Transport.Receive(ctx, "payments", time.Minute, 3)
	if err != nil || d == nil {
		t.Fatalf("receive: %v %v", d, err)
	}
	if ok, err := d.DeadLetter(ctx, "malformed"); err != nil || !ok {
		t.Fatalf("dead letter: %v %v", ok, err)
	}

	var dead struct{ Messages []messageView }
	do(t, srv, http.MethodGet, "/v1/queues/payments/dead", nil, &dead)
	if len(dead.Messages) != 1 || dead.Messages[0].LastError != "malformed" || dead.Messages[0].Payload != "bad" {
		t.Fatalf("unexpected dead letters: %+v", dead.Messages)
	}

	var replay struct{ Replayed int64 }
	if code := do(t, srv, http.MethodPost, "/v1/queues/payments/dead/replay", map[string]any{"ids": []int64{d.ID}}, &replay); code != http.StatusOK {
		t.Fatalf("replay: %d", code)
	}
	if replay.Replayed != 1 {
		t.Fatalf("replayed %d", replay.Replayed)
	}
	again, err := a.Transport.Receive(ctx, "payments", time.Minute, 3)
	if err != nil || again == nil || again.ID != d.ID {
		t.Fatalf("replayed message not redelivered: %v %v", again, err)
	}
}

func TestJobLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	var created struct{ ID string }
	code := do(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"target":       "reports",
		"payload":      "daily",
		"delay":        "1h",
		"max_attempts": 3,
	}, &created)
	if code != http.StatusCreated || created.ID == "" {
		t.Fatalf("schedule: %d %+v", code, created)
	}

	var job jobView
	if code := do(t, srv, http.MethodGet, "/v1/jobs/"+created.ID, nil, &job); code != http.StatusOK {
		t.Fatalf("get: %d", code)
	}
	if job.State != "pending" || job.TargetKind != "queue" || job.MaxAttempts != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}

	if code := do(t, srv, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", nil, &job); code != http.StatusOK || job.State != "canceled" {
		t.Fatalf("cancel: %d %+v", code, job)
	}
	if code := do(t, srv, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", nil, nil); code != http.StatusConflict {
		t.Fatalf("second cancel: %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/v1/jobs/"+created.ID+"/retry", nil, nil); code != http.StatusConflict {
		t.Fatalf("retry of canceled job: %d", code)
	}
	if code := do(t, srv, http.MethodGet, "/v1/jobs/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing job: %d", code)
	}

	var list struct{ Jobs []jobView }
	do(t, srv, http.MethodGet, "/v1/jobs?state=canceled", nil, &list)
	if len(list.Jobs) != 1 {
		t.Fatalf("list canceled: %+v", list.Jobs)
	}

	if code := do(t, srv, http.MethodPost, "/v1/jobs", map[string]any{"target": "x", "delay": "soon"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad delay: %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/v1/jobs", map[string]any{"target_kind": "bucket", "target": "x"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad target kind: %d", code)
	}
}

func TestLocksAndInvalidate(t *testing.T) {
	srv, a := newTestServer(t)
	g, err := a.Locks.TryAcquire(context.Background(), "workflow-wf-123", "node-a", time.Minute)
	if err != nil || !g.Granted {
		t.Fatalf("acquire: %+v %v", g, err)
	}
	var l lockView
	if code := do(t, srv, http.MethodGet, "/v1/locks/workflow-wf-123", nil, &l); code != http.StatusOK {
		t.Fatalf("get lock: %d", code)
	}
	if !l.Held || l.Holder != "node-a" || l.FencingToken != g.FencingToken {
		t.Fatalf("unexpected lock view: %+v", l)
	}
	if code := do(t, srv, http.MethodGet, "/v1/locks/nothing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing lock: %d", code)
	}

	if code := do(t, srv, http.MethodPost, "/v1/cache/invalidate", map[string]string{"key": "user:42"}, nil); code != http.StatusAccepted {
		t.Fatalf("invalidate: %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/v1/cache/invalidate", map[string]string{"key": ""}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty key: %d", code)
	}
}
