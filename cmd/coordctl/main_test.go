package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c := &cli{}
	cmd := newRootCommand(c)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if cerr := c.close(); cerr != nil {
		t.Fatalf("close: %v", cerr)
	}
	return out.String(), err
}

func TestOperatorWorkflow(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "coord.db"))
	t.Setenv("APP_ENV", "test")

	if out, err := run(t, "migrate"); err != nil || !strings.Contains(out, "schema up to date") {
		t.Fatalf("migrate: %q %v", out, err)
	}
	if out, err := run(t, "publish", "--direct", "-H", "tenant=t1", "emails", "hello"); err != nil || !strings.Contains(out, "sent message") {
		t.Fatalf("publish: %q %v", out, err)
	}
	out, err := run(t, "queues")
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	if !strings.Contains(out, "emails") || !strings.Contains(out, "durable") {
		t.Fatalf("queues output missing emails row:\n%s", out)
	}

	if out, err := run(t, "publish", "-H", "broken", "orders", "x"); err == nil {
		t.Fatalf("malformed header accepted: %q", out)
	}
	if out, err := run(t, "dlq", "replay", "emails"); err != nil || !strings.Contains(out, "replayed 0") {
		t.Fatalf("replay: %q %v", out, err)
	}
	if _, err := run(t, "jobs", "cancel", "missing"); err == nil {
		t.Fatal("cancel of missing job succeeded")
	}
	if out, err := run(t, "locks"); err != nil || !strings.Contains(out, "RESOURCE") {
		t.Fatalf("locks: %q %v", out, err)
	}
	if out, err := run(t, "invalidate", "user:42"); err != nil || !strings.Contains(out, "invalidated user:42") {
		t.Fatalf("invalidate: %q %v", out, err)
	}
}
