package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/retry"
	"github.com/SirClappington/sqlcoord/internal/storage"
	"github.com/SirClappington/sqlcoord/internal/storage/storagetest"
)

func openTestStore(t *testing.T, clk clock.Clock) storage.Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "coord.db"),
		WithClock(clk),
		WithLogger(zaptest.NewLogger(t)),
		WithRetry(retry.Config{MaxAttempts: 3}),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, openTestStore)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t, clock.NewManual(storagetest.Epoch)).(*Store)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestIsTransientIgnoresPlainErrors(t *testing.T) {
	if IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded is not a sqlite busy error")
	}
}
