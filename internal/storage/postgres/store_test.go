package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/storage"
	"github.com/SirClappington/sqlcoord/internal/storage/storagetest"
)

const truncateSQL = `TRUNCATE coord_messages, coord_queues, coord_subscriptions,
                     coord_locks, coord_fences, coord_jobs RESTART IDENTITY`

func openTestStore(t *testing.T, clk clock.Clock) storage.Store {
	t.Helper()
	dsn := os.Getenv("SQLCOORD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SQLCOORD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, WithClock(clk), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := s.pool.Exec(ctx, truncateSQL); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, openTestStore)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"40001", true},
		{"40P01", true},
		{"55P03", true},
		{"08006", true},
		{"23505", false},
		{"42P01", false},
	}
	for _, tc := range cases {
		err := &pgconn.PgError{Code: tc.code}
		if got := IsTransient(err); got != tc.want {
			t.Fatalf("code %s: expected %v, got %v", tc.code, tc.want, got)
		}
	}
	if IsTransient(nil) {
		t.Fatal("nil is not transient")
	}
}
