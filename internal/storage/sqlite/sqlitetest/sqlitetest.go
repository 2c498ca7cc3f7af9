// Package sqlitetest opens throwaway SQLite stores for component tests.
package sqlitetest

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/retry"
	"github.com/SirClappington/sqlcoord/internal/storage/sqlite"
)

// Open returns a migrated store in t.TempDir() that is closed on cleanup.
func Open(t testing.TB, clk clock.Clock) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "coord.db"),
		sqlite.WithClock(clk),
		sqlite.WithLogger(zaptest.NewLogger(t)),
		sqlite.WithRetry(retry.Config{MaxAttempts: 3}),
	)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return s
}
