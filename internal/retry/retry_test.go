package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
)

var errBusy = errors.New("database is locked")

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func isBusy(err error) bool { return errors.Is(err, errBusy) }

func TestDoRetriesTransientErrors(t *testing.T) {
	r := New(fastConfig(5), isBusy, zaptest.NewLogger(t))

	calls := 0
	err := r.Do(context.Background(), "lease_next", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.Wrap(errBusy, "lease")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	r := New(fastConfig(5), isBusy, zaptest.NewLogger(t))
	boom := errors.New("syntax error")

	calls := 0
	err := r.Do(context.Background(), "ack", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected permanent error to surface, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	r := New(fastConfig(3), isBusy, zaptest.NewLogger(t))

	calls := 0
	err := r.Do(context.Background(), "nack", func(context.Context) error {
		calls++
		return errBusy
	})
	if !errors.Is(err, errBusy) {
		t.Fatalf("expected busy error after exhausting attempts, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestValueReturnsResult(t *testing.T) {
	r := New(fastConfig(2), isBusy, nil)
	got, err := Value(context.Background(), r, "insert", func(context.Context) (int64, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("expected 42, got %d (%v)", got, err)
	}
}
