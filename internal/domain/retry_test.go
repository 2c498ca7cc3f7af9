package domain

import (
	"testing"
	"time"
)

func TestRetryPolicyDelayIsMonotoneAndCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	if got := p.Delay(5000); got != 10*time.Second {
		t.Fatalf("expected cap for huge attempt, got %s", got)
	}
}

func TestRetryPolicyNormalize(t *testing.T) {
	p := RetryPolicy{}.Normalize()
	if p != DefaultRetryPolicy() {
		t.Fatalf("expected defaults, got %+v", p)
	}

	p = RetryPolicy{InitialBackoff: time.Minute, MaxBackoff: time.Second}.Normalize()
	if p.MaxBackoff != time.Minute {
		t.Fatalf("expected max backoff raised to initial, got %s", p.MaxBackoff)
	}
	if got := p.Delay(0); got != time.Minute {
		t.Fatalf("expected attempt 0 treated as first, got %s", got)
	}
}

func TestScheduledJobExhausted(t *testing.T) {
	j := ScheduledJob{Attempts: 2, Retry: RetryPolicy{MaxAttempts: 3}}
	if j.Exhausted() {
		t.Fatal("job with 2/3 attempts should not be exhausted")
	}
	j.Attempts = 3
	if !j.Exhausted() {
		t.Fatal("job with 3/3 attempts should be exhausted")
	}
}

func TestLockHeldAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Lock{HolderID: "p1", LeaseExpiry: now.Add(time.Second)}
	if !l.HeldAt(now) {
		t.Fatal("expected held before expiry")
	}
	if l.HeldAt(now.Add(time.Second)) {
		t.Fatal("expected unheld at expiry")
	}
	l.HolderID = ""
	if l.HeldAt(now) {
		t.Fatal("released lock must not be held")
	}
}
