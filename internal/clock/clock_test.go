package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)

	short := m.After(time.Second)
	long := m.After(10 * time.Second)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", m.Pending())
	}

	m.Advance(2 * time.Second)
	select {
	case at := <-short:
		if !at.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %s", at)
		}
	default:
		t.Fatal("expected short timer to fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", m.Pending())
	}
}

func TestManualAfterNonPositive(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected immediate fire for zero duration")
	}
}
