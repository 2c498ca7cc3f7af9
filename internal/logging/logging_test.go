package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLevel(t *testing.T) {
	logger, err := New("production", "warn")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("dev", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestDevelopment(t *testing.T) {
	for env, want := range map[string]bool{"dev": true, "Local": true, "prod": false, "": false} {
		if got := Development(env); got != want {
			t.Fatalf("%q: expected %v, got %v", env, want, got)
		}
	}
}
