package instance

import (
	"strings"
	"testing"
)

func TestNewIsUniquePerCall(t *testing.T) {
	a, b := New(), New()
	if a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q twice", a.ID)
	}
	if !strings.HasSuffix(a.String(), "/"+a.ID) {
		t.Fatalf("holder id %q does not end with instance id", a.String())
	}
	if got := a.HolderID("scheduler"); got != a.String()+"/scheduler" {
		t.Fatalf("unexpected worker holder id %q", got)
	}
}
