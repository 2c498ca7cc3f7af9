// Package instance identifies the running process to other processes that
// share the store.
package instance

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/xid"
)

// Identity names one process instance. ID is unique per process start.
type Identity struct {
	ID   string
	Host string
	PID  int
}

// New returns an identity for the current process.
func New() Identity {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return Identity{
		ID:   xid.New().String(),
		Host: host,
		PID:  os.Getpid(),
	}
}

// String renders the identity as a lock holder id.
func (i Identity) String() string {
	return fmt.Sprintf("%s/%d/%s", i.Host, i.PID, i.ID)
}

// HolderID returns a holder id for one worker inside this process.
func (i Identity) HolderID(worker string) string {
	if worker == "" {
		return i.String()
	}
	return i.String() + "/" + worker
}
