package domain

import "time"

// Lock is the store row for one named resource. A released lock keeps its
// row (HolderID empty) so the fencing token never goes backwards.
type Lock struct {
	Resource     string
	HolderID     string
	FencingToken int64
	LeaseExpiry  time.Time
	AcquiredAt   time.Time
	UpdatedAt    time.Time
}

// HeldAt reports whether the lock has a live holder at now.
func (l Lock) HeldAt(now time.Time) bool {
	return l.HolderID != "" && l.LeaseExpiry.After(now)
}
