package domain

import "time"

// LockState is the observable state of a named lease.
type LockState string

const (
	LockHeld LockState = "held"
	LockFree LockState = "free"
)

// Lease is one row of the locks table.
type Lease struct {
	Name       string
	AcquiredAt time.Time
	ReleasedAt *time.Time
}

// HeldAt reports whether the lease is held at now. A lease older than
// staleness counts as free so a crashed holder cannot wedge it forever.
func (l Lease) HeldAt(now time.Time, staleness time.Duration) bool {
	if l.ReleasedAt != nil {
		return false
	}
	return l.AcquiredAt.After(now.Add(-staleness))
}
