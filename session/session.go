// Package session runs one migration end to end: the outgoing driver on the
// source and the incoming loader on the destination, each owning its
// channels, goroutines, state machine and counters.
package session

import (
	"io"

	"github.com/bobuhiro11/gomigrate/metrics"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/juju/errors"
)

const (
	// ErrCancelled is returned by Wait after Cancel.
	ErrCancelled = errors.ConstError("session: cancelled")
	// ErrPeerFailed is returned when the peer reports a failure.
	ErrPeerFailed = errors.ConstError("session: peer failed")

	// errHandedOver ends the main loop once the postcopy listener owns the
	// stream.
	errHandedOver = errors.ConstError("session: stream handed to listener")
)

// Devices saves and loads everything that is not RAM.
type Devices interface {
	SaveNonRAMState(w io.Writer) error
	LoadNonRAMState(r io.Reader) error
}

// Guest controls the vCPUs of the migrating machine.
type Guest interface {
	Stop() error
	Start() error
	SetThrottle(pct int)
}

// Status is a snapshot of a session.
type Status struct {
	Phase            migration.Phase
	BytesTransferred uint64
	BytesRemaining   uint64
	// DirtyRate is in bytes per second.
	DirtyRate uint64
	Throttle  int
}

func statusOf(p migration.Phase, s *metrics.Stats) Status {
	return Status{
		Phase:            p,
		BytesTransferred: s.Transferred.Load(),
		BytesRemaining:   s.Remaining.Load(),
		DirtyRate:        s.DirtyRate.Load(),
		Throttle:         int(s.Throttle.Load()),
	}
}

// settleCancelled walks st from wherever it is to Cancelled.
func settleCancelled(st *migration.State) {
	for {
		cur := st.Load()

		switch {
		case cur == migration.Cancelling:
			if st.Set(cur, migration.Cancelled) == nil {
				return
			}
		case cur.InProgress():
			_ = st.Set(cur, migration.Cancelling)
		default:
			return
		}
	}
}
