package migration

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// ErrIllegalTransition is returned by State.Set for a transition the state
// table does not allow, or when the current phase is not the expected one.
const ErrIllegalTransition = errors.ConstError("illegal migration state transition")

// Phase is the lifecycle value of a migration.
type Phase int32

const (
	None Phase = iota
	Setup
	Active
	PostcopyActive
	PostcopyPaused
	PostcopyRecover
	Completed
	Failed
	Cancelling
	Cancelled
)

var phaseNames = [...]string{
	None:            "none",
	Setup:           "setup",
	Active:          "active",
	PostcopyActive:  "postcopy-active",
	PostcopyPaused:  "postcopy-paused",
	PostcopyRecover: "postcopy-recover",
	Completed:       "completed",
	Failed:          "failed",
	Cancelling:      "cancelling",
	Cancelled:       "cancelled",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "invalid"
	}

	return phaseNames[p]
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == Completed || p == Failed || p == Cancelled
}

// InProgress reports whether a migration in p may still be cancelled.
func (p Phase) InProgress() bool {
	switch p {
	case Setup, Active, PostcopyActive, PostcopyPaused, PostcopyRecover:
		return true
	}

	return false
}

var transitions = map[Phase][]Phase{
	None:            {Setup, Failed},
	Setup:           {Active, Failed, Cancelling},
	Active:          {PostcopyActive, Completed, Failed, Cancelling},
	PostcopyActive:  {Completed, Failed, PostcopyPaused, Cancelling},
	PostcopyPaused:  {PostcopyRecover, Failed, Cancelling},
	PostcopyRecover: {PostcopyActive, PostcopyPaused, Failed, Cancelling},
	Cancelling:      {Cancelled, Failed},
}

// Legal reports whether the table allows from -> to.
func Legal(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}

	return false
}

// State holds the current phase. Transitions are compare-and-swap so
// concurrent workers cannot both move the same migration.
type State struct {
	v  atomic.Int32
	lg *logrus.Entry

	mu      sync.Mutex
	changed chan struct{}
}

// NewState returns a State in phase None.
func NewState(lg *logrus.Entry) *State {
	if lg == nil {
		lg = logrus.NewEntry(logrus.StandardLogger())
	}

	return &State{lg: lg, changed: make(chan struct{})}
}

// Load returns the current phase.
func (s *State) Load() Phase { return Phase(s.v.Load()) }

// Set moves the state from one phase to another.
func (s *State) Set(from, to Phase) error {
	if !Legal(from, to) {
		err := errors.Annotatef(ErrIllegalTransition, "%s -> %s", from, to)
		s.lg.Errorf("migration: %v", err)

		return err
	}

	if !s.v.CompareAndSwap(int32(from), int32(to)) {
		return errors.Annotatef(ErrIllegalTransition, "%s -> %s while %s", from, to, s.Load())
	}

	s.lg.Debugf("migration: state %s -> %s", from, to)

	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	return nil
}

// Fail moves any non-terminal phase to Failed and returns the phase left.
func (s *State) Fail() Phase {
	for {
		cur := s.Load()
		if cur.Terminal() {
			return cur
		}

		if err := s.Set(cur, Failed); err == nil {
			return cur
		}
	}
}

// Changed returns a channel closed at the next transition.
func (s *State) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.changed
}
