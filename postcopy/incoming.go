// Package postcopy is the destination side of postcopy migration: the
// incoming state machine, page placement, and the fault handler that asks
// the source for pages the guest touches before they arrived.
package postcopy

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// State is the postcopy phase of an incoming migration.
type State int32

const (
	None State = iota
	Advise
	Discard
	Listening
	Running
	End
)

var stateNames = [...]string{"none", "advise", "discard", "listening", "running", "end"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

var transitions = map[State][]State{
	None:      {Advise},
	Advise:    {Discard, Listening, End},
	Discard:   {Discard, Listening},
	Listening: {Running, End},
	Running:   {End},
}

// Config configures an Incoming.
type Config struct {
	Registry *memory.Registry
	// Placer installs pages once the guest runs; nil selects a MemoryPlacer.
	Placer Placer
	Logger *logrus.Entry
}

// Incoming tracks the postcopy phase of one incoming migration.
type Incoming struct {
	cfg    Config
	lg     *logrus.Entry
	placer Placer

	mu    sync.Mutex
	state State
}

// NewIncoming returns an incoming postcopy tracker in state None.
func NewIncoming(cfg Config) (*Incoming, error) {
	if cfg.Registry == nil {
		return nil, errors.NotValidf("postcopy without registry")
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	in := &Incoming{
		cfg:    cfg,
		lg:     cfg.Logger.WithField("component", "postcopy"),
		placer: cfg.Placer,
	}

	if in.placer == nil {
		in.placer = NewMemoryPlacer(cfg.Registry)
	}

	return in, nil
}

// State returns the current phase.
func (in *Incoming) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.state
}

// Placer returns the page placer.
func (in *Incoming) Placer() Placer { return in.placer }

func (in *Incoming) move(to State) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for _, s := range transitions[in.state] {
		if s == to {
			in.lg.Debugf("postcopy: %s -> %s", in.state, to)
			in.state = to

			return nil
		}
	}

	return errors.NotValidf("postcopy %s in state %s", to, in.state)
}

// Advise checks the source's page sizes against ours and prepares the
// placer. hostPage is the source's page size summary.
func (in *Incoming) Advise(hostPage, targetPage uint64) error {
	if targetPage != memory.TargetPageSize {
		return errors.NotValidf("target page size %d, want %d", targetPage, memory.TargetPageSize)
	}

	if local := in.cfg.Registry.PageSizeSummary(); hostPage != local {
		return errors.NotValidf("host page size summary %#x, want %#x", hostPage, local)
	}

	if err := in.move(Advise); err != nil {
		return err
	}

	return in.placer.Prepare()
}

// AlignRange widens [start, start+length) outward to host page boundaries.
func AlignRange(start, length, hostPage uint64) (uint64, uint64) {
	end := start + length
	start &^= hostPage - 1
	end = (end + hostPage - 1) &^ (hostPage - 1)

	return start, end - start
}

// Discard drops the named ranges of a block: the source will send them
// again once the guest runs here.
func (in *Incoming) Discard(name string, ranges []migration.DiscardRange) error {
	if err := in.move(Discard); err != nil {
		return err
	}

	b, err := in.cfg.Registry.Lookup(name)
	if err != nil {
		return errors.Annotate(err, "discard")
	}

	for _, r := range ranges {
		start, length := AlignRange(r.Start, r.Length, b.PageSize())
		if !b.Contains(start, length) {
			return errors.NotValidf("discard [%#x, +%#x) outside block %q", r.Start, r.Length, name)
		}

		in.placer.Forget(b, start, length)

		if err := b.Discard(start, length); err != nil {
			return err
		}
	}

	return nil
}

// Listen marks the listener as running. Pages now go through the placer.
func (in *Incoming) Listen() error { return in.move(Listening) }

// Run marks the guest as running on this side.
func (in *Incoming) Run() error { return in.move(Running) }

// Finish marks the end of the incoming postcopy.
func (in *Incoming) Finish() error {
	if in.State() == End {
		return nil
	}

	return in.move(End)
}

// Missing returns how many target pages the guest still lacks.
func (in *Incoming) Missing() uint64 {
	var n uint64

	for _, b := range in.cfg.Registry.Blocks() {
		if bm := in.placer.Bitmap(b); bm != nil {
			n += bm.Len() - bm.Count()
		}
	}

	return n
}
