// Package dirty keeps the per-block dirty page bitmaps of an outgoing
// migration and synchronizes them from a hypervisor dirty log.
package dirty

import (
	"sync"

	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// ErrDirtyLogUnavailable marks a dirty log that could not be started.
// Migration cannot proceed without one.
const ErrDirtyLogUnavailable = errors.ConstError("dirty log unavailable")

// Log is the hypervisor facility that records guest writes.
type Log interface {
	Start() error
	Stop() error
	// Sync ORs the pages written since the previous call into dst and
	// returns how many bits were newly set.
	Sync(b *memory.Block, dst *bitmap.Bitmap) (uint64, error)
}

// Tracker owns one bitmap per block, indexed in target pages. All methods
// are safe for concurrent use; they serialize on a lock of their own so a
// long Sync never blocks readers of the migration state.
type Tracker struct {
	reg    *memory.Registry
	log    Log
	lg     *logrus.Entry
	unhook func()

	mu      sync.Mutex
	maps    map[string]*bitmap.Bitmap
	count   uint64
	period  uint64
	syncs   uint64
	started bool
}

// NewTracker returns a tracker over every block of reg. It extends its
// bitmaps when a block is resized, until Close.
func NewTracker(reg *memory.Registry, log Log, lg *logrus.Entry) *Tracker {
	if lg == nil {
		lg = logrus.NewEntry(logrus.StandardLogger())
	}

	t := &Tracker{
		reg:  reg,
		log:  log,
		lg:   lg.WithField("component", "dirty"),
		maps: map[string]*bitmap.Bitmap{},
	}

	t.unhook = reg.OnResize(t.Extend)

	return t
}

// Start marks every page dirty and starts the dirty log.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count = 0

	for _, b := range t.reg.Blocks() {
		bm := bitmap.NewFull(b.Pages())
		t.maps[b.Name()] = bm
		t.count += bm.Len()
	}

	if err := t.log.Start(); err != nil {
		return errors.Annotatef(ErrDirtyLogUnavailable, "start: %v", err)
	}

	t.started = true
	t.lg.Debugf("dirty: tracking %d pages", t.count)

	return nil
}

// Stop stops the dirty log. Bitmaps stay readable.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}

	t.started = false

	return errors.Trace(t.log.Stop())
}

// Close stops the dirty log and detaches the tracker from the registry's
// resize hooks.
func (t *Tracker) Close() error {
	t.unhook()

	return t.Stop()
}

// Sync flushes the dirty log into the bitmaps and returns how many pages
// were newly dirtied.
func (t *Tracker) Sync() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var newly uint64

	for _, b := range t.reg.Blocks() {
		bm, ok := t.maps[b.Name()]
		if !ok {
			continue
		}

		n, err := t.log.Sync(b, bm)
		if err != nil {
			return newly, errors.Annotatef(err, "sync dirty log of %q", b.Name())
		}

		newly += n
	}

	t.count += newly
	t.period += newly
	t.syncs++

	return newly, nil
}

func (t *Tracker) bitmapOf(b *memory.Block) *bitmap.Bitmap {
	return t.maps[b.Name()]
}

// TestAndClear clears the bit of page and returns its previous value.
func (t *Tracker) TestAndClear(b *memory.Block, page uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	bm := t.bitmapOf(b)
	if bm == nil || !bm.Clear(page) {
		return false
	}

	t.count--

	return true
}

// Test reports whether page is dirty.
func (t *Tracker) Test(b *memory.Block, page uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	bm := t.bitmapOf(b)

	return bm != nil && bm.Test(page)
}

// Mark sets the bit of page and reports whether it was clean before.
func (t *Tracker) Mark(b *memory.Block, page uint64) bool {
	return t.MarkRange(b, page, 1) == 1
}

// MarkRange marks n pages from start dirty and returns how many were clean.
func (t *Tracker) MarkRange(b *memory.Block, start, n uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	bm := t.bitmapOf(b)
	if bm == nil {
		return 0
	}

	added := bm.SetRange(start, n)
	t.count += added

	return added
}

// NextDirty returns the first dirty page at or after from, or the page
// count of b when there is none.
func (t *Tracker) NextDirty(b *memory.Block, from uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	bm := t.bitmapOf(b)
	if bm == nil {
		return b.Pages()
	}

	return bm.NextSet(from)
}

// Extend grows the bitmap of b after a resize. Pages past the old length
// start clean; shrinking clears the dropped tail.
func (t *Tracker) Extend(b *memory.Block, oldLen, newLen uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bm := t.bitmapOf(b)
	if bm == nil {
		return nil
	}

	oldPages := oldLen / memory.TargetPageSize
	newPages := newLen / memory.TargetPageSize

	if newPages < oldPages {
		t.count -= bm.ClearRange(newPages, oldPages-newPages)

		return nil
	}

	bm.Grow(newPages)
	t.lg.WithField("block", b.Name()).Debugf("dirty: bitmap grown %d -> %d pages", oldPages, newPages)

	return nil
}

// Count returns the live dirty page counter.
func (t *Tracker) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.count
}

// PopCount recomputes the number of set bits over every bitmap. It equals
// Count at every observation point.
func (t *Tracker) PopCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n uint64
	for _, bm := range t.maps {
		n += bm.Count()
	}

	return n
}

// TakePeriod returns the pages dirtied by syncs since the previous call and
// restarts the period.
func (t *Tracker) TakePeriod() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.period
	t.period = 0

	return n
}

// Syncs returns the number of completed Sync calls.
func (t *Tracker) Syncs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.syncs
}

// Update runs fn with exclusive access to the bitmap of b. fn returns the
// net change in set bits, which is applied to the counter.
func (t *Tracker) Update(b *memory.Block, fn func(bm *bitmap.Bitmap) int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bm := t.bitmapOf(b)
	if bm == nil {
		return errors.NotFoundf("dirty bitmap of block %q", b.Name())
	}

	t.count = uint64(int64(t.count) + fn(bm))

	return nil
}

// Replace installs bm as the dirty bitmap of b.
func (t *Tracker) Replace(b *memory.Block, bm *bitmap.Bitmap) error {
	if bm.Len() != b.Pages() {
		return errors.NotValidf("bitmap of %d pages for block %q of %d pages", bm.Len(), b.Name(), b.Pages())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old := t.bitmapOf(b); old != nil {
		t.count -= old.Count()
	}

	t.maps[b.Name()] = bm
	t.count += bm.Count()

	return nil
}

// Runs calls fn for every run of dirty pages of b, in page order.
func (t *Tracker) Runs(b *memory.Block, fn func(start, n uint64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bm := t.bitmapOf(b)
	if bm == nil {
		return errors.NotFoundf("dirty bitmap of block %q", b.Name())
	}

	return bm.Runs(fn)
}
