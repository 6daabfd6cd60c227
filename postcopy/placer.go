package postcopy

import (
	"context"
	"sync"

	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/ram"
	"github.com/juju/errors"
)

// faultQueue bounds the faults waiting for the fault handler.
const faultQueue = 64

// Fault is a target page the guest needs before it arrived.
type Fault struct {
	Block  *memory.Block
	Offset uint64
}

// Placer installs pages while the guest runs and tracks which pages
// arrived.
type Placer interface {
	ram.PagePlacer
	// Prepare marks every page as received. Called when postcopy is
	// advised, before the discards.
	Prepare() error
	// Start arms fault reporting. Called when the listener starts.
	Start() error
	// Received reports whether the target page at offset is in place.
	Received(b *memory.Block, offset uint64) bool
	// Wait blocks until the target page at offset is in place, reporting a
	// fault first when it is missing.
	Wait(ctx context.Context, b *memory.Block, offset uint64) error
	// Forget clears the received bits of a discarded range.
	Forget(b *memory.Block, offset, length uint64)
	// Bitmap returns a copy of the received bitmap of b, nil before
	// Prepare.
	Bitmap(b *memory.Block) *bitmap.Bitmap
	// Faults delivers pages the guest is waiting for.
	Faults() <-chan Fault
	Close() error
}

// received is the received-page bookkeeping shared by the placers.
type received struct {
	reg *memory.Registry

	mu      sync.Mutex
	maps    map[string]*bitmap.Bitmap
	locks   map[string]*sync.Mutex
	changed chan struct{}

	faults    chan Fault
	done      chan struct{}
	closeOnce sync.Once
}

func newReceived(reg *memory.Registry) *received {
	return &received{
		reg:     reg,
		maps:    map[string]*bitmap.Bitmap{},
		locks:   map[string]*sync.Mutex{},
		changed: make(chan struct{}),
		faults:  make(chan Fault, faultQueue),
		done:    make(chan struct{}),
	}
}

func (r *received) prepare() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.reg.Blocks() {
		r.maps[b.Name()] = bitmap.NewFull(b.Pages())
		r.locks[b.Name()] = &sync.Mutex{}
	}
}

// blockLock serializes writes into one block.
func (r *received) blockLock(b *memory.Block) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[b.Name()]
	if !ok {
		l = &sync.Mutex{}
		r.locks[b.Name()] = l
	}

	return l
}

// mark sets the received bits of [offset, offset+length) and wakes waiters.
func (r *received) mark(b *memory.Block, offset, length uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bm := r.maps[b.Name()]; bm != nil {
		bm.SetRange(offset/memory.TargetPageSize, length/memory.TargetPageSize)
	}

	close(r.changed)
	r.changed = make(chan struct{})
}

// placed reports whether the target page at offset arrived after Prepare.
func (r *received) placed(b *memory.Block, offset uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bm := r.maps[b.Name()]

	return bm != nil && bm.Test(offset/memory.TargetPageSize)
}

func (r *received) Received(b *memory.Block, offset uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bm := r.maps[b.Name()]

	return bm == nil || bm.Test(offset/memory.TargetPageSize)
}

func (r *received) Forget(b *memory.Block, offset, length uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bm := r.maps[b.Name()]; bm != nil {
		bm.ClearRange(offset/memory.TargetPageSize, length/memory.TargetPageSize)
	}
}

func (r *received) Bitmap(b *memory.Block) *bitmap.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bm := r.maps[b.Name()]; bm != nil {
		return bm.Clone()
	}

	return nil
}

func (r *received) Faults() <-chan Fault { return r.faults }

// report queues a fault for the fault handler.
func (r *received) report(ctx context.Context, f Fault) error {
	select {
	case r.faults <- f:
		return nil
	case <-r.done:
		return errors.Annotate(ErrClosed, "report fault")
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

func (r *received) Wait(ctx context.Context, b *memory.Block, offset uint64) error {
	offset &^= memory.TargetPageSize - 1
	reported := false

	for {
		r.mu.Lock()
		ch := r.changed
		r.mu.Unlock()

		if r.Received(b, offset) {
			return nil
		}

		if !reported {
			if err := r.report(ctx, Fault{Block: b, Offset: offset}); err != nil {
				return err
			}

			reported = true
		}

		select {
		case <-ch:
		case <-r.done:
			return errors.Annotate(ErrClosed, "wait for page")
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
}

func (r *received) close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// ErrClosed is returned by a placer after Close.
const ErrClosed = errors.ConstError("postcopy: placer closed")

// MemoryPlacer places pages by copying them into the block. The guest
// side finds missing pages through Wait.
type MemoryPlacer struct {
	*received
}

// NewMemoryPlacer returns a placer over the blocks of reg.
func NewMemoryPlacer(reg *memory.Registry) *MemoryPlacer {
	return &MemoryPlacer{received: newReceived(reg)}
}

// Prepare implements Placer.
func (p *MemoryPlacer) Prepare() error {
	p.prepare()

	return nil
}

// Start implements Placer.
func (p *MemoryPlacer) Start() error { return nil }

// Place implements ram.PagePlacer. A page already in place is left alone,
// as UFFDIO_COPY does.
func (p *MemoryPlacer) Place(b *memory.Block, offset uint64, hostPage []byte) error {
	length := uint64(len(hostPage))
	if !b.Contains(offset, length) {
		return errors.NotValidf("place [%#x, +%#x) outside block %q", offset, length, b.Name())
	}

	l := p.blockLock(b)
	l.Lock()

	if p.placed(b, offset) {
		l.Unlock()

		return nil
	}

	copy(b.Slice(offset, length), hostPage)
	l.Unlock()

	p.mark(b, offset, length)

	return nil
}

// PlaceZero implements ram.PagePlacer.
func (p *MemoryPlacer) PlaceZero(b *memory.Block, offset uint64) error {
	length := b.PageSize()
	if !b.Contains(offset, length) {
		return errors.NotValidf("place zero [%#x, +%#x) outside block %q", offset, length, b.Name())
	}

	l := p.blockLock(b)
	l.Lock()

	if p.placed(b, offset) {
		l.Unlock()

		return nil
	}

	clear(b.Slice(offset, length))
	l.Unlock()

	p.mark(b, offset, length)

	return nil
}

// Close wakes every waiter with ErrClosed.
func (p *MemoryPlacer) Close() error {
	p.close()

	return nil
}
