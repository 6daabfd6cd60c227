package kvm

import (
	"sync"

	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/juju/errors"
)

// DirtyLog is the hardware dirty log of a VM. Every block of the registry
// is a memory slot, numbered in registry order.
type DirtyLog struct {
	vmFd uintptr
	reg  *memory.Registry

	mu      sync.Mutex
	slots   map[*memory.Block]uint32
	scratch []uint64
}

// NewDirtyLog returns a dirty log over the blocks of reg.
func NewDirtyLog(vmFd uintptr, reg *memory.Registry) *DirtyLog {
	return &DirtyLog{vmFd: vmFd, reg: reg, slots: map[*memory.Block]uint32{}}
}

func (d *DirtyLog) region(slot uint32, b *memory.Block, logDirty bool) *UserspaceMemoryRegion {
	r := &UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: b.GuestAddr(),
		MemorySize:    b.UsedLength(),
		UserspaceAddr: uint64(b.HostAddr()),
	}

	if b.Flags()&memory.ReadOnly != 0 {
		r.SetMemReadonly()
	}

	if logDirty {
		r.SetMemLogDirtyPages()
	}

	return r
}

// Register installs every block as a memory slot without dirty logging.
func (d *DirtyLog) Register() error {
	return d.apply(false)
}

// Start turns on KVM_MEM_LOG_DIRTY_PAGES for every slot.
func (d *DirtyLog) Start() error {
	return errors.Annotate(d.apply(true), "enable dirty logging")
}

// Stop turns dirty logging off again.
func (d *DirtyLog) Stop() error {
	return d.apply(false)
}

func (d *DirtyLog) apply(logDirty bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, b := range d.reg.Blocks() {
		slot := uint32(i)
		if err := SetUserMemoryRegion(d.vmFd, d.region(slot, b, logDirty)); err != nil {
			return err
		}

		d.slots[b] = slot
	}

	return nil
}

// Sync reads and resets the slot bitmap of b and merges it into dst.
func (d *DirtyLog) Sync(b *memory.Block, dst *bitmap.Bitmap) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.slots[b]
	if !ok {
		return 0, errors.NotFoundf("memory slot for block %q", b.Name())
	}

	n := (b.Pages() + 63) / 64
	if uint64(cap(d.scratch)) < n {
		d.scratch = make([]uint64, n)
	}

	words := d.scratch[:n]
	clear(words)

	if err := GetDirtyLog(d.vmFd, slot, words); err != nil {
		return 0, err
	}

	return dst.Or(words), nil
}
