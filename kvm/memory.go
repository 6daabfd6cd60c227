package kvm

import (
	"unsafe"

	"github.com/juju/errors"
)

const (
	memLogDirtyPages = 1 << 0
	memReadonly      = 1 << 1
)

// UserspaceMemoryRegion defines Memory Regions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// ClearMemLogDirtyPages stops dirty logging for the region.
func (r *UserspaceMemoryRegion) ClearMemLogDirtyPages() {
	r.Flags &^= memLogDirtyPages
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= memReadonly
}

// SetUserMemoryRegion adds or updates a memory region of a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return errors.Annotatef(err, "KVM_SET_USER_MEMORY_REGION slot %d", region.Slot)
}

// dirtyLog mirrors struct kvm_dirty_log.
type dirtyLog struct {
	Slot   uint32
	_      uint32
	Bitmap uint64
}

// GetDirtyLog fetches and resets the dirty bitmap of slot into words, one
// bit per 4 KiB page.
func GetDirtyLog(vmFd uintptr, slot uint32, words []uint64) error {
	if len(words) == 0 {
		return nil
	}

	dl := dirtyLog{Slot: slot, Bitmap: uint64(uintptr(unsafe.Pointer(&words[0])))}
	_, err := Ioctl(vmFd, kvmGetDirtyLog, uintptr(unsafe.Pointer(&dl)))

	return errors.Annotatef(err, "KVM_GET_DIRTY_LOG slot %d", slot)
}
