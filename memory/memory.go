// Package memory models guest RAM as a set of named blocks owned by the
// emulation core. Migration code holds non-owning references and resolves
// blocks by name through a Registry.
package memory

import (
	"sync/atomic"
	"unsafe"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// TargetPageSize is the guest-visible page size every dirty bit and wire
// offset is expressed in.
const TargetPageSize = 4096

// MaxNameLen is the longest block name the wire formats can carry.
const MaxNameLen = 255

// Flags describe how a block is backed.
type Flags uint32

const (
	// Shared blocks are visible to other processes (MAP_SHARED).
	Shared Flags = 1 << iota
	// Private blocks are copy-on-write anonymous memory.
	Private
	// ReadOnly blocks are never written by the guest.
	ReadOnly
	// Encrypted blocks hold guest-encrypted content.
	Encrypted
	// Resizeable blocks may change their used length up to MaxLength.
	Resizeable
)

// Config describes a block to allocate.
type Config struct {
	Name string
	// Size is the initial used length in bytes.
	Size uint64
	// MaxSize bounds Resize for Resizeable blocks; zero means Size.
	MaxSize uint64
	// PageSize is the host page size backing the block; zero means
	// TargetPageSize.
	PageSize  uint64
	Flags     Flags
	GuestAddr uint64
	// Mmap selects an anonymous mapping instead of a Go heap slice.
	Mmap bool
}

// Block is a contiguous host byte range backing part of guest memory.
type Block struct {
	name      string
	flags     Flags
	pageSize  uint64
	maxLen    uint64
	guestAddr uint64
	used      atomic.Uint64
	buf       []byte
	mapped    bool
}

func (c *Config) validate() error {
	if len(c.Name) == 0 || len(c.Name) > MaxNameLen {
		return errors.NotValidf("block name %q", c.Name)
	}

	if c.PageSize == 0 {
		c.PageSize = TargetPageSize
	}

	if c.PageSize%TargetPageSize != 0 || c.PageSize&(c.PageSize-1) != 0 {
		return errors.NotValidf("page size %d of block %q", c.PageSize, c.Name)
	}

	if c.MaxSize == 0 || c.Flags&Resizeable == 0 {
		c.MaxSize = max(c.MaxSize, c.Size)
	}

	if c.Size == 0 || c.Size%c.PageSize != 0 || c.MaxSize%c.PageSize != 0 {
		return errors.NotValidf("size %d (max %d) of block %q", c.Size, c.MaxSize, c.Name)
	}

	if c.MaxSize < c.Size {
		return errors.NotValidf("max size %d below size %d of block %q", c.MaxSize, c.Size, c.Name)
	}

	return nil
}

// NewBlock allocates a block.
func NewBlock(c Config) (*Block, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	b := &Block{
		name:      c.Name,
		flags:     c.Flags,
		pageSize:  c.PageSize,
		maxLen:    c.MaxSize,
		guestAddr: c.GuestAddr,
	}

	if c.Mmap {
		share := unix.MAP_PRIVATE
		if c.Flags&Shared != 0 {
			share = unix.MAP_SHARED
		}

		buf, err := unix.Mmap(-1, 0, int(c.MaxSize), unix.PROT_READ|unix.PROT_WRITE, share|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, errors.Annotatef(err, "mmap block %q", c.Name)
		}

		b.buf = buf
		b.mapped = true
	} else {
		b.buf = make([]byte, c.MaxSize)
	}

	b.used.Store(c.Size)

	return b, nil
}

// Name returns the stable block identifier.
func (b *Block) Name() string { return b.name }

// Flags returns the backing flags.
func (b *Block) Flags() Flags { return b.flags }

// PageSize returns the host page size.
func (b *Block) PageSize() uint64 { return b.pageSize }

// UsedLength returns the current used length in bytes.
func (b *Block) UsedLength() uint64 { return b.used.Load() }

// MaxLength returns the largest length the block can be resized to.
func (b *Block) MaxLength() uint64 { return b.maxLen }

// GuestAddr returns the guest physical address the block is mapped at.
func (b *Block) GuestAddr() uint64 { return b.guestAddr }

// Pages returns the used length in target pages.
func (b *Block) Pages() uint64 { return b.UsedLength() / TargetPageSize }

// HostPageRatio returns the number of target pages per host page.
func (b *Block) HostPageRatio() uint64 { return b.pageSize / TargetPageSize }

// Mapped reports whether the block is an anonymous mapping.
func (b *Block) Mapped() bool { return b.mapped }

// Host returns the used part of the backing memory.
func (b *Block) Host() []byte { return b.buf[:b.UsedLength()] }

// HostAddr returns the host virtual address of the first byte.
func (b *Block) HostAddr() uintptr { return uintptr(unsafe.Pointer(&b.buf[0])) }

// Contains reports whether [offset, offset+length) lies in the used length.
func (b *Block) Contains(offset, length uint64) bool {
	used := b.UsedLength()

	return offset < used && length <= used-offset
}

// Page returns the target page at offset.
func (b *Block) Page(offset uint64) []byte {
	return b.buf[offset : offset+TargetPageSize]
}

// Slice returns [offset, offset+length) of the backing memory.
func (b *Block) Slice(offset, length uint64) []byte {
	return b.buf[offset : offset+length]
}

// Discard drops the content of [offset, offset+length); the range reads as
// zero afterwards.
func (b *Block) Discard(offset, length uint64) error {
	if !b.Contains(offset, length) {
		return errors.NotValidf("discard [%#x, +%#x) outside block %q", offset, length, b.name)
	}

	region := b.buf[offset : offset+length]
	if !b.mapped {
		clear(region)

		return nil
	}

	advice := unix.MADV_DONTNEED
	if b.flags&Shared != 0 {
		advice = unix.MADV_REMOVE
	}

	return errors.Annotatef(unix.Madvise(region, advice), "madvise block %q", b.name)
}

// setUsed changes the used length; callers go through Registry.Resize.
func (b *Block) setUsed(n uint64) error {
	if b.flags&Resizeable == 0 {
		return errors.NotSupportedf("resizing fixed block %q", b.name)
	}

	if n == 0 || n > b.maxLen || n%b.pageSize != 0 {
		return errors.NotValidf("length %d for block %q (max %d)", n, b.name, b.maxLen)
	}

	b.used.Store(n)

	return nil
}

// Close releases the backing memory.
func (b *Block) Close() error {
	if !b.mapped || b.buf == nil {
		return nil
	}

	err := unix.Munmap(b.buf)
	b.buf = nil

	return errors.Trace(err)
}

// IsZero reports whether p holds only zero bytes.
func IsZero(p []byte) bool {
	for len(p) >= 8 {
		if *(*uint64)(unsafe.Pointer(&p[0])) != 0 {
			return false
		}

		p = p[8:]
	}

	for _, c := range p {
		if c != 0 {
			return false
		}
	}

	return true
}
