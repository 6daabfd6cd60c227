package memory

import (
	"sync"

	"github.com/juju/errors"
)

// ResizeFunc is called after a block's used length changed.
type ResizeFunc func(b *Block, oldLen, newLen uint64) error

// Registry owns the blocks of one guest in a stable enumeration order.
type Registry struct {
	mu     sync.RWMutex
	blocks []*Block
	byName map[string]*Block
	hooks  []*resizeHook
}

type resizeHook struct{ fn ResizeFunc }

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Block{}}
}

// Add appends b to the enumeration order.
func (r *Registry) Add(b *Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[b.Name()]; ok {
		return errors.AlreadyExistsf("block %q", b.Name())
	}

	r.blocks = append(r.blocks, b)
	r.byName[b.Name()] = b

	return nil
}

// Lookup resolves a block by name.
func (r *Registry) Lookup(name string) (*Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byName[name]
	if !ok {
		return nil, errors.NotFoundf("block %q", name)
	}

	return b, nil
}

// Blocks returns the blocks in enumeration order.
func (r *Registry) Blocks() []*Block {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*Block(nil), r.blocks...)
}

// First returns the first block, or nil for an empty registry.
func (r *Registry) First() *Block {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.blocks) == 0 {
		return nil
	}

	return r.blocks[0]
}

// Next returns the block following b, or nil when b is the last one.
func (r *Registry) Next(b *Block) *Block {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, x := range r.blocks {
		if x == b && i+1 < len(r.blocks) {
			return r.blocks[i+1]
		}
	}

	return nil
}

// TotalBytes returns the sum of used lengths.
func (r *Registry) TotalBytes() uint64 {
	var n uint64

	for _, b := range r.Blocks() {
		n += b.UsedLength()
	}

	return n
}

// PageSizeSummary ORs together the host page sizes of every block. Two
// registries with equal summaries use the same set of page sizes.
func (r *Registry) PageSizeSummary() uint64 {
	var s uint64

	for _, b := range r.Blocks() {
		s |= b.PageSize()
	}

	return s
}

// OnResize registers fn to run after every successful Resize. The returned
// func unregisters it.
func (r *Registry) OnResize(fn ResizeFunc) func() {
	h := &resizeHook{fn: fn}

	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		for i, x := range r.hooks {
			if x == h {
				r.hooks = append(r.hooks[:i:i], r.hooks[i+1:]...)

				return
			}
		}
	}
}

// Resize changes the used length of the named block and runs the resize
// hooks. Hooks run without the registry lock held.
func (r *Registry) Resize(name string, newLen uint64) error {
	b, err := r.Lookup(name)
	if err != nil {
		return err
	}

	oldLen := b.UsedLength()
	if oldLen == newLen {
		return nil
	}

	if err := b.setUsed(newLen); err != nil {
		return err
	}

	r.mu.RLock()
	hooks := append([]*resizeHook(nil), r.hooks...)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := h.fn(b, oldLen, newLen); err != nil {
			return errors.Annotatef(err, "resize block %q", name)
		}
	}

	return nil
}

// FindHost maps a host virtual address to its block and offset.
func (r *Registry) FindHost(addr uintptr) (*Block, uint64, bool) {
	for _, b := range r.Blocks() {
		base := b.HostAddr()
		if addr >= base && uint64(addr-base) < b.UsedLength() {
			return b, uint64(addr - base), true
		}
	}

	return nil, 0, false
}

// Close releases every block.
func (r *Registry) Close() error {
	var first error

	for _, b := range r.Blocks() {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
