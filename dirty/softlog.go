package dirty

import (
	"sync"

	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/bobuhiro11/gomigrate/memory"
)

// SoftLog is a dirty log fed by the writer itself. Guest code that cannot
// rely on hardware logging calls Mark after every store.
type SoftLog struct {
	mu      sync.Mutex
	running bool
	pending map[*memory.Block]*bitmap.Bitmap
}

// NewSoftLog returns a stopped software log.
func NewSoftLog() *SoftLog {
	return &SoftLog{pending: map[*memory.Block]*bitmap.Bitmap{}}
}

// Start begins recording.
func (l *SoftLog) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running = true
	l.pending = map[*memory.Block]*bitmap.Bitmap{}

	return nil
}

// Stop ends recording and drops unsynced marks.
func (l *SoftLog) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running = false
	l.pending = map[*memory.Block]*bitmap.Bitmap{}

	return nil
}

// Mark records a write of length bytes at offset in b.
func (l *SoftLog) Mark(b *memory.Block, offset, length uint64) {
	if length == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}

	bm := l.pending[b]
	if bm == nil {
		bm = bitmap.New(b.Pages())
		l.pending[b] = bm
	} else if bm.Len() < b.Pages() {
		bm.Grow(b.Pages())
	}

	first := offset / memory.TargetPageSize
	last := (offset + length - 1) / memory.TargetPageSize
	bm.SetRange(first, last-first+1)
}

// Sync moves the marks of b into dst.
func (l *SoftLog) Sync(b *memory.Block, dst *bitmap.Bitmap) (uint64, error) {
	l.mu.Lock()
	bm := l.pending[b]
	delete(l.pending, b)
	l.mu.Unlock()

	if bm == nil {
		return 0, nil
	}

	return dst.Or(bm.Words()), nil
}
