package ram

import (
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/gomigrate/memory"
)

type request struct {
	block  *memory.Block
	offset uint64
	length uint64
}

// RequestQueue holds pages the destination asked for. Requests are consumed
// one target page at a time, in arrival order, and each page is handed out
// exactly once.
type RequestQueue struct {
	mu   sync.Mutex
	reqs []request
	// n mirrors len(reqs) so the scanner can skip the lock when empty.
	n atomic.Int64
}

// Push appends a request for [offset, offset+length) of b.
func (q *RequestQueue) Push(b *memory.Block, offset, length uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reqs = append(q.reqs, request{block: b, offset: offset, length: length})
	q.n.Store(int64(len(q.reqs)))
}

// Pop removes and returns the next requested target page.
func (q *RequestQueue) Pop() (*memory.Block, uint64, bool) {
	if q.n.Load() == 0 {
		return nil, 0, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.reqs) == 0 {
		return nil, 0, false
	}

	r := &q.reqs[0]
	b, off := r.block, r.offset

	if r.length > memory.TargetPageSize {
		r.offset += memory.TargetPageSize
		r.length -= memory.TargetPageSize
	} else {
		q.reqs[0] = request{}
		q.reqs = q.reqs[1:]
		q.n.Store(int64(len(q.reqs)))
	}

	return b, off, true
}

// Empty reports whether no request is pending.
func (q *RequestQueue) Empty() bool { return q.n.Load() == 0 }

// Drain drops every pending request.
func (q *RequestQueue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reqs = nil
	q.n.Store(0)
}
