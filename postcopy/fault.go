package postcopy

import (
	"context"
	"sync"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/sirupsen/logrus"
)

// maxOutstanding bounds the requested-page set before it is pruned.
const maxOutstanding = 4096

// Requester asks the source for pages. migration.ReturnPath implements it.
type Requester interface {
	RequestPages(block string, start uint64, length uint32) error
}

type pageKey struct {
	block  string
	offset uint64
}

// FaultHandler turns faults into page requests on the return path. Each
// missing host page is requested once until the requester changes.
type FaultHandler struct {
	placer Placer
	lg     *logrus.Entry

	mu        sync.Mutex
	req       Requester
	last      *memory.Block
	requested map[pageKey]*memory.Block
	sent      uint64
}

// NewFaultHandler returns a handler for the faults of p.
func NewFaultHandler(p Placer, req Requester, lg *logrus.Entry) *FaultHandler {
	if lg == nil {
		lg = logrus.NewEntry(logrus.StandardLogger())
	}

	return &FaultHandler{
		placer:    p,
		req:       req,
		lg:        lg.WithField("component", "fault"),
		requested: map[pageKey]*memory.Block{},
	}
}

// SetRequester replaces the return path after a recovery and forgets what
// was requested on the old one. A nil requester holds faults back.
func (h *FaultHandler) SetRequester(req Requester) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.req = req
	h.last = nil
	h.requested = map[pageKey]*memory.Block{}
}

// Sent returns the number of page requests sent.
func (h *FaultHandler) Sent() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.sent
}

// Run serves faults until ctx ends.
func (h *FaultHandler) Run(ctx context.Context) error {
	for {
		select {
		case f := <-h.placer.Faults():
			h.handle(f)
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *FaultHandler) handle(f Fault) {
	b := f.Block
	start := f.Offset &^ (b.PageSize() - 1)

	if h.placer.Received(b, start) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.req == nil {
		return
	}

	key := pageKey{block: b.Name(), offset: start}
	if _, ok := h.requested[key]; ok {
		return
	}

	if len(h.requested) >= maxOutstanding {
		h.prune()
	}

	name := b.Name()
	if b == h.last {
		name = ""
	}

	if err := h.req.RequestPages(name, start, uint32(b.PageSize())); err != nil {
		h.lg.Warnf("postcopy: request page %#x of %q: %v", start, b.Name(), err)
		h.last = nil

		return
	}

	h.last = b
	h.requested[key] = b
	h.sent++
}

// prune drops requests whose pages arrived.
func (h *FaultHandler) prune() {
	for k, b := range h.requested {
		if h.placer.Received(b, k.offset) {
			delete(h.requested, k)
		}
	}
}
