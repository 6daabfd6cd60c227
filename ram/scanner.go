package ram

import (
	"github.com/bobuhiro11/gomigrate/dirty"
	"github.com/bobuhiro11/gomigrate/memory"
)

// Page identifies one target page of a block.
type Page struct {
	Block *memory.Block
	Index uint64
}

// Offset returns the byte offset of the page in its block.
func (p Page) Offset() uint64 { return p.Index * memory.TargetPageSize }

// Scanner yields dirty pages, urgent requests first. It does not clear dirty
// bits; the caller does when it sends the page.
type Scanner struct {
	reg     *memory.Registry
	tracker *dirty.Tracker
	queue   *RequestQueue

	block *memory.Block
	page  uint64

	// Skipped counts queued pages that were already clean.
	Skipped uint64
}

// NewScanner returns a scanner positioned at the first block.
func NewScanner(reg *memory.Registry, tracker *dirty.Tracker, queue *RequestQueue) *Scanner {
	return &Scanner{reg: reg, tracker: tracker, queue: queue}
}

// Reset moves the cursor back to the start of the first block.
func (s *Scanner) Reset() {
	s.block = nil
	s.page = 0
}

// Next returns the next page to send, or false when a complete round over
// every block found nothing dirty.
func (s *Scanner) Next() (Page, bool) {
	if p, ok := s.queued(); ok {
		s.block, s.page = p.Block, p.Index

		return p, true
	}

	if s.block == nil {
		s.block = s.reg.First()
		s.page = 0

		if s.block == nil {
			return Page{}, false
		}
	}

	startBlock, startPage := s.block, s.page
	completeRound := false

	for {
		next := s.tracker.NextDirty(s.block, s.page)

		if completeRound && s.block == startBlock && next >= startPage {
			s.page = startPage

			return Page{}, false
		}

		if next < s.block.Pages() {
			s.page = next

			return Page{Block: s.block, Index: next}, true
		}

		s.page = 0
		s.block = s.reg.Next(s.block)

		if s.block == nil {
			s.block = s.reg.First()
			completeRound = true
		}
	}
}

// queued pops requests until one names a page that is still dirty.
func (s *Scanner) queued() (Page, bool) {
	for {
		b, off, ok := s.queue.Pop()
		if !ok {
			return Page{}, false
		}

		p := Page{Block: b, Index: off / memory.TargetPageSize}
		if s.tracker.Test(b, p.Index) {
			return p, true
		}

		s.Skipped++
	}
}
