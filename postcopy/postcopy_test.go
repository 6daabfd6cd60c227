package postcopy_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/postcopy"
	"github.com/juju/errors"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---- helpers ----------------------------------------------------------------

const pageSize = memory.TargetPageSize

func newRegistry(t *testing.T, cfgs ...memory.Config) *memory.Registry {
	t.Helper()

	reg := memory.NewRegistry()

	for _, c := range cfgs {
		b, err := memory.NewBlock(c)
		if err != nil {
			t.Fatal(err)
		}

		if err := reg.Add(b); err != nil {
			t.Fatal(err)
		}
	}

	t.Cleanup(func() { _ = reg.Close() })

	return reg
}

func lookup(t *testing.T, reg *memory.Registry, name string) *memory.Block {
	t.Helper()

	b, err := reg.Lookup(name)
	if err != nil {
		t.Fatal(err)
	}

	return b
}

type request struct {
	block  string
	start  uint64
	length uint32
}

type requester struct {
	mu   sync.Mutex
	reqs []request
	got  chan struct{}
}

func newRequester() *requester { return &requester{got: make(chan struct{}, 16)} }

func (r *requester) RequestPages(block string, start uint64, length uint32) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, request{block: block, start: start, length: length})
	r.mu.Unlock()

	r.got <- struct{}{}

	return nil
}

func (r *requester) all() []request {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]request(nil), r.reqs...)
}

// ---- incoming states --------------------------------------------------------

func TestIncomingStates(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, memory.Config{Name: "ram0", Size: 16 * pageSize})

	in, err := postcopy.NewIncoming(postcopy.Config{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}

	if err := in.Listen(); !errors.Is(err, errors.NotValid) {
		t.Fatalf("Listen before Advise: got %v, want NotValid", err)
	}

	if err := in.Advise(reg.PageSizeSummary(), pageSize); err != nil {
		t.Fatal(err)
	}

	if err := in.Discard("ram0", []migration.DiscardRange{{Start: 0, Length: pageSize}}); err != nil {
		t.Fatal(err)
	}

	if err := in.Discard("ram0", []migration.DiscardRange{{Start: 4 * pageSize, Length: pageSize}}); err != nil {
		t.Fatal(err)
	}

	for _, step := range []func() error{in.Listen, in.Run, in.Finish} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}

	if in.State() != postcopy.End {
		t.Fatalf("got state %s, want end", in.State())
	}

	if err := in.Discard("ram0", nil); !errors.Is(err, errors.NotValid) {
		t.Fatalf("Discard after end: got %v, want NotValid", err)
	}

	if err := in.Finish(); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
}

func TestAdviseRejectsPageSizeMismatch(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, memory.Config{Name: "ram0", Size: 16 * pageSize})

	tests := []struct {
		name         string
		host, target uint64
	}{
		{name: "HostPage", host: 2 * pageSize, target: pageSize},
		{name: "TargetPage", host: pageSize, target: 2 * pageSize},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			in, err := postcopy.NewIncoming(postcopy.Config{Registry: reg})
			if err != nil {
				t.Fatal(err)
			}

			if err := in.Advise(test.host, test.target); !errors.Is(err, errors.NotValid) {
				t.Fatalf("got %v, want NotValid", err)
			}

			if in.State() != postcopy.None {
				t.Fatalf("state moved to %s on a rejected advise", in.State())
			}
		})
	}
}

func TestAlignRange(t *testing.T) {
	t.Parallel()

	const hp = 4 * pageSize

	tests := []struct {
		start, length       uint64
		wantStart, wantSize uint64
	}{
		{start: 0, length: hp, wantStart: 0, wantSize: hp},
		{start: 3 * pageSize, length: 2 * pageSize, wantStart: 0, wantSize: 2 * hp},
		{start: hp + pageSize, length: pageSize, wantStart: hp, wantSize: hp},
	}

	for _, test := range tests {
		start, size := postcopy.AlignRange(test.start, test.length, hp)
		if start != test.wantStart || size != test.wantSize {
			t.Fatalf("AlignRange(%#x, %#x) = %#x, %#x, want %#x, %#x",
				test.start, test.length, start, size, test.wantStart, test.wantSize)
		}

		// Aligning again changes nothing.
		if s2, n2 := postcopy.AlignRange(start, size, hp); s2 != start || n2 != size {
			t.Fatalf("AlignRange not idempotent for %#x, %#x", start, size)
		}
	}
}

func TestDiscardDropsHostPages(t *testing.T) {
	t.Parallel()

	const hp = 2 * pageSize

	reg := newRegistry(t, memory.Config{Name: "ram0", Size: 8 * pageSize, PageSize: hp})
	b := lookup(t, reg, "ram0")

	for i := range b.Host() {
		b.Host()[i] = 0x5a
	}

	in, err := postcopy.NewIncoming(postcopy.Config{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}

	if err := in.Advise(hp, pageSize); err != nil {
		t.Fatal(err)
	}

	if in.Missing() != 0 {
		t.Fatalf("missing %d pages right after advise", in.Missing())
	}

	// Page 3 is the second half of host page 1.
	if err := in.Discard("ram0", []migration.DiscardRange{{Start: 3 * pageSize, Length: pageSize}}); err != nil {
		t.Fatal(err)
	}

	p := in.Placer()

	for pg := uint64(0); pg < 8; pg++ {
		want := pg != 2 && pg != 3
		if got := p.Received(b, pg*pageSize); got != want {
			t.Fatalf("page %d received=%v, want %v", pg, got, want)
		}

		if zero := memory.IsZero(b.Page(pg * pageSize)); zero == want {
			t.Fatalf("page %d zero=%v after discard", pg, zero)
		}
	}

	if in.Missing() != 2 {
		t.Fatalf("missing %d pages, want 2", in.Missing())
	}

	err = in.Discard("ram0", []migration.DiscardRange{{Start: 6 * pageSize, Length: 4 * pageSize}})
	if !errors.Is(err, errors.NotValid) {
		t.Fatalf("discard past the end: got %v, want NotValid", err)
	}
}

// ---- placement --------------------------------------------------------------

func TestMemoryPlacerWakesWaiters(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, memory.Config{Name: "ram0", Size: 4 * pageSize})
	b := lookup(t, reg, "ram0")

	p := postcopy.NewMemoryPlacer(reg)
	defer p.Close()

	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}

	p.Forget(b, 0, 4*pageSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	waited := make(chan error, 1)

	go func() { waited <- p.Wait(ctx, b, 2*pageSize+100) }()

	var f postcopy.Fault

	select {
	case f = <-p.Faults():
	case <-ctx.Done():
		t.Fatal("no fault reported for a missing page")
	}

	if f.Block != b || f.Offset != 2*pageSize {
		t.Fatalf("got fault %q %#x, want ram0 %#x", f.Block.Name(), f.Offset, 2*pageSize)
	}

	page := bytes.Repeat([]byte{0x42}, pageSize)

	// An unrelated page does not release the waiter.
	if err := p.Place(b, 0, page); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-waited:
		t.Fatalf("waiter returned %v before its page arrived", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := p.Place(b, 2*pageSize, page); err != nil {
		t.Fatal(err)
	}

	if err := <-waited; err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !bytes.Equal(b.Page(2*pageSize), page) {
		t.Fatalf("page content not placed")
	}

	// A page in place may already carry guest writes; a late copy of it
	// must not clobber them.
	b.Page(2 * pageSize)[0] = 0x43

	if err := p.PlaceZero(b, 2*pageSize); err != nil {
		t.Fatal(err)
	}

	if got := b.Page(2 * pageSize)[0]; got != 0x43 {
		t.Fatalf("second placement overwrote the page: %#x", got)
	}

	if err := p.PlaceZero(b, 3*pageSize); err != nil {
		t.Fatal(err)
	}

	if !memory.IsZero(b.Page(3 * pageSize)) {
		t.Fatalf("PlaceZero left data behind")
	}

	if err := p.Place(b, 4*pageSize, page); !errors.Is(err, errors.NotValid) {
		t.Fatalf("place past the end: got %v, want NotValid", err)
	}
}

func TestMemoryPlacerCloseReleasesWaiters(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, memory.Config{Name: "ram0", Size: 4 * pageSize})
	b := lookup(t, reg, "ram0")

	p := postcopy.NewMemoryPlacer(reg)
	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}

	p.Forget(b, 0, pageSize)

	waited := make(chan error, 1)

	go func() { waited <- p.Wait(context.Background(), b, 0) }()

	<-p.Faults()
	_ = p.Close()

	if err := <-waited; !errors.Is(err, postcopy.ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestUffdPlacer(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, memory.Config{Name: "ram0", Size: 4 * pageSize, Mmap: true})
	b := lookup(t, reg, "ram0")

	p, err := postcopy.NewUffdPlacer(reg, nil)
	if errors.Is(err, postcopy.ErrUserfaultUnavailable) {
		t.Skipf("userfaultfd: %v", err)
	}

	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}

	if err := b.Discard(0, 4*pageSize); err != nil {
		t.Fatal(err)
	}

	p.Forget(b, 0, 4*pageSize)

	if err := p.Start(); err != nil {
		t.Skipf("register: %v", err)
	}

	page := bytes.Repeat([]byte{0x17}, pageSize)

	if err := p.Place(b, pageSize, page); err != nil {
		t.Fatal(err)
	}

	if err := p.PlaceZero(b, 3*pageSize); err != nil {
		t.Fatal(err)
	}

	if !p.Received(b, pageSize) || !p.Received(b, 3*pageSize) || p.Received(b, 0) {
		t.Fatalf("received bits do not match placements")
	}

	// Only placed pages are read; a missing page would block this goroutine.
	if !bytes.Equal(b.Page(pageSize), page) || !memory.IsZero(b.Page(3*pageSize)) {
		t.Fatalf("placed content does not read back")
	}
}

// ---- fault handler ----------------------------------------------------------

func TestFaultHandlerRequestsOnce(t *testing.T) {
	t.Parallel()

	const hp = 2 * pageSize

	reg := newRegistry(t,
		memory.Config{Name: "ram0", Size: 8 * pageSize, PageSize: hp},
		memory.Config{Name: "ram1", Size: 4 * pageSize})
	b0 := lookup(t, reg, "ram0")
	b1 := lookup(t, reg, "ram1")

	p := postcopy.NewMemoryPlacer(reg)
	defer p.Close()

	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}

	p.Forget(b0, 0, 8*pageSize)
	p.Forget(b1, 0, 4*pageSize)

	req := newRequester()
	h := postcopy.NewFaultHandler(p, req, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- h.Run(ctx) }()

	defer func() {
		cancel()
		<-done
	}()

	waitCtx, waitCancel := context.WithCancel(context.Background())
	defer waitCancel()

	var wg sync.WaitGroup

	wait := func(b *memory.Block, off uint64) {
		wg.Add(1)

		go func() {
			defer wg.Done()
			_ = p.Wait(waitCtx, b, off)
		}()
	}

	// Both target pages of host page 2 of ram0 fault; one request covers
	// them. The next request for ram0 leaves the block name out.
	wait(b0, 5*pageSize)
	<-req.got
	wait(b0, 4*pageSize)
	wait(b0, 0)
	<-req.got
	wait(b1, pageSize)
	<-req.got

	time.Sleep(20 * time.Millisecond)

	want := []request{
		{block: "ram0", start: 4 * pageSize, length: hp},
		{block: "", start: 0, length: hp},
		{block: "ram1", start: pageSize, length: pageSize},
	}

	got := req.all()
	if len(got) != len(want) {
		t.Fatalf("got requests %+v, want %+v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got requests %+v, want %+v", got, want)
		}
	}

	if h.Sent() != 3 {
		t.Fatalf("sent %d requests, want 3", h.Sent())
	}

	waitCancel()
	wg.Wait()
}

// ---- listener ---------------------------------------------------------------

func TestListenerPausesAndResumes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		served []string
	)

	serve := func(_ context.Context, r *migration.Reader) error {
		n, err := r.Get8()

		mu.Lock()
		served = append(served, string(rune('a'+n)))
		mu.Unlock()

		if err != nil {
			return err
		}

		if n == 0 {
			return io.ErrUnexpectedEOF
		}

		return nil
	}

	paused := make(chan error, 1)

	l, err := postcopy.Listen(ctx, postcopy.ListenConfig{
		Reader:  migration.NewBytesReader([]byte{0}),
		Serve:   serve,
		Pause:   true,
		OnPause: func(err error) { paused <- err },
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := <-paused; !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("paused with %v", err)
	}

	if !l.Paused() {
		t.Fatalf("listener not paused")
	}

	if err := l.Resume(ctx, migration.NewBytesReader([]byte{1})); err != nil {
		t.Fatal(err)
	}

	if err := l.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err := l.Resume(ctx, migration.NewBytesReader(nil)); !errors.Is(err, errors.NotValid) {
		t.Fatalf("resume after the end: got %v, want NotValid", err)
	}

	if len(served) != 2 || served[0] != "a" || served[1] != "b" {
		t.Fatalf("served %v, want [a b]", served)
	}
}

func TestListenerProtocolErrorDoesNotPause(t *testing.T) {
	t.Parallel()

	l, err := postcopy.Listen(context.Background(), postcopy.ListenConfig{
		Reader: migration.NewBytesReader(nil),
		Serve: func(context.Context, *migration.Reader) error {
			return errors.NotValidf("bad section")
		},
		Pause: true,
		OnPause: func(error) {
			t.Errorf("paused on a protocol error")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Wait(); !errors.Is(err, errors.NotValid) {
		t.Fatalf("got %v, want NotValid", err)
	}
}
