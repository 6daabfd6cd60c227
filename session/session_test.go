package session_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/dirty"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/postcopy"
	"github.com/bobuhiro11/gomigrate/session"
	"github.com/juju/errors"
)

// ---- helpers ----------------------------------------------------------------

const pageSize = memory.TargetPageSize

var blockConfigs = []memory.Config{
	{Name: "ram0", Size: 64 * pageSize},
	{Name: "ram1", Size: 16 * pageSize},
}

func newRegistry(t *testing.T) *memory.Registry {
	t.Helper()

	reg := memory.NewRegistry()

	for _, c := range blockConfigs {
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

// fill gives every page distinct content and leaves every seventh page zero.
func fill(reg *memory.Registry) {
	for bi, b := range reg.Blocks() {
		for pg := uint64(0); pg < b.Pages(); pg++ {
			if pg%7 == 0 {
				continue
			}

			page := b.Page(pg * pageSize)
			for i := range page {
				page[i] = byte(uint64(bi)*31 + pg + uint64(i)%13)
			}
		}
	}
}

// scribble overwrites n pages of b from page from and logs the writes.
func scribble(b *memory.Block, log *dirty.SoftLog, from, n uint64, v byte) {
	for pg := from; pg < from+n; pg++ {
		page := b.Page(pg * pageSize)
		for i := range page {
			page[i] = v
		}
	}

	log.Mark(b, from*pageSize, n*pageSize)
}

func sameMemory(t *testing.T, src, dst *memory.Registry) {
	t.Helper()

	for _, sb := range src.Blocks() {
		db, err := dst.Lookup(sb.Name())
		if err != nil {
			t.Fatal(err)
		}

		for pg := uint64(0); pg < sb.Pages(); pg++ {
			if !bytes.Equal(sb.Page(pg*pageSize), db.Page(pg*pageSize)) {
				t.Fatalf("block %s page %d differs", sb.Name(), pg)
			}
		}
	}
}

type deviceState struct {
	Serial []byte
	Timer  uint64
}

type devices struct {
	mu     sync.Mutex
	state  deviceState
	onSave func()
}

func (d *devices) SaveNonRAMState(w io.Writer) error {
	d.mu.Lock()
	st, fn := d.state, d.onSave
	d.mu.Unlock()

	if fn != nil {
		fn()
	}

	return migration.EncodeGob(w, st)
}

func (d *devices) LoadNonRAMState(r io.Reader) error {
	var st deviceState
	if err := migration.DecodeGob(r, &st); err != nil {
		return err
	}

	d.mu.Lock()
	d.state = st
	d.mu.Unlock()

	return nil
}

func (d *devices) get() deviceState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

type guest struct {
	mu       sync.Mutex
	running  bool
	stops    int
	starts   int
	throttle int
	onStop   func()
}

func (g *guest) Stop() error {
	g.mu.Lock()
	g.running = false
	g.stops++
	fn := g.onStop
	g.mu.Unlock()

	if fn != nil {
		fn()
	}

	return nil
}

func (g *guest) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.running = true
	g.starts++

	return nil
}

func (g *guest) SetThrottle(pct int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.throttle = pct
}

func (g *guest) counts() (stops, starts int, running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.stops, g.starts, g.running
}

type phased interface {
	Phase() migration.Phase
	Changed() <-chan struct{}
}

func waitPhase(ctx context.Context, t *testing.T, s phased, want migration.Phase) {
	t.Helper()

	for {
		changed := s.Changed()

		p := s.Phase()
		if p == want {
			return
		}

		if p.Terminal() {
			t.Fatalf("phase %s, want %s", p, want)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			t.Fatalf("phase %s, want %s: %v", s.Phase(), want, ctx.Err())
		}
	}
}

// env is a source and a destination connected by an in-memory main stream.
type env struct {
	params migration.Params

	srcReg, dstReg     *memory.Registry
	log                *dirty.SoftLog
	srcGuest, dstGuest *guest
	srcDev, dstDev     *devices

	srcCh channel.Channel
	dstCh channel.Channel

	src *session.Outgoing
	dst *session.Incoming

	adds    sync.WaitGroup
	addErrs chan error
}

func newEnv(t *testing.T, params migration.Params) *env {
	t.Helper()

	e := &env{
		params:   params,
		srcReg:   newRegistry(t),
		dstReg:   newRegistry(t),
		log:      dirty.NewSoftLog(),
		srcGuest: &guest{running: true},
		dstGuest: &guest{},
		srcDev:   &devices{state: deviceState{Serial: []byte("login: "), Timer: 4242}},
		dstDev:   &devices{},
		addErrs:  make(chan error, 255),
	}

	fill(e.srcReg)

	a, b := channel.Pipe("main")
	e.srcCh, e.dstCh = a, b

	t.Cleanup(func() {
		if !t.Failed() {
			return
		}

		if e.src != nil {
			e.src.Cancel()
			_ = e.src.Wait()
		}

		if e.dst != nil {
			e.dst.Cancel()
			_ = e.dst.Wait()
		}

		_ = a.Close()
		_ = b.Close()
	})

	return e
}

func (e *env) dial(ctx context.Context, n int) ([]channel.Channel, error) {
	var ends []channel.Channel

	for i := 0; i < n; i++ {
		a, b := channel.Pipe("multifd")
		ends = append(ends, a)

		e.adds.Add(1)

		go func() {
			defer e.adds.Done()

			if err := e.dst.AddChannel(b); err != nil {
				e.addErrs <- err
			}
		}()
	}

	return ends, nil
}

func (e *env) begin(ctx context.Context, t *testing.T) {
	t.Helper()

	var err error

	e.dst, err = session.BeginIncoming(ctx, e.dstCh, session.IncomingConfig{
		Registry: e.dstReg,
		Params:   e.params,
		Devices:  e.dstDev,
		Guest:    e.dstGuest,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := session.OutgoingConfig{
		Registry: e.srcReg,
		Log:      e.log,
		Params:   e.params,
		Devices:  e.srcDev,
		Guest:    e.srcGuest,
	}

	if e.params.Multifd {
		cfg.Dial = e.dial
	}

	e.src, err = session.BeginOutgoing(ctx, e.srcCh, cfg)
	if err != nil {
		t.Fatal(err)
	}
}

func (e *env) wait(t *testing.T) {
	t.Helper()

	if err := e.src.Wait(); err != nil {
		t.Fatalf("outgoing: %v", err)
	}

	if err := e.dst.Wait(); err != nil {
		t.Fatalf("incoming: %v", err)
	}

	e.adds.Wait()
	close(e.addErrs)

	for err := range e.addErrs {
		t.Errorf("add multifd channel: %v", err)
	}
}

func (e *env) checkCompleted(t *testing.T) {
	t.Helper()

	if p := e.src.Phase(); p != migration.Completed {
		t.Errorf("outgoing phase %s", p)
	}

	if p := e.dst.Phase(); p != migration.Completed {
		t.Errorf("incoming phase %s", p)
	}

	sameMemory(t, e.srcReg, e.dstReg)

	if got, want := e.dstDev.get(), e.srcDev.get(); !bytes.Equal(got.Serial, want.Serial) || got.Timer != want.Timer {
		t.Errorf("device state %+v, want %+v", got, want)
	}

	if stops, _, running := e.srcGuest.counts(); stops != 1 || running {
		t.Errorf("source guest stopped %d times, running %v", stops, running)
	}

	if _, starts, running := e.dstGuest.counts(); starts != 1 || !running {
		t.Errorf("destination guest started %d times, running %v", starts, running)
	}
}

func testParams() migration.Params {
	p := migration.DefaultParams()
	p.MaxBandwidth = 0

	return p
}

func postcopyParams(pause bool) migration.Params {
	p := testParams()
	p.ReturnPath = true
	p.Postcopy = true
	p.PostcopyPause = pause
	// Never converge so the switch to postcopy decides.
	p.DowntimeLimit = 0

	return p
}

// ---- begin ------------------------------------------------------------------

func TestBeginRejectsBadConfig(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)

	noReturnPath := testParams()
	noReturnPath.Postcopy = true

	multifdNoDial := testParams()
	multifdNoDial.Multifd = true

	tests := []struct {
		name   string
		params migration.Params
		log    dirty.Log
	}{
		{name: "no dirty log", params: testParams()},
		{name: "postcopy without return path", params: noReturnPath, log: dirty.NewSoftLog()},
		{name: "multifd without dialer", params: multifdNoDial, log: dirty.NewSoftLog()},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			a, b := channel.Pipe("main")
			defer a.Close()
			defer b.Close()

			_, err := session.BeginOutgoing(context.Background(), a, session.OutgoingConfig{
				Registry: reg,
				Log:      test.log,
				Params:   test.params,
			})
			if !errors.Is(err, errors.NotValid) {
				t.Fatalf("err %v, want not valid", err)
			}
		})
	}

	if _, err := session.BeginIncoming(context.Background(), nil, session.IncomingConfig{Registry: reg}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("incoming without channel: %v", err)
	}
}

// ---- precopy ----------------------------------------------------------------

func TestPrecopy(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	params := testParams()
	params.ReturnPath = true

	e := newEnv(t, params)

	ram0, err := e.srcReg.Lookup("ram0")
	if err != nil {
		t.Fatal(err)
	}

	// Writes between the last iteration and the stop must still arrive.
	e.srcGuest.onStop = func() { scribble(ram0, e.log, 10, 6, 0x5a) }

	e.begin(ctx, t)

	if err := e.src.StartPostcopy(); !errors.Is(err, errors.NotValid) {
		t.Errorf("postcopy start without postcopy: %v", err)
	}

	e.wait(t)
	e.checkCompleted(t)

	if st := e.src.Status(); st.BytesTransferred < e.srcReg.TotalBytes()/2 || st.Phase != migration.Completed {
		t.Errorf("outgoing status %+v", st)
	}

	if st := e.dst.Postcopy().State(); st != postcopy.None {
		t.Errorf("postcopy state %s after precopy", st)
	}
}

func TestPrecopyOverMultifd(t *testing.T) {
	t.Parallel()

	for _, codec := range []string{"none", "zlib", "zstd"} {
		codec := codec

		t.Run(codec, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			params := testParams()
			params.Multifd = true
			params.MultifdChannels = 3
			params.MultifdCompression = codec
			params.PagesPerPacket = 8

			e := newEnv(t, params)
			e.begin(ctx, t)
			e.wait(t)
			e.checkCompleted(t)
		})
	}
}

// ---- postcopy ---------------------------------------------------------------

func TestPostcopy(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := newEnv(t, postcopyParams(false))

	ram0, err := e.srcReg.Lookup("ram0")
	if err != nil {
		t.Fatal(err)
	}

	e.srcGuest.onStop = func() { scribble(ram0, e.log, 3, 8, 0xc3) }

	e.begin(ctx, t)
	waitPhase(ctx, t, e.src, migration.Active)

	if err := e.src.StartPostcopy(); err != nil {
		t.Fatal(err)
	}

	e.wait(t)
	e.checkCompleted(t)

	if st := e.dst.Postcopy().State(); st != postcopy.End {
		t.Errorf("postcopy state %s", st)
	}

	if err := e.src.StartPostcopy(); !errors.Is(err, errors.NotValid) {
		t.Errorf("postcopy start after completion: %v", err)
	}
}

// gate passes writes until the switchover package went through, then holds
// every write until cut.
type gate struct {
	channel.Channel

	mu      sync.Mutex
	armed   bool
	passed  bool
	blocked chan struct{}
	broken  chan struct{}
	hold    sync.Once
	cutOnce sync.Once
}

// The switchover package ends with a RUN command.
var runCommand = []byte{byte(migration.SectionCommand), 0, byte(migration.CmdPostcopyRun), 0, 0}

func newGate(ch channel.Channel) *gate {
	return &gate{Channel: ch, blocked: make(chan struct{}), broken: make(chan struct{})}
}

func (g *gate) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.armed = true
}

func (g *gate) WriteAll(p []byte) error {
	g.mu.Lock()
	hold := g.passed

	if g.armed && !g.passed && bytes.HasSuffix(p, runCommand) {
		g.passed = true
	}
	g.mu.Unlock()

	if !hold {
		return g.Channel.WriteAll(p)
	}

	g.hold.Do(func() { close(g.blocked) })
	<-g.broken

	return errors.Annotate(channel.ErrShutdown, "gate")
}

func (g *gate) cut() {
	g.cutOnce.Do(func() { close(g.broken) })
	_ = g.Channel.Shutdown()
}

func TestPostcopyRecovery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := newEnv(t, postcopyParams(true))

	g := newGate(e.srcCh)
	e.srcCh = g
	e.srcDev.onSave = g.arm

	ram0, err := e.srcReg.Lookup("ram0")
	if err != nil {
		t.Fatal(err)
	}

	ram1, err := e.srcReg.Lookup("ram1")
	if err != nil {
		t.Fatal(err)
	}

	e.srcGuest.onStop = func() {
		scribble(ram0, e.log, 20, 12, 0x77)
		scribble(ram1, e.log, 0, 4, 0x88)
	}

	e.begin(ctx, t)
	waitPhase(ctx, t, e.src, migration.Active)

	if err := e.src.StartPostcopy(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-g.blocked:
	case <-ctx.Done():
		t.Fatal("no write after the switchover")
	}

	g.cut()

	waitPhase(ctx, t, e.src, migration.PostcopyPaused)
	waitPhase(ctx, t, e.dst, migration.PostcopyPaused)

	if _, starts, _ := e.dstGuest.counts(); starts != 1 {
		t.Fatalf("destination guest started %d times before recovery", starts)
	}

	a, b := channel.Pipe("recovery")

	recovered := make(chan error, 1)

	go func() { recovered <- e.dst.Recover(ctx, b) }()

	if err := e.src.Recover(ctx, a); err != nil {
		t.Fatal(err)
	}

	if err := <-recovered; err != nil {
		t.Fatal(err)
	}

	e.wait(t)
	e.checkCompleted(t)

	if st := e.dst.Postcopy().State(); st != postcopy.End {
		t.Errorf("postcopy state %s", st)
	}
}

func TestRecoverOutsidePause(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := newEnv(t, testParams())
	e.begin(ctx, t)
	e.wait(t)

	a, b := channel.Pipe("recovery")
	defer a.Close()
	defer b.Close()

	if err := e.src.Recover(ctx, a); !errors.Is(err, errors.NotValid) {
		t.Errorf("outgoing recover: %v", err)
	}

	if err := e.dst.Recover(ctx, b); !errors.Is(err, errors.NotValid) {
		t.Errorf("incoming recover: %v", err)
	}
}

// ---- cancel -----------------------------------------------------------------

func TestCancelKeepsSourceRunning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	params := testParams()
	params.DowntimeLimit = 0

	e := newEnv(t, params)
	e.begin(ctx, t)
	waitPhase(ctx, t, e.src, migration.Active)

	e.src.Cancel()

	if err := e.src.Wait(); !errors.Is(err, session.ErrCancelled) {
		t.Fatalf("outgoing: %v, want cancelled", err)
	}

	if p := e.src.Phase(); p != migration.Cancelled {
		t.Errorf("outgoing phase %s", p)
	}

	if err := e.dst.Wait(); err == nil {
		t.Error("incoming completed without its source")
	}

	if p := e.dst.Phase(); p != migration.Failed {
		t.Errorf("incoming phase %s", p)
	}

	if stops, _, running := e.srcGuest.counts(); stops != 0 || !running {
		t.Errorf("source guest stopped %d times, running %v", stops, running)
	}

	if _, starts, _ := e.dstGuest.counts(); starts != 0 {
		t.Errorf("destination guest started %d times", starts)
	}
}

func TestCancelIncoming(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := newEnv(t, testParams())

	dst, err := session.BeginIncoming(ctx, e.dstCh, session.IncomingConfig{Registry: e.dstReg, Params: e.params})
	if err != nil {
		t.Fatal(err)
	}

	waitPhase(ctx, t, dst, migration.Setup)
	dst.Cancel()

	if err := dst.Wait(); !errors.Is(err, session.ErrCancelled) {
		t.Fatalf("incoming: %v, want cancelled", err)
	}

	if p := dst.Phase(); p != migration.Cancelled {
		t.Errorf("incoming phase %s", p)
	}

	if err := dst.AddChannel(e.srcCh); !errors.Is(err, errors.NotValid) {
		t.Errorf("multifd channel without multifd: %v", err)
	}

	_ = e.srcCh.Close()
}
