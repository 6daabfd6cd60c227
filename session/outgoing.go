package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/dirty"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/metrics"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/multifd"
	"github.com/bobuhiro11/gomigrate/postcopy"
	"github.com/bobuhiro11/gomigrate/ram"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OutgoingConfig configures the source side of a migration.
type OutgoingConfig struct {
	Registry *memory.Registry
	Log      dirty.Log
	Params   migration.Params
	Devices  Devices
	Guest    Guest
	// Dial opens n multifd channels to the destination. Required with
	// Params.Multifd.
	Dial   func(ctx context.Context, n int) ([]channel.Channel, error)
	Clock  clock.Clock
	Stats  *metrics.Stats
	Logger *logrus.Entry
}

// Outgoing is the source side of one migration.
type Outgoing struct {
	cfg     OutgoingConfig
	lg      *logrus.Entry
	state   *migration.State
	stats   *metrics.Stats
	tracker *dirty.Tracker
	saver   *ram.Saver

	sender   *multifd.Sender
	multifds []channel.Channel

	g      *errgroup.Group
	cancel context.CancelFunc
	done   chan struct{}

	chMu sync.Mutex
	ch   channel.Channel

	postcopyRequested atomic.Bool
	cancelled         atomic.Bool
	rpGen             atomic.Uint32

	// Owned by the driver goroutine.
	stopped  bool
	switched bool

	shut      chan uint32
	bitmaps   chan string
	resumeAck chan uint32
	rpErr     chan error
	recoverCh chan channel.Channel
}

// BeginOutgoing starts migrating over ch and returns at once. The
// migration runs until Wait returns.
func BeginOutgoing(ctx context.Context, ch channel.Channel, cfg OutgoingConfig) (*Outgoing, error) {
	if ch == nil || cfg.Registry == nil || cfg.Log == nil {
		return nil, errors.NotValidf("outgoing migration without channel, registry or dirty log")
	}

	if err := cfg.Params.Validate(); err != nil {
		return nil, errors.Annotate(err, "migration parameters")
	}

	if cfg.Params.Postcopy && !cfg.Params.ReturnPath {
		return nil, errors.NotValidf("postcopy without return path")
	}

	if cfg.Params.Multifd && cfg.Dial == nil {
		return nil, errors.NotValidf("multifd without a dialer")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	if cfg.Stats == nil {
		cfg.Stats = &metrics.Stats{}
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	lg := cfg.Logger.WithField("component", "outgoing")

	o := &Outgoing{
		cfg:       cfg,
		lg:        lg,
		state:     migration.NewState(lg),
		stats:     cfg.Stats,
		tracker:   dirty.NewTracker(cfg.Registry, cfg.Log, lg),
		ch:        ch,
		done:      make(chan struct{}),
		shut:      make(chan uint32, 1),
		bitmaps:   make(chan string, len(cfg.Registry.Blocks())),
		resumeAck: make(chan uint32, 1),
		rpErr:     make(chan error, 1),
		recoverCh: make(chan channel.Channel),
	}

	ctx, o.cancel = context.WithCancel(ctx)

	if cfg.Params.Multifd {
		if err := o.startMultifd(ctx); err != nil {
			o.cancel()

			return nil, err
		}
	}

	var guest ram.Throttler
	if cfg.Guest != nil {
		guest = cfg.Guest
	}

	saver, err := ram.NewSaver(ram.SaverConfig{
		Registry: cfg.Registry,
		Tracker:  o.tracker,
		Params:   cfg.Params,
		Multifd:  o.sender,
		Guest:    guest,
		Clock:    cfg.Clock,
		Stats:    cfg.Stats,
		Logger:   lg,
	})
	if err != nil {
		o.closeMultifd()
		o.cancel()

		return nil, err
	}

	o.saver = saver
	o.g, ctx = errgroup.WithContext(ctx)

	o.g.Go(func() error {
		defer close(o.done)

		return o.finish(o.run(ctx))
	})

	return o, nil
}

func (o *Outgoing) startMultifd(ctx context.Context) error {
	p := o.cfg.Params

	codec, err := multifd.Lookup(p.MultifdCompression, p.CodecLevel())
	if err != nil {
		return err
	}

	chans, err := o.cfg.Dial(ctx, p.MultifdChannels)
	if err != nil {
		return errors.Annotate(err, "dial multifd channels")
	}

	o.multifds = chans

	o.sender, err = multifd.NewSender(ctx, multifd.SendConfig{
		Channels:       chans,
		Codec:          codec,
		PagesPerPacket: p.PagesPerPacket,
		UUID:           uuid.New(),
		Stats:          o.stats,
		Logger:         o.lg,
	})
	if err != nil {
		o.closeMultifd()

		return err
	}

	return nil
}

func (o *Outgoing) closeMultifd() {
	for _, c := range o.multifds {
		_ = c.Close()
	}
}

func (o *Outgoing) channel() channel.Channel {
	o.chMu.Lock()
	defer o.chMu.Unlock()

	return o.ch
}

func (o *Outgoing) setChannel(ch channel.Channel) {
	o.chMu.Lock()
	defer o.chMu.Unlock()

	o.ch = ch
}

func (o *Outgoing) run(ctx context.Context) error {
	if err := o.state.Set(migration.None, migration.Setup); err != nil {
		return err
	}

	p := o.cfg.Params
	reg := o.cfg.Registry
	w := migration.NewWriter(o.channel())

	migration.WriteHeader(w)

	if p.ReturnPath {
		if err := migration.WriteCommand(w, migration.CmdOpenReturnPath, nil); err != nil {
			return err
		}

		o.startReturnPath(ctx, o.channel())
	}

	if p.Postcopy {
		if err := migration.WriteAdvise(w, reg.PageSizeSummary(), memory.TargetPageSize); err != nil {
			return err
		}

		if err := migration.WritePing(w, 1); err != nil {
			return err
		}
	}

	if err := o.saver.Setup(ctx, w); err != nil {
		return err
	}

	if err := o.state.Set(migration.Setup, migration.Active); err != nil {
		return err
	}

	o.lg.Infof("migration: precopy of %s started", humanize.IBytes(reg.TotalBytes()))

	toPostcopy, err := o.precopy(ctx, w)
	if err != nil {
		return err
	}

	if toPostcopy {
		return o.postcopy(ctx, w)
	}

	return o.completePrecopy(ctx, w)
}

// precopy iterates until the rest fits in the downtime limit or postcopy
// was requested. It reports whether to switch to postcopy.
func (o *Outgoing) precopy(ctx context.Context, w *migration.Writer) (bool, error) {
	downtime := time.Duration(o.cfg.Params.DowntimeLimit)

	for iter := 1; ; iter++ {
		if o.cfg.Params.Postcopy && o.postcopyRequested.Load() {
			return true, nil
		}

		if err := o.returnPathFailed(); err != nil {
			return false, err
		}

		done, err := o.saver.Iterate(ctx, w)
		if err != nil {
			return false, err
		}

		threshold := o.saver.Threshold(downtime)

		if done || o.saver.Pending() < threshold {
			if err := o.saver.SyncBitmap(); err != nil {
				return false, err
			}

			if pending := o.saver.Pending(); pending < threshold {
				o.lg.Infof("migration: %s left after %d iterations, below %s",
					humanize.IBytes(pending), iter, humanize.IBytes(threshold))

				return false, nil
			}
		}

		if d := o.saver.RateDelay(); d > 0 {
			select {
			case <-o.cfg.Clock.After(d):
			case <-ctx.Done():
				return false, errors.Trace(ctx.Err())
			}
		}
	}
}

func (o *Outgoing) completePrecopy(ctx context.Context, w *migration.Writer) error {
	if err := o.stopGuest(); err != nil {
		return err
	}

	if err := o.saver.Complete(ctx, w); err != nil {
		return err
	}

	if err := o.writeDevices(w); err != nil {
		return err
	}

	migration.WriteSection(w, migration.SectionEOF)

	if err := w.Flush(); err != nil {
		return errors.Annotate(err, "complete")
	}

	if err := o.waitShut(ctx); err != nil {
		return err
	}

	return o.state.Set(migration.Active, migration.Completed)
}

// postcopy stops the guest here, hands the device state over inside one
// package and serves the remaining pages while the guest runs on the
// destination.
func (o *Outgoing) postcopy(ctx context.Context, w *migration.Writer) error {
	if err := o.stopGuest(); err != nil {
		return err
	}

	if err := o.saver.SyncBitmap(); err != nil {
		return err
	}

	if err := o.saver.SendDiscard(w); err != nil {
		return err
	}

	pkg, blob := migration.NewBufferWriter()

	if err := migration.WriteCommand(pkg, migration.CmdPostcopyListen, nil); err != nil {
		return err
	}

	if err := o.writeDevices(pkg); err != nil {
		return err
	}

	if err := migration.WriteCommand(pkg, migration.CmdPostcopyRun, nil); err != nil {
		return err
	}

	if err := pkg.Flush(); err != nil {
		return err
	}

	if err := migration.WritePackaged(w, blob.Bytes()); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return errors.Annotate(err, "send postcopy package")
	}

	o.switched = true

	if err := o.state.Set(migration.Active, migration.PostcopyActive); err != nil {
		return err
	}

	o.saver.StartPostcopy()
	o.lg.Infof("migration: postcopy started with %s left", humanize.IBytes(o.saver.Pending()))

	for {
		err := o.servePostcopy(ctx, w)
		if err == nil {
			break
		}

		if w, err = o.pause(ctx, err); err != nil {
			return err
		}
	}

	return o.state.Set(migration.PostcopyActive, migration.Completed)
}

func (o *Outgoing) servePostcopy(ctx context.Context, w *migration.Writer) error {
	for {
		if err := o.returnPathFailed(); err != nil {
			return err
		}

		done, err := o.saver.Iterate(ctx, w)
		if err != nil {
			return err
		}

		if done && o.saver.Queue().Empty() {
			break
		}
	}

	if err := o.saver.Complete(ctx, w); err != nil {
		return err
	}

	migration.WriteSection(w, migration.SectionEOF)

	if err := w.Flush(); err != nil {
		return errors.Annotate(err, "complete postcopy")
	}

	return o.waitShut(ctx)
}

// pause waits for Recover after the stream failed in postcopy and returns
// the writer of the recovered stream.
func (o *Outgoing) pause(ctx context.Context, cause error) (*migration.Writer, error) {
	if !o.cfg.Params.PostcopyPause || ctx.Err() != nil || !postcopy.Pausable(cause) ||
		errors.Is(cause, ErrPeerFailed) {
		return nil, cause
	}

	if err := o.state.Set(migration.PostcopyActive, migration.PostcopyPaused); err != nil {
		return nil, cause
	}

	o.lg.Warnf("migration: postcopy paused: %v", cause)
	o.shutdownChannel()

	for {
		var ch channel.Channel

		select {
		case ch = <-o.recoverCh:
		case <-ctx.Done():
			return nil, errors.Annotate(cause, "postcopy paused")
		}

		w, err := o.resume(ctx, ch)
		if err == nil {
			return w, nil
		}

		o.lg.Warnf("migration: postcopy recovery failed: %v", err)
		_ = ch.Shutdown()

		if err := o.state.Set(migration.PostcopyRecover, migration.PostcopyPaused); err != nil {
			return nil, err
		}
	}
}

// resume runs the recovery handshake on a new stream: the destination
// reports the pages it holds, the missing ones become dirty again.
func (o *Outgoing) resume(ctx context.Context, ch channel.Channel) (*migration.Writer, error) {
	if err := o.state.Set(migration.PostcopyPaused, migration.PostcopyRecover); err != nil {
		return nil, err
	}

	old := o.channel()
	o.setChannel(ch)
	_ = old.Close()

	drain(o.bitmaps)
	drain(o.resumeAck)
	drain(o.rpErr)
	drain(o.shut)

	o.startReturnPath(ctx, ch)

	w := migration.NewWriter(ch)
	migration.WriteHeader(w)

	blocks := o.cfg.Registry.Blocks()
	for _, b := range blocks {
		if err := migration.WriteRecvBitmap(w, b.Name()); err != nil {
			return nil, err
		}
	}

	if err := w.Flush(); err != nil {
		return nil, errors.Annotate(err, "request received bitmaps")
	}

	for range blocks {
		select {
		case <-o.bitmaps:
		case err := <-o.rpErr:
			return nil, err
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}

	o.saver.Resume()

	if err := migration.WriteCommand(w, migration.CmdPostcopyResume, nil); err != nil {
		return nil, err
	}

	if err := w.Flush(); err != nil {
		return nil, errors.Annotate(err, "resume")
	}

	select {
	case <-o.resumeAck:
	case err := <-o.rpErr:
		return nil, err
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}

	if err := o.state.Set(migration.PostcopyRecover, migration.PostcopyActive); err != nil {
		return nil, err
	}

	o.lg.Infof("migration: postcopy resumed with %s left", humanize.IBytes(o.saver.Pending()))

	return w, nil
}

func drain[T any](c chan T) {
	for {
		select {
		case <-c:
		default:
			return
		}
	}
}

func (o *Outgoing) stopGuest() error {
	if o.cfg.Guest == nil {
		return nil
	}

	if err := o.cfg.Guest.Stop(); err != nil {
		return errors.Annotate(err, "stop guest")
	}

	o.stopped = true

	return nil
}

func (o *Outgoing) writeDevices(w *migration.Writer) error {
	if o.cfg.Devices == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := o.cfg.Devices.SaveNonRAMState(&buf); err != nil {
		return errors.Annotate(err, "save device state")
	}

	migration.WriteDevice(w, buf.Bytes())

	return w.Err()
}

func (o *Outgoing) waitShut(ctx context.Context) error {
	if !o.cfg.Params.ReturnPath {
		return nil
	}

	select {
	case <-o.shut:
		return nil
	case err := <-o.rpErr:
		return err
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

func (o *Outgoing) returnPathFailed() error {
	select {
	case err := <-o.rpErr:
		return err
	default:
		return nil
	}
}

// startReturnPath reads the destination's messages on ch until it fails.
// Only the reader of the current stream reports errors.
func (o *Outgoing) startReturnPath(ctx context.Context, ch channel.Channel) {
	gen := o.rpGen.Add(1)

	o.g.Go(func() error {
		err := o.readReturnPath(ctx, ch)
		if err == nil || ctx.Err() != nil || o.rpGen.Load() != gen {
			return nil
		}

		select {
		case o.rpErr <- err:
		default:
		}

		return nil
	})
}

func (o *Outgoing) readReturnPath(ctx context.Context, ch channel.Channel) error {
	r := migration.NewReader(ch)

	for {
		msg, data, err := migration.ReadRP(r)
		if err != nil {
			return errors.Annotate(err, "return path")
		}

		switch msg {
		case migration.RPShut:
			if st := binary.BigEndian.Uint32(data); st != 0 {
				return errors.Annotatef(ErrPeerFailed, "destination status %d", st)
			}

			o.shut <- 0

			return nil
		case migration.RPPong:
			o.lg.Debugf("migration: pong %d", binary.BigEndian.Uint32(data))
		case migration.RPReqPages, migration.RPReqPagesID:
			req, err := migration.DecodePageRequest(msg, data)
			if err != nil {
				return err
			}

			if err := o.saver.RequestPages(req.Block, req.Start, req.Length); err != nil {
				return err
			}
		case migration.RPRecvBitmap:
			if err := o.reloadBitmap(r, data); err != nil {
				return err
			}
		case migration.RPResumeAck:
			select {
			case o.resumeAck <- binary.BigEndian.Uint32(data):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (o *Outgoing) reloadBitmap(r *migration.Reader, data []byte) error {
	name, _, err := migration.DecodeName(data)
	if err != nil {
		return err
	}

	b, err := o.cfg.Registry.Lookup(name)
	if err != nil {
		return errors.Annotate(err, "received bitmap")
	}

	bm, err := migration.ReadRecvBitmap(r, b.Pages())
	if err != nil {
		return err
	}

	if err := o.saver.ReloadBitmap(name, bm); err != nil {
		return err
	}

	o.bitmaps <- name

	return nil
}

func (o *Outgoing) shutdownChannel() {
	if ch := o.channel(); ch != nil {
		_ = ch.Shutdown()
	}
}

// finish releases the session's resources and settles the final phase.
func (o *Outgoing) finish(err error) error {
	defer o.cancel()

	if o.sender != nil {
		if err != nil {
			o.sender.Shutdown(err)
		}

		if cerr := o.sender.Close(); cerr != nil && err == nil {
			err = cerr
		}

		o.closeMultifd()
	}

	if cerr := o.saver.Cleanup(); cerr != nil {
		o.lg.Warnf("migration: cleanup: %v", cerr)
	}

	if err != nil && o.stopped && !o.switched {
		if serr := o.cfg.Guest.Start(); serr != nil {
			o.lg.Errorf("migration: restart guest: %v", serr)
		}
	}

	o.rpGen.Add(1)
	_ = o.channel().Close()

	switch {
	case err == nil:
		o.lg.Infof("migration: completed, %s transferred", humanize.IBytes(o.stats.Transferred.Load()))

		return nil
	case o.cancelled.Load():
		settleCancelled(o.state)
		o.lg.Infof("migration: cancelled")

		return errors.Annotate(ErrCancelled, "outgoing migration")
	default:
		from := o.state.Fail()
		o.lg.Errorf("migration: failed in %s: %v", from, err)

		return err
	}
}

// Cancel stops the migration. The source guest keeps running here unless
// it already switched to the destination.
func (o *Outgoing) Cancel() {
	o.cancelled.Store(true)

	for {
		cur := o.state.Load()
		if !cur.InProgress() || o.state.Set(cur, migration.Cancelling) == nil {
			break
		}
	}

	o.shutdownChannel()

	if o.sender != nil {
		o.sender.Shutdown(ErrCancelled)
	}

	o.cancel()
}

// StartPostcopy switches to postcopy at the end of the current iteration.
func (o *Outgoing) StartPostcopy() error {
	if !o.cfg.Params.Postcopy {
		return errors.NotValidf("postcopy start without postcopy negotiated")
	}

	if p := o.state.Load(); p != migration.Setup && p != migration.Active {
		return errors.NotValidf("postcopy start in %s", p)
	}

	o.postcopyRequested.Store(true)

	return nil
}

// Recover hands a paused postcopy migration a new stream to the
// destination.
func (o *Outgoing) Recover(ctx context.Context, ch channel.Channel) error {
	if p := o.state.Load(); p != migration.PostcopyPaused {
		return errors.NotValidf("recover in %s", p)
	}

	select {
	case o.recoverCh <- ch:
		return nil
	case <-o.done:
		return errors.NotValidf("recover of a finished migration")
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Status returns a snapshot of the migration.
func (o *Outgoing) Status() Status { return statusOf(o.state.Load(), o.stats) }

// Phase returns the current phase.
func (o *Outgoing) Phase() migration.Phase { return o.state.Load() }

// Changed returns a channel closed at the next phase change.
func (o *Outgoing) Changed() <-chan struct{} { return o.state.Changed() }

// Wait blocks until the migration ended and returns its error.
func (o *Outgoing) Wait() error { return o.g.Wait() }
