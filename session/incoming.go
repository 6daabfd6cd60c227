package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/metrics"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/multifd"
	"github.com/bobuhiro11/gomigrate/postcopy"
	"github.com/bobuhiro11/gomigrate/ram"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// IncomingConfig configures the destination side of a migration.
type IncomingConfig struct {
	Registry *memory.Registry
	// Params must match the source's multifd settings.
	Params  migration.Params
	Devices Devices
	Guest   Guest
	// Placer installs postcopy pages; nil selects a postcopy.MemoryPlacer.
	Placer postcopy.Placer
	Stats  *metrics.Stats
	Logger *logrus.Entry
}

// Incoming is the destination side of one migration.
type Incoming struct {
	cfg   IncomingConfig
	lg    *logrus.Entry
	state *migration.State
	stats *metrics.Stats

	loader   *ram.Loader
	receiver *multifd.Receiver
	pc       *postcopy.Incoming

	g         *errgroup.Group
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu       sync.Mutex
	ch       channel.Channel
	rp       *migration.ReturnPath
	multifds []channel.Channel
	faults   *postcopy.FaultHandler
	listener *postcopy.Listener
}

// BeginIncoming starts loading the migration stream of ch and returns at
// once. Multifd channels are handed over with AddChannel as they connect.
func BeginIncoming(ctx context.Context, ch channel.Channel, cfg IncomingConfig) (*Incoming, error) {
	if ch == nil || cfg.Registry == nil {
		return nil, errors.NotValidf("incoming migration without channel or registry")
	}

	if err := cfg.Params.Validate(); err != nil {
		return nil, errors.Annotate(err, "migration parameters")
	}

	if cfg.Stats == nil {
		cfg.Stats = &metrics.Stats{}
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	lg := cfg.Logger.WithField("component", "incoming")

	in := &Incoming{
		cfg:   cfg,
		lg:    lg,
		state: migration.NewState(lg),
		stats: cfg.Stats,
		ch:    ch,
	}

	ctx, in.cancel = context.WithCancel(ctx)

	pc, err := postcopy.NewIncoming(postcopy.Config{Registry: cfg.Registry, Placer: cfg.Placer, Logger: lg})
	if err != nil {
		in.cancel()

		return nil, err
	}

	in.pc = pc

	if cfg.Params.Multifd {
		codec, err := multifd.Lookup(cfg.Params.MultifdCompression, cfg.Params.CodecLevel())
		if err != nil {
			in.cancel()

			return nil, err
		}

		in.receiver, err = multifd.NewReceiver(ctx, multifd.RecvConfig{
			Channels:       cfg.Params.MultifdChannels,
			Codec:          codec,
			PagesPerPacket: cfg.Params.PagesPerPacket,
			Registry:       cfg.Registry,
			Stats:          cfg.Stats,
			Logger:         lg,
		})
		if err != nil {
			in.cancel()

			return nil, err
		}
	}

	in.loader, err = ram.NewLoader(ram.LoaderConfig{
		Registry: cfg.Registry,
		Multifd:  in.receiver,
		Stats:    cfg.Stats,
		Logger:   lg,
	})
	if err != nil {
		in.cancel()

		return nil, err
	}

	in.g, in.ctx = errgroup.WithContext(ctx)

	in.g.Go(func() error {
		return in.finish(in.run(in.ctx))
	})

	return in, nil
}

// AddChannel hands over a multifd channel of this migration.
func (in *Incoming) AddChannel(ch channel.Channel) error {
	if in.receiver == nil {
		return errors.NotValidf("multifd channel without multifd negotiated")
	}

	in.mu.Lock()
	in.multifds = append(in.multifds, ch)
	in.mu.Unlock()

	return in.receiver.AddChannel(ch)
}

func (in *Incoming) channel() channel.Channel {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.ch
}

func (in *Incoming) returnPath() *migration.ReturnPath {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.rp
}

func (in *Incoming) run(ctx context.Context) error {
	if err := in.state.Set(migration.None, migration.Setup); err != nil {
		return err
	}

	r := migration.NewReader(in.channel())

	if err := migration.ReadHeader(r); err != nil {
		return err
	}

	if err := in.state.Set(migration.Setup, migration.Active); err != nil {
		return err
	}

	err := in.serve(ctx, r)
	if errors.Is(err, errHandedOver) {
		err = in.listenerResult()
	}

	if err != nil {
		return err
	}

	if in.pc.State() != postcopy.None {
		if err := in.pc.Finish(); err != nil {
			return err
		}
	}

	if in.state.Load() == migration.Active && in.cfg.Guest != nil {
		if err := in.cfg.Guest.Start(); err != nil {
			return errors.Annotate(err, "start guest")
		}
	}

	cur := in.state.Load()
	if cur != migration.Active && cur != migration.PostcopyActive {
		return errors.NotValidf("end of stream in %s", cur)
	}

	return in.state.Set(cur, migration.Completed)
}

func (in *Incoming) listenerResult() error {
	in.mu.Lock()
	l := in.listener
	in.mu.Unlock()

	return l.Wait()
}

// serve reads sections until EOF. It is the main loop before postcopy and
// the listener's loop after.
func (in *Incoming) serve(ctx context.Context, r *migration.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}

		sec, err := migration.ReadSection(r)
		if err != nil {
			return err
		}

		switch sec {
		case migration.SectionEOF:
			return nil
		case migration.SectionRAM:
			err = in.loader.LoadSection(ctx, r)
		case migration.SectionDevice:
			err = in.loadDevices(r)
		case migration.SectionCommand:
			err = in.command(ctx, r)
		}

		if err != nil {
			return err
		}
	}
}

func (in *Incoming) loadDevices(r *migration.Reader) error {
	p, err := migration.ReadDevice(r)
	if err != nil {
		return err
	}

	if in.cfg.Devices == nil {
		in.lg.Debugf("migration: dropping %s of device state", humanize.IBytes(uint64(len(p))))

		return nil
	}

	return errors.Annotate(in.cfg.Devices.LoadNonRAMState(bytes.NewReader(p)), "load device state")
}

func (in *Incoming) command(ctx context.Context, r *migration.Reader) error {
	cmd, data, err := migration.ReadCommand(r)
	if err != nil {
		return err
	}

	in.lg.Debugf("migration: command %s", cmd)

	switch cmd {
	case migration.CmdOpenReturnPath:
		in.mu.Lock()
		in.rp = migration.NewReturnPath(in.ch)
		in.mu.Unlock()
	case migration.CmdPing:
		if rp := in.returnPath(); rp != nil {
			return rp.Pong(migration.DecodePing(data))
		}
	case migration.CmdPostcopyAdvise:
		host, target := migration.DecodeAdvise(data)
		if err := in.pc.Advise(host, target); err != nil {
			return err
		}

		in.loader.Advise()
	case migration.CmdPostcopyRAMDiscard:
		name, ranges, err := migration.DecodeDiscard(data)
		if err != nil {
			return err
		}

		return in.pc.Discard(name, ranges)
	case migration.CmdPackaged:
		return in.servePackage(ctx, r, data)
	case migration.CmdPostcopyListen:
		if err := in.listen(ctx, r); err != nil {
			return err
		}

		return errHandedOver
	case migration.CmdPostcopyRun:
		return in.runGuest()
	case migration.CmdRecvBitmap:
		return in.sendRecvBitmap(data)
	case migration.CmdPostcopyResume:
		return in.resumed()
	}

	return nil
}

// servePackage processes the postcopy switchover package. LISTEN inside it
// hands the outer stream to the listener while the rest of the package is
// processed here.
func (in *Incoming) servePackage(ctx context.Context, outer *migration.Reader, data []byte) error {
	nested, err := migration.ReadPackaged(outer, data)
	if err != nil {
		return err
	}

	size := uint64(binary.BigEndian.Uint32(data))
	listening := false

	for nested.BytesRead() < size {
		sec, err := migration.ReadSection(nested)
		if err != nil {
			return errors.Annotate(err, "package")
		}

		switch sec {
		case migration.SectionDevice:
			err = in.loadDevices(nested)
		case migration.SectionCommand:
			cmd, _, cerr := migration.ReadCommand(nested)
			if cerr != nil {
				return cerr
			}

			switch cmd {
			case migration.CmdPostcopyListen:
				err = in.listen(ctx, outer)
				listening = err == nil
			case migration.CmdPostcopyRun:
				err = in.runGuest()
			default:
				err = errors.NotValidf("%s inside a package", cmd)
			}
		default:
			err = errors.NotValidf("%s section inside a package", sec)
		}

		if err != nil {
			return err
		}
	}

	if listening {
		return errHandedOver
	}

	return nil
}

// listen starts the postcopy listener on r; pages from now on go through
// the placer and missing ones are requested on the return path.
func (in *Incoming) listen(ctx context.Context, r *migration.Reader) error {
	rp := in.returnPath()
	if rp == nil {
		return errors.NotValidf("postcopy listen without return path")
	}

	if err := in.pc.Listen(); err != nil {
		return err
	}

	placer := in.pc.Placer()
	if err := placer.Start(); err != nil {
		return err
	}

	in.loader.StartPostcopy(placer)

	faults := postcopy.NewFaultHandler(placer, rp, in.lg)
	in.g.Go(func() error { return faults.Run(ctx) })

	if err := in.state.Set(migration.Active, migration.PostcopyActive); err != nil {
		return err
	}

	l, err := postcopy.Listen(ctx, postcopy.ListenConfig{
		Reader:  r,
		Serve:   in.serve,
		Pause:   in.cfg.Params.PostcopyPause,
		OnPause: in.paused,
		Logger:  in.lg,
	})
	if err != nil {
		return err
	}

	in.mu.Lock()
	in.faults = faults
	in.listener = l
	in.mu.Unlock()

	in.lg.Infof("migration: postcopy listening, %d pages missing", in.pc.Missing())

	return nil
}

func (in *Incoming) runGuest() error {
	if err := in.pc.Run(); err != nil {
		return err
	}

	if in.cfg.Guest == nil {
		return nil
	}

	return errors.Annotate(in.cfg.Guest.Start(), "start guest")
}

func (in *Incoming) paused(err error) {
	in.mu.Lock()
	faults := in.faults
	in.mu.Unlock()

	if faults != nil {
		faults.SetRequester(nil)
	}

	cur := in.state.Load()
	if cur != migration.PostcopyActive && cur != migration.PostcopyRecover {
		return
	}

	if serr := in.state.Set(cur, migration.PostcopyPaused); serr != nil {
		in.lg.Errorf("migration: pause: %v", serr)

		return
	}

	in.lg.Warnf("migration: postcopy paused, %d pages missing: %v", in.pc.Missing(), err)
}

func (in *Incoming) sendRecvBitmap(data []byte) error {
	name, _, err := migration.DecodeName(data)
	if err != nil {
		return err
	}

	b, err := in.cfg.Registry.Lookup(name)
	if err != nil {
		return errors.Annotate(err, "received bitmap request")
	}

	rp := in.returnPath()
	if rp == nil {
		return errors.NotValidf("received bitmap request without return path")
	}

	bm := in.pc.Placer().Bitmap(b)
	if bm == nil {
		return errors.NotValidf("received bitmap of %q before postcopy", name)
	}

	return rp.RecvBitmap(name, bm)
}

func (in *Incoming) resumed() error {
	rp := in.returnPath()
	if rp == nil {
		return errors.NotValidf("resume without return path")
	}

	if err := rp.ResumeAck(1); err != nil {
		return err
	}

	if err := in.state.Set(migration.PostcopyRecover, migration.PostcopyActive); err != nil {
		return err
	}

	in.mu.Lock()
	faults := in.faults
	in.mu.Unlock()

	if faults != nil {
		faults.SetRequester(rp)
	}

	in.lg.Infof("migration: postcopy resumed, %d pages missing", in.pc.Missing())

	return nil
}

// Recover continues a paused postcopy migration on ch, a new connection
// from the source.
func (in *Incoming) Recover(ctx context.Context, ch channel.Channel) error {
	in.mu.Lock()
	l := in.listener
	in.mu.Unlock()

	if p := in.state.Load(); p != migration.PostcopyPaused || l == nil {
		return errors.NotValidf("recover in %s", p)
	}

	if err := in.state.Set(migration.PostcopyPaused, migration.PostcopyRecover); err != nil {
		return err
	}

	r := migration.NewReader(ch)
	if err := migration.ReadHeader(r); err != nil {
		_ = in.state.Set(migration.PostcopyRecover, migration.PostcopyPaused)

		return err
	}

	in.mu.Lock()
	old := in.ch
	in.ch = ch
	in.rp = migration.NewReturnPath(ch)
	in.mu.Unlock()

	_ = old.Close()
	in.loader.Reset()

	return l.Resume(ctx, r)
}

// finish reports the result to the source and releases the session's
// resources.
func (in *Incoming) finish(err error) error {
	defer in.cancel()

	if rp := in.returnPath(); rp != nil {
		status := uint32(0)
		if err != nil {
			status = 1
		}

		if serr := rp.Shut(status); serr != nil && err == nil {
			in.lg.Warnf("migration: send shut: %v", serr)
		}
	}

	if in.receiver != nil {
		if cerr := in.receiver.Close(); cerr != nil && err == nil {
			in.lg.Debugf("migration: multifd receiver: %v", cerr)
		}
	}

	in.mu.Lock()
	chans := append([]channel.Channel{in.ch}, in.multifds...)
	l := in.listener
	in.mu.Unlock()

	for _, c := range chans {
		_ = c.Close()
	}

	if l != nil {
		in.cancel()
		<-l.Done()
	}

	if cerr := in.pc.Placer().Close(); cerr != nil {
		in.lg.Warnf("migration: close placer: %v", cerr)
	}

	switch {
	case err == nil:
		in.lg.Infof("migration: incoming completed, %s received", humanize.IBytes(in.stats.Transferred.Load()))

		return nil
	case in.cancelled.Load():
		settleCancelled(in.state)

		return errors.Annotate(ErrCancelled, "incoming migration")
	default:
		from := in.state.Fail()
		in.lg.Errorf("migration: incoming failed in %s: %v", from, err)

		return err
	}
}

// Cancel stops the migration.
func (in *Incoming) Cancel() {
	in.cancelled.Store(true)

	for {
		cur := in.state.Load()
		if !cur.InProgress() || in.state.Set(cur, migration.Cancelling) == nil {
			break
		}
	}

	if ch := in.channel(); ch != nil {
		_ = ch.Shutdown()
	}

	in.cancel()
}

// Postcopy returns the postcopy tracker; its placer tells which pages the
// guest may touch.
func (in *Incoming) Postcopy() *postcopy.Incoming { return in.pc }

// Status returns a snapshot of the migration.
func (in *Incoming) Status() Status { return statusOf(in.state.Load(), in.stats) }

// Phase returns the current phase.
func (in *Incoming) Phase() migration.Phase { return in.state.Load() }

// Changed returns a channel closed at the next phase change.
func (in *Incoming) Changed() <-chan struct{} { return in.state.Changed() }

// Wait blocks until the migration ended and returns its error.
func (in *Incoming) Wait() error { return in.g.Wait() }
