package vmm

// migrate.go: live migration of the demo guest over TCP.
//
// Source side (MigrateTo):
//  1. Dial the destination, retrying while it comes up.
//  2. Hand the connection to a session.Outgoing with the guest as dirty log,
//     device state and vCPU control; multifd channels are dialed on demand.
//  3. Wait for the session. The guest stops for the final transfer or at the
//     postcopy switchover, and the source machine is closed on success.
//
// Destination side (Incoming):
//  1. Allocate a stopped guest whose vCPUs wait on a postcopy placer for
//     pages that have not arrived yet. The placer copies pages in, or
//     installs them with userfaultfd when Userfault is set.
//  2. Accept connections and sort them by their magic: the first main
//     stream begins the session, a later one recovers a paused postcopy,
//     multifd streams join the session.
//  3. Return once the session is over, with the guest running on success.

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/machine"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/postcopy"
	"github.com/bobuhiro11/gomigrate/session"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"
)

const (
	dialAttempts = 10
	dialDelay    = 100 * time.Millisecond
	dialTimeout  = 30 * time.Second
)

// dial connects to addr, retrying refused connections.
func (v *VMM) dial(ctx context.Context, addr, name string) (channel.Channel, error) {
	var conn net.Conn

	d := net.Dialer{Timeout: dialTimeout}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}

			conn = c

			return nil
		},
		IsFatalError: func(error) bool { return ctx.Err() != nil },
		NotifyFunc: func(err error, attempt int) {
			v.lg.Debugf("migration: dial %s attempt %d: %v", addr, attempt, err)
		},
		Attempts:    dialAttempts,
		Delay:       dialDelay,
		BackoffFunc: retry.DoubleDelay,
		MaxDelay:    2 * time.Second,
		Clock:       v.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(retry.LastError(err), "dial %s", addr)
	}

	return channel.New(name, conn), nil
}

// MigrateTo live-migrates the running guest to addr (host:port) and returns
// when the migration is over. The source guest is closed on success.
func (v *VMM) MigrateTo(ctx context.Context, addr string) error {
	m := v.Machine()
	if m == nil {
		return errors.NotValidf("migration without a booted machine")
	}

	v.mu.Lock()
	busy := v.out != nil && v.out.Phase().InProgress()
	v.mu.Unlock()

	if busy {
		return errors.AlreadyExistsf("migration in progress")
	}

	v.lg.Infof("migration: connecting to %s", addr)

	ch, err := v.dial(ctx, addr, "main")
	if err != nil {
		return err
	}

	out, err := session.BeginOutgoing(ctx, ch, session.OutgoingConfig{
		Registry: m.Registry(),
		Log:      m.Log(),
		Params:   v.Params,
		Devices:  m,
		Guest:    m,
		Dial: func(ctx context.Context, n int) ([]channel.Channel, error) {
			chs := make([]channel.Channel, 0, n)

			for i := 0; i < n; i++ {
				c, err := v.dial(ctx, addr, "multifd")
				if err != nil {
					for _, c := range chs {
						_ = c.Close()
					}

					return nil, err
				}

				chs = append(chs, c)
			}

			return chs, nil
		},
		Clock:  v.Clock,
		Stats:  v.stats,
		Logger: v.Logger,
	})
	if err != nil {
		_ = ch.Close()

		return err
	}

	v.mu.Lock()
	v.out = out
	v.mu.Unlock()

	if err := out.Wait(); err != nil {
		return errors.Annotatef(err, "migration to %s", addr)
	}

	v.lg.Infof("migration: complete, destination is running")
	v.migratedOnce.Do(func() { close(v.migrated) })

	return m.Close()
}

// StartPostcopy switches the outgoing migration to postcopy.
func (v *VMM) StartPostcopy() error {
	v.mu.Lock()
	out := v.out
	v.mu.Unlock()

	if out == nil {
		return errors.NotFoundf("outgoing migration")
	}

	return out.StartPostcopy()
}

// RecoverTo resumes a paused postcopy migration over a new connection to
// addr.
func (v *VMM) RecoverTo(ctx context.Context, addr string) error {
	v.mu.Lock()
	out := v.out
	v.mu.Unlock()

	if out == nil {
		return errors.NotFoundf("outgoing migration")
	}

	if p := out.Phase(); p != migration.PostcopyPaused {
		return errors.NotValidf("recover in %s", p)
	}

	ch, err := v.dial(ctx, addr, "main")
	if err != nil {
		return err
	}

	if err := out.Recover(ctx, ch); err != nil {
		_ = ch.Close()

		return err
	}

	return nil
}

// Incoming listens on listenAddr and receives a migrating guest.
func (v *VMM) Incoming(ctx context.Context, listenAddr string) error {
	v.lg.Infof("migration: waiting for incoming connection on %s", listenAddr)

	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "tcp", listenAddr)
	if err != nil {
		return errors.Annotatef(err, "listen %s", listenAddr)
	}

	return v.ServeIncoming(ctx, l)
}

// incoming sorts accepted connections into one session.
type incoming struct {
	v      *VMM
	cfg    session.IncomingConfig
	ctx    context.Context
	begun  chan struct{}
	once   sync.Once
	beginE error

	mu sync.Mutex
	in *session.Incoming
}

// ServeIncoming receives a migrating guest on connections accepted from l.
// It closes l and returns when the migration is over.
func (v *VMM) ServeIncoming(ctx context.Context, l net.Listener) error {
	defer l.Close()

	m, err := v.newMachine(true)
	if err != nil {
		return errors.Annotate(err, "incoming machine")
	}

	placer, err := v.placer(m)
	if err != nil {
		return err
	}
	defer placer.Close()

	m.SetPageWaiter(placer)

	if err := v.serveMetrics("destination"); err != nil {
		return err
	}

	srv := &incoming{
		v: v,
		cfg: session.IncomingConfig{
			Registry: m.Registry(),
			Params:   v.Params,
			Devices:  m,
			Guest:    m,
			Placer:   placer,
			Stats:    v.stats,
			Logger:   v.Logger,
		},
		ctx:   ctx,
		begun: make(chan struct{}),
	}

	acceptCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, acceptCtx := errgroup.WithContext(acceptCtx)

	g.Go(func() error {
		<-acceptCtx.Done()

		return l.Close()
	})

	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if acceptCtx.Err() != nil {
					return nil
				}

				return errors.Annotate(err, "accept")
			}

			g.Go(func() error {
				srv.handle(acceptCtx, conn)

				return nil
			})
		}
	})

	select {
	case <-srv.begun:
	case <-acceptCtx.Done():
	}

	in, err := srv.session()
	if err == nil {
		err = in.Wait()
	}

	stop()

	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, net.ErrClosed) && (err == nil || errors.Is(err, errors.NotFound)) {
		err = gerr
	}

	if err != nil {
		return errors.Annotate(err, "incoming migration")
	}

	v.lg.Infof("migration: guest is running")

	return nil
}

// placer returns the postcopy placer of the destination guest.
func (v *VMM) placer(m *machine.Machine) (postcopy.Placer, error) {
	if !v.Userfault {
		return postcopy.NewMemoryPlacer(m.Registry()), nil
	}

	p, err := postcopy.NewUffdPlacer(m.Registry(), v.Logger)
	if err != nil {
		return nil, errors.Annotate(err, "userfault placer")
	}

	v.lg.Infof("migration: placing postcopy pages with userfaultfd")

	return p, nil
}

func (s *incoming) session() (*session.Incoming, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.in == nil && s.beginE == nil {
		return nil, errors.NotFoundf("incoming migration")
	}

	return s.in, s.beginE
}

func (s *incoming) handle(ctx context.Context, conn net.Conn) {
	lg := s.v.lg.WithField("channel", conn.RemoteAddr().String())
	ch := channel.New(conn.RemoteAddr().String(), conn)

	unblock := context.AfterFunc(ctx, func() { _ = ch.Close() })
	role, err := channel.Sniff(ch)
	unblock()

	if err != nil {
		lg.Warnf("migration: dropping connection: %v", err)
		_ = ch.Close()

		return
	}

	switch role {
	case channel.RoleMain:
		err = s.main(ch)
	case channel.RoleMultifd:
		err = s.multifd(ctx, ch)
	}

	if err != nil {
		lg.Warnf("migration: %s channel: %v", role, err)
		_ = ch.Close()
	}
}

// main begins the session on the first main stream and recovers a paused
// one on later streams.
func (s *incoming) main(ch channel.Channel) error {
	s.mu.Lock()
	in := s.in
	first := in == nil && s.beginE == nil

	if first {
		s.in, s.beginE = session.BeginIncoming(s.ctx, ch, s.cfg)
		in = s.in

		if in != nil {
			s.v.mu.Lock()
			s.v.in = in
			s.v.mu.Unlock()
		}
	}
	s.mu.Unlock()

	if first {
		s.once.Do(func() { close(s.begun) })

		return s.beginE
	}

	if in == nil {
		return errors.NotValidf("main stream after a failed start")
	}

	return in.Recover(s.ctx, ch)
}

func (s *incoming) multifd(ctx context.Context, ch channel.Channel) error {
	select {
	case <-s.begun:
	case <-ctx.Done():
		return ctx.Err()
	}

	in, err := s.session()
	if err != nil {
		return err
	}

	return in.AddChannel(ch)
}
