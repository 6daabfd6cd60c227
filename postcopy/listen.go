package postcopy

import (
	"context"
	"sync/atomic"

	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ServeFunc reads the main stream until the migration ends (nil) or the
// stream fails.
type ServeFunc func(ctx context.Context, r *migration.Reader) error

// ListenConfig configures a Listener.
type ListenConfig struct {
	Reader *migration.Reader
	Serve  ServeFunc
	// Pause keeps the listener alive after a stream failure until Resume
	// hands it a new stream.
	Pause bool
	// OnPause runs in the listener goroutine when it pauses.
	OnPause func(err error)
	Logger  *logrus.Entry
}

// Listener owns the main stream once the guest may run on the destination.
type Listener struct {
	cfg    ListenConfig
	lg     *logrus.Entry
	g      *errgroup.Group
	ready  chan struct{}
	resume chan *migration.Reader
	paused atomic.Bool
	done   chan struct{}
}

// Pausable reports whether a stream failure is worth waiting out. Protocol
// errors are not: the same stream content would fail again.
func Pausable(err error) bool {
	return !errors.Is(err, errors.NotValid) && !errors.Is(err, errors.NotFound) &&
		!errors.Is(err, errors.NotSupported)
}

// Listen starts the listener goroutine and returns once it is reading.
func Listen(ctx context.Context, cfg ListenConfig) (*Listener, error) {
	if cfg.Reader == nil || cfg.Serve == nil {
		return nil, errors.NotValidf("listener without stream")
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	g, ctx := errgroup.WithContext(ctx)

	l := &Listener{
		cfg:    cfg,
		lg:     cfg.Logger.WithField("component", "listener"),
		g:      g,
		ready:  make(chan struct{}),
		resume: make(chan *migration.Reader),
		done:   make(chan struct{}),
	}

	g.Go(func() error {
		defer close(l.done)

		return l.run(ctx)
	})

	select {
	case <-l.ready:
		return l, nil
	case <-ctx.Done():
		return nil, errors.Annotate(l.g.Wait(), "start listener")
	}
}

func (l *Listener) run(ctx context.Context) error {
	r := l.cfg.Reader

	close(l.ready)
	l.lg.Debugf("postcopy: listener reading main stream")

	for {
		err := l.cfg.Serve(ctx, r)
		if err == nil {
			l.lg.Infof("postcopy: listener done")

			return nil
		}

		if !l.cfg.Pause || ctx.Err() != nil || !Pausable(err) {
			return err
		}

		l.lg.Warnf("postcopy: main stream failed, pausing: %v", err)
		l.paused.Store(true)

		if l.cfg.OnPause != nil {
			l.cfg.OnPause(err)
		}

		select {
		case r = <-l.resume:
			l.paused.Store(false)
			l.lg.Infof("postcopy: resuming on a new stream")
		case <-ctx.Done():
			return errors.Annotatef(err, "postcopy paused")
		}
	}
}

// Paused reports whether the listener waits for a new stream.
func (l *Listener) Paused() bool { return l.paused.Load() }

// Resume hands a paused listener the stream of a recovery connection.
func (l *Listener) Resume(ctx context.Context, r *migration.Reader) error {
	if !l.Paused() {
		return errors.NotValidf("resume of a listener that is not paused")
	}

	select {
	case l.resume <- r:
		return nil
	case <-l.done:
		return errors.NotValidf("resume of a stopped listener")
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Done is closed when the listener returned.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Wait returns the listener's result.
func (l *Listener) Wait() error { return l.g.Wait() }
