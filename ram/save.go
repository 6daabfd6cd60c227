package ram

import (
	"context"
	"sync"
	"time"

	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/bobuhiro11/gomigrate/dirty"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/metrics"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/multifd"
	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// budgetCheckPages is how often Iterate looks at the clock.
const budgetCheckPages = 64

// defaultBandwidth is assumed for the downtime estimate until a transfer
// rate has been measured and no limit is configured.
const defaultBandwidth = 128 << 20

// Throttler slows the guest's vCPUs down.
type Throttler interface {
	SetThrottle(pct int)
}

// SaverConfig configures a Saver.
type SaverConfig struct {
	Registry *memory.Registry
	Tracker  *dirty.Tracker
	Params   migration.Params
	// Multifd carries precopy pages when set.
	Multifd *multifd.Sender
	Guest   Throttler
	Clock   clock.Clock
	Stats   *metrics.Stats
	Logger  *logrus.Entry
}

// Saver is the source side of RAM migration. Setup, Iterate, Complete and
// SendDiscard are called from the migration driver goroutine; RequestPages
// and ReloadBitmap may be called from the return path reader.
type Saver struct {
	cfg   SaverConfig
	lg    *logrus.Entry
	clk   clock.Clock
	stats *metrics.Stats

	queue   RequestQueue
	scanner *Scanner
	limiter *rate.Limiter
	rw      recordWriter
	comp    *pageCompressor
	xbz     *xbzrleSaver
	// xbzrleOn is set once the first full round went out; before that the
	// destination has no earlier copy of any page.
	xbzrleOn bool

	postcopy bool
	conv     converge

	reqMu         sync.Mutex
	lastRequested *memory.Block
}

// NewSaver returns a saver over every block of cfg.Registry.
func NewSaver(cfg SaverConfig) (*Saver, error) {
	if cfg.Registry == nil || cfg.Tracker == nil {
		return nil, errors.NotValidf("saver without registry or tracker")
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

	s := &Saver{
		cfg:   cfg,
		lg:    cfg.Logger.WithField("component", "ram-save"),
		clk:   cfg.Clock,
		stats: cfg.Stats,
	}

	s.scanner = NewScanner(cfg.Registry, cfg.Tracker, &s.queue)

	if bw := uint64(cfg.Params.MaxBandwidth); bw > 0 {
		burst := max(bw, 4<<20)
		s.limiter = rate.NewLimiter(rate.Limit(bw), int(burst))
	}

	if cfg.Params.Compress {
		comp, err := newPageCompressor(cfg.Params.CompressLevel)
		if err != nil {
			return nil, err
		}

		s.comp = comp
	}

	if cfg.Params.XBZRLE {
		xbz, err := newXBZRLESaver(cfg.Params, cfg.Stats)
		if err != nil {
			return nil, err
		}

		s.xbz = xbz
	}

	return s, nil
}

// Queue returns the queue of pages requested by the destination.
func (s *Saver) Queue() *RequestQueue { return &s.queue }

// Scanner returns the page scanner.
func (s *Saver) Scanner() *Scanner { return s.scanner }

// Setup starts dirty tracking and sends the block list.
func (s *Saver) Setup(ctx context.Context, w *migration.Writer) error {
	if err := s.cfg.Tracker.Start(); err != nil {
		return err
	}

	s.scanner.Reset()
	s.conv.start(s.clk.Now(), s.stats.Transferred.Load())

	before := w.Written()

	s.rw.reset(w)
	migration.WriteSection(w, migration.SectionRAM)

	blocks := s.cfg.Registry.Blocks()
	w.Put64(s.cfg.Registry.TotalBytes() | FlagMemSize)

	for _, b := range blocks {
		w.Put8(uint8(len(b.Name())))
		w.Put([]byte(b.Name()))
		w.Put64(b.UsedLength())

		if s.cfg.Params.Postcopy {
			w.Put64(b.PageSize())
		}
	}

	if err := s.syncMultifd(ctx); err != nil {
		return err
	}

	s.rw.eos()

	err := w.Flush()
	s.stats.Transferred.Add(w.Written() - before)

	s.lg.Infof("ram: %d blocks, %s to send", len(blocks), humanize.IBytes(s.Pending()))

	return errors.Annotate(err, "ram setup")
}

// Iterate sends dirty pages until none are left, the bandwidth budget or
// the iteration time budget is spent, or ctx ends. It reports whether a
// full round found nothing left to send.
func (s *Saver) Iterate(ctx context.Context, w *migration.Writer) (bool, error) {
	before := w.Written()

	s.rw.reset(w)
	migration.WriteSection(w, migration.SectionRAM)

	var (
		done  bool
		pages int
	)

	start := s.clk.Now()
	budget := time.Duration(s.cfg.Params.IterationBudget)

	for i := 1; ; i++ {
		if err := ctx.Err(); err != nil {
			return false, errors.Trace(err)
		}

		if s.rateLimited() {
			break
		}

		p, ok := s.scanner.Next()
		if !ok {
			done = true
			s.xbzrleOn = s.xbz != nil

			break
		}

		n, err := s.sendHostPage(ctx, p)
		if err != nil {
			return false, err
		}

		pages += n

		if i%budgetCheckPages == 0 && s.clk.Now().Sub(start) > budget {
			break
		}
	}

	if err := s.syncMultifd(ctx); err != nil {
		return false, err
	}

	s.rw.eos()

	err := w.Flush()
	s.stats.Transferred.Add(w.Written() - before)
	s.stats.Remaining.Store(s.Pending())

	s.lg.Debugf("ram: iteration sent %d pages in %v, done %v", pages, s.clk.Now().Sub(start), done)

	return done, errors.Annotate(err, "ram iterate")
}

// Complete sends every remaining dirty page, ignoring the bandwidth limit.
// The guest must be stopped.
func (s *Saver) Complete(ctx context.Context, w *migration.Writer) error {
	if !s.postcopy {
		if err := s.SyncBitmap(); err != nil {
			return err
		}
	}

	before := w.Written()

	s.rw.reset(w)
	migration.WriteSection(w, migration.SectionRAM)

	for {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}

		p, ok := s.scanner.Next()
		if !ok {
			break
		}

		if _, err := s.sendHostPage(ctx, p); err != nil {
			return err
		}
	}

	if err := s.syncMultifd(ctx); err != nil {
		return err
	}

	s.rw.eos()

	err := w.Flush()
	s.stats.Transferred.Add(w.Written() - before)
	s.stats.Remaining.Store(s.Pending())

	return errors.Annotate(err, "ram complete")
}

// Cleanup closes the dirty tracker and releases the guest throttle.
func (s *Saver) Cleanup() error {
	s.ReleaseThrottle()
	s.queue.Drain()

	return s.cfg.Tracker.Close()
}

// Pending returns the number of dirty bytes still to send.
func (s *Saver) Pending() uint64 {
	return s.cfg.Tracker.Count() * memory.TargetPageSize
}

// Threshold returns how many bytes can be sent within downtime at the
// measured or configured bandwidth.
func (s *Saver) Threshold(downtime time.Duration) uint64 {
	bw := s.conv.bandwidth
	if bw == 0 {
		bw = uint64(s.cfg.Params.MaxBandwidth)
	}

	if bw == 0 {
		bw = defaultBandwidth
	}

	return uint64(float64(bw) * downtime.Seconds())
}

// SyncBitmap pulls the dirty log and runs the auto-converge bookkeeping.
func (s *Saver) SyncBitmap() error {
	newly, err := s.cfg.Tracker.Sync()
	if err != nil {
		return err
	}

	s.stats.DirtySyncs.Add(1)
	s.stats.Remaining.Store(s.Pending())
	s.converge(newly)

	return nil
}

// StartPostcopy switches page sending to the main stream for the rest of
// the migration.
func (s *Saver) StartPostcopy() {
	s.postcopy = true
	s.ReleaseThrottle()
	s.scanner.Reset()
}

// InPostcopy reports whether StartPostcopy was called.
func (s *Saver) InPostcopy() bool { return s.postcopy }

// RequestPages queues length bytes at start of the named block. An empty
// name refers to the block of the previous request.
func (s *Saver) RequestPages(name string, start uint64, length uint32) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	b := s.lastRequested

	if name != "" {
		var err error

		b, err = s.cfg.Registry.Lookup(name)
		if err != nil {
			return errors.Annotate(err, "page request")
		}

		s.lastRequested = b
	}

	if b == nil {
		return errors.NotValidf("page request without a block")
	}

	if start%memory.TargetPageSize != 0 || length == 0 || !b.Contains(start, uint64(length)) {
		return errors.NotValidf("page request [%#x, +%#x) in block %q", start, length, b.Name())
	}

	s.queue.Push(b, start, uint64(length))
	s.stats.PostcopyRequests.Add(1)

	return nil
}

// ReloadBitmap replaces the dirty bitmap of a block with the pages the
// destination reports as missing.
func (s *Saver) ReloadBitmap(name string, received *bitmap.Bitmap) error {
	b, err := s.cfg.Registry.Lookup(name)
	if err != nil {
		return err
	}

	if received.Len() != b.Pages() {
		return errors.NotValidf("received bitmap of %d pages for block %q of %d", received.Len(), name, b.Pages())
	}

	missing := received.Clone()
	missing.Complement()

	if err := s.cfg.Tracker.Replace(b, missing); err != nil {
		return err
	}

	s.lg.WithField("block", name).Infof("ram: %d pages to resend after recovery", missing.Count())

	return nil
}

// Resume prepares the saver for a new main stream after a recovery.
func (s *Saver) Resume() {
	s.rw.reset(nil)
	s.scanner.Reset()
}

func (s *Saver) syncMultifd(ctx context.Context) error {
	if s.cfg.Multifd == nil || s.postcopy {
		return nil
	}

	return errors.Annotate(s.cfg.Multifd.Sync(ctx), "multifd sync")
}

func (s *Saver) rateLimited() bool {
	if s.limiter == nil || s.postcopy {
		return false
	}

	return s.limiter.TokensAt(s.clk.Now()) <= 0
}

// RateDelay returns how long the bandwidth limit holds the next iteration
// back.
func (s *Saver) RateDelay() time.Duration {
	if s.limiter == nil || s.postcopy {
		return 0
	}

	tokens := s.limiter.TokensAt(s.clk.Now())
	if tokens > 0 {
		return 0
	}

	return time.Duration((1-tokens)/float64(s.limiter.Limit())*float64(time.Second)) + time.Millisecond
}

// sendHostPage sends every dirty target page of the host page holding p.
func (s *Saver) sendHostPage(ctx context.Context, p Page) (int, error) {
	b := p.Block
	ratio := b.HostPageRatio()
	first := p.Index / ratio * ratio
	end := min(first+ratio, b.Pages())

	n := 0

	for pg := first; pg < end; pg++ {
		if !s.cfg.Tracker.TestAndClear(b, pg) {
			continue
		}

		if err := s.savePage(ctx, b, pg*memory.TargetPageSize); err != nil {
			return n, err
		}

		n++
	}

	if s.limiter != nil && n > 0 {
		s.limiter.ReserveN(s.clk.Now(), n*memory.TargetPageSize)
	}

	return n, nil
}

func (s *Saver) savePage(ctx context.Context, b *memory.Block, offset uint64) error {
	if s.cfg.Multifd != nil && !s.postcopy {
		return s.cfg.Multifd.Queue(ctx, b, offset)
	}

	page := b.Page(offset)
	age := s.cfg.Tracker.Syncs()
	useXBZRLE := s.xbzrleOn && !s.postcopy

	if memory.IsZero(page) {
		s.rw.zero(b, offset)
		s.stats.ZeroPages.Add(1)

		if useXBZRLE {
			s.xbz.sentZero(b, offset, age)
		}

		return s.rw.w.Err()
	}

	data := page

	if useXBZRLE {
		full, err := s.xbz.save(&s.rw, b, offset, page, age)
		if err != nil {
			return err
		}

		if full == nil {
			return s.rw.w.Err()
		}

		data = full
	}

	if s.comp != nil {
		compressed, err := s.comp.compress(data)
		if err != nil {
			return errors.Annotatef(err, "compress page %#x of %q", offset, b.Name())
		}

		s.rw.compressed(b, offset, compressed)
		s.stats.CompressedPages.Add(1)
	} else {
		s.rw.page(b, offset, data)
		s.stats.NormalPages.Add(1)
	}

	return s.rw.w.Err()
}
