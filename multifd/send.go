package multifd

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/metrics"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrExiting is returned once the pipeline has been shut down without a
// more specific error.
const ErrExiting = errors.ConstError("multifd: exiting")

// SendConfig configures a Sender.
type SendConfig struct {
	Channels       []channel.Channel
	Codec          Codec
	PagesPerPacket int
	UUID           uuid.UUID
	Stats          *metrics.Stats
	Logger         *logrus.Entry
}

// pages is a batch of target pages from one block.
type pages struct {
	block   *memory.Block
	offsets []uint64
}

func (p *pages) reset() {
	p.block = nil
	p.offsets = p.offsets[:0]
}

type sendSlot struct {
	SendSlot

	ch channel.Channel
	lg *logrus.Entry

	mu          sync.Mutex
	cond        *sync.Cond
	pendingJob  bool
	pendingSync bool
	job         *pages

	syncDone chan struct{}
	packets  uint64
	sent     uint64
}

// Sender owns the source side of the pipeline. Queue, Flush and Sync are
// called from a single driver goroutine.
type Sender struct {
	cfg   SendConfig
	lg    *logrus.Entry
	stats *metrics.Stats
	slots []*sendSlot

	// acc accumulates pages until a packet is full or the block changes.
	acc  *pages
	next int
	idle *semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	exiting atomic.Bool
	errMu   sync.Mutex
	err     error

	packetNum atomic.Uint64
}

// NewSender performs the channel handshakes lazily from the worker
// goroutines it starts.
func NewSender(ctx context.Context, cfg SendConfig) (*Sender, error) {
	if len(cfg.Channels) == 0 || len(cfg.Channels) > 255 {
		return nil, errors.NotValidf("%d multifd channels", len(cfg.Channels))
	}

	if cfg.Codec == nil {
		cfg.Codec = noComp{}
	}

	if cfg.PagesPerPacket <= 0 {
		cfg.PagesPerPacket = DefaultPagesPerPacket
	}

	if cfg.Stats == nil {
		cfg.Stats = &metrics.Stats{}
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Sender{
		cfg:   cfg,
		lg:    cfg.Logger.WithField("component", "multifd-send"),
		stats: cfg.Stats,
		acc:   &pages{offsets: make([]uint64, 0, cfg.PagesPerPacket)},
		idle:  semaphore.NewWeighted(int64(len(cfg.Channels))),
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.g = new(errgroup.Group)

	for i, ch := range cfg.Channels {
		sl := &sendSlot{
			SendSlot: SendSlot{ID: i, MaxPages: cfg.PagesPerPacket},
			ch:       ch,
			lg:       s.lg.WithField("channel", i),
			job:      &pages{offsets: make([]uint64, 0, cfg.PagesPerPacket)},
			syncDone: make(chan struct{}, 1),
		}
		sl.cond = sync.NewCond(&sl.mu)

		if err := cfg.Codec.SendSetup(&sl.SendSlot); err != nil {
			for _, prev := range s.slots {
				cfg.Codec.SendCleanup(&prev.SendSlot)
			}

			s.cancel()

			return nil, errors.Annotatef(err, "multifd channel %d setup", i)
		}

		s.slots = append(s.slots, sl)
	}

	for _, sl := range s.slots {
		sl := sl
		s.g.Go(func() error { return s.worker(sl) })
	}

	s.lg.Debugf("multifd: %d channels, codec %s, %d pages per packet",
		len(s.slots), cfg.Codec.Name(), cfg.PagesPerPacket)

	return s, nil
}

// Err returns the error that stopped the pipeline, if any.
func (s *Sender) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

func (s *Sender) failed() error {
	if err := s.Err(); err != nil {
		return err
	}

	return ErrExiting
}

// setError stops the pipeline once. err may be nil for an orderly stop.
func (s *Sender) setError(err error) {
	if err != nil {
		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()
	}

	if !s.exiting.CompareAndSwap(false, true) {
		return
	}

	if err != nil {
		s.lg.Errorf("multifd: %v", err)

		for _, sl := range s.slots {
			_ = sl.ch.Shutdown()
		}
	}

	s.cancel()

	for _, sl := range s.slots {
		sl.mu.Lock()
		sl.cond.Broadcast()
		sl.mu.Unlock()
	}
}

// Queue adds the target page at offset of b to the current batch.
func (s *Sender) Queue(ctx context.Context, b *memory.Block, offset uint64) error {
	if s.exiting.Load() {
		return s.failed()
	}

	if s.acc.block != nil && s.acc.block != b {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}

	s.acc.block = b
	s.acc.offsets = append(s.acc.offsets, offset)

	if len(s.acc.offsets) >= s.cfg.PagesPerPacket {
		return s.Flush(ctx)
	}

	return nil
}

// Flush hands the current batch to the next worker in round-robin order,
// waiting for that worker to become idle.
func (s *Sender) Flush(ctx context.Context) error {
	if len(s.acc.offsets) == 0 {
		return nil
	}

	if err := s.idle.Acquire(ctx, 1); err != nil {
		return errors.Trace(err)
	}

	sl := s.slots[s.next]
	s.next = (s.next + 1) % len(s.slots)

	sl.mu.Lock()
	for sl.pendingJob && !s.exiting.Load() {
		sl.cond.Wait()
	}

	if s.exiting.Load() {
		sl.mu.Unlock()
		s.idle.Release(1)

		return s.failed()
	}

	sl.job, s.acc = s.acc, sl.job
	sl.pendingJob = true
	sl.cond.Broadcast()
	sl.mu.Unlock()

	return nil
}

// Sync flushes the current batch, then makes every worker send a SYNC
// packet and waits until all of them have written it. Every page queued
// before Sync is on the wire when it returns.
func (s *Sender) Sync(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	for _, sl := range s.slots {
		sl.mu.Lock()
		sl.pendingSync = true
		sl.cond.Broadcast()
		sl.mu.Unlock()
	}

	for _, sl := range s.slots {
		select {
		case <-sl.syncDone:
		case <-s.ctx.Done():
			return s.failed()
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}

	return nil
}

// Close stops the workers and waits for them. Pages not synced may be lost.
func (s *Sender) Close() error {
	s.setError(nil)

	err := s.g.Wait()

	for _, sl := range s.slots {
		s.cfg.Codec.SendCleanup(&sl.SendSlot)
	}

	if err != nil {
		return err
	}

	return s.Err()
}

// Shutdown aborts the pipeline with err, waking every blocked worker.
func (s *Sender) Shutdown(err error) {
	if err == nil {
		err = ErrExiting
	}

	s.setError(err)
}

// Packets returns how many data packets each channel sent.
func (s *Sender) Packets() []uint64 {
	out := make([]uint64, len(s.slots))

	for i, sl := range s.slots {
		sl.mu.Lock()
		out[i] = sl.packets
		sl.mu.Unlock()
	}

	return out
}

func (s *Sender) worker(sl *sendSlot) error {
	hs := Handshake{UUID: s.cfg.UUID, ID: uint8(sl.ID)}
	if err := sl.ch.WriteAll(hs.Encode()); err != nil {
		s.setError(errors.Annotatef(err, "multifd channel %d handshake", sl.ID))

		return nil
	}

	defer func() {
		sl.lg.Debugf("multifd: sender done after %d packets, %d pages", sl.packets, sl.sent)
	}()

	var buf []byte

	for {
		sl.mu.Lock()
		for !sl.pendingJob && !sl.pendingSync && !s.exiting.Load() {
			sl.cond.Wait()
		}

		if s.exiting.Load() {
			sl.mu.Unlock()

			return nil
		}

		isJob := sl.pendingJob
		job := sl.job
		sl.mu.Unlock()

		var err error

		if isJob {
			buf, err = s.sendPages(sl, job, buf)
		} else {
			buf, err = s.sendSync(sl, buf)
		}

		if err != nil {
			s.setError(errors.Annotatef(err, "multifd channel %d", sl.ID))

			return nil
		}

		sl.mu.Lock()
		if isJob {
			job.reset()
			sl.pendingJob = false
			sl.packets++
		} else {
			sl.pendingSync = false
		}
		sl.cond.Broadcast()
		sl.mu.Unlock()

		if isJob {
			s.idle.Release(1)

			continue
		}

		select {
		case sl.syncDone <- struct{}{}:
		default:
		}
	}
}

func (s *Sender) sendSync(sl *sendSlot, buf []byte) ([]byte, error) {
	p := Packet{
		Flags:      FlagSync | s.cfg.Codec.Flag(),
		PagesAlloc: uint32(s.cfg.PagesPerPacket),
		PacketNum:  s.packetNum.Add(1) - 1,
	}

	buf = p.Encode(buf[:0])
	if err := sl.ch.WriteAll(buf); err != nil {
		return buf, err
	}

	s.stats.Transferred.Add(uint64(len(buf)))

	return buf, nil
}

// sendPages runs the zero page pre-pass, the codec and the writes of one
// packet.
func (s *Sender) sendPages(sl *sendSlot, job *pages, buf []byte) ([]byte, error) {
	b := job.block
	offsets := make([]uint64, 0, len(job.offsets))
	normal := make([][]byte, 0, len(job.offsets))

	var zero []uint64

	for _, off := range job.offsets {
		page := b.Page(off)
		if memory.IsZero(page) {
			zero = append(zero, off)

			continue
		}

		offsets = append(offsets, off)
		normal = append(normal, page)
	}

	var iov [][]byte

	if len(normal) > 0 {
		var err error

		iov, err = s.cfg.Codec.SendPrepare(&sl.SendSlot, normal)
		if err != nil {
			return buf, errors.Annotate(err, "prepare payload")
		}
	}

	size := payloadSize(iov)

	p := Packet{
		Flags:          s.cfg.Codec.Flag(),
		PagesAlloc:     uint32(s.cfg.PagesPerPacket),
		Normal:         uint32(len(normal)),
		Zero:           uint32(len(zero)),
		NextPacketSize: uint32(size),
		PacketNum:      s.packetNum.Add(1) - 1,
		Block:          b.Name(),
		Offsets:        append(offsets, zero...),
	}

	buf = p.Encode(buf[:0])
	if err := sl.ch.WriteAll(buf); err != nil {
		return buf, err
	}

	for _, v := range iov {
		if err := sl.ch.WriteAll(v); err != nil {
			return buf, err
		}
	}

	sl.sent += uint64(len(job.offsets))

	s.stats.Transferred.Add(uint64(len(buf) + size))
	s.stats.MultifdPackets.Add(1)
	s.stats.MultifdBytes.Add(uint64(size))
	s.stats.ZeroPages.Add(uint64(len(zero)))

	if s.cfg.Codec.Flag() != FlagNoComp {
		s.stats.CompressedPages.Add(uint64(len(normal)))
	} else {
		s.stats.NormalPages.Add(uint64(len(normal)))
	}

	return buf, nil
}
