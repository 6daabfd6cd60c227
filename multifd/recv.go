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
)

// RecvConfig configures a Receiver.
type RecvConfig struct {
	// Channels is the number of channels the source will open.
	Channels int
	Codec    Codec
	// PagesPerPacket is the negotiated page capacity; larger packets are
	// rejected.
	PagesPerPacket int
	// UUID is the expected session id; the zero UUID accepts the id of the
	// first channel and pins it.
	UUID     uuid.UUID
	Registry *memory.Registry
	Stats    *metrics.Stats
	Logger   *logrus.Entry
	// OnPages, when set, is called after the pages of a packet are in place.
	OnPages func(b *memory.Block, normal, zero []uint64)
}

type recvSlot struct {
	RecvSlot

	ch      channel.Channel
	lg      *logrus.Entry
	release chan struct{}

	lastNum uint64
	seen    bool
	packets uint64
	pages   uint64
}

// Receiver owns the destination side of the pipeline.
type Receiver struct {
	cfg   RecvConfig
	lg    *logrus.Entry
	stats *metrics.Stats

	mu    sync.Mutex
	uuid  uuid.UUID
	slots map[uint8]*recvSlot
	ready chan struct{}

	// syncSem is posted once per channel for every SYNC packet.
	syncSem chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	exiting atomic.Bool
	errMu   sync.Mutex
	err     error
}

// NewReceiver returns a receiver expecting cfg.Channels channels.
func NewReceiver(ctx context.Context, cfg RecvConfig) (*Receiver, error) {
	if cfg.Channels <= 0 || cfg.Channels > 255 {
		return nil, errors.NotValidf("%d multifd channels", cfg.Channels)
	}

	if cfg.Registry == nil {
		return nil, errors.NotValidf("nil registry")
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

	r := &Receiver{
		cfg:     cfg,
		lg:      cfg.Logger.WithField("component", "multifd-recv"),
		stats:   cfg.Stats,
		uuid:    cfg.UUID,
		slots:   map[uint8]*recvSlot{},
		ready:   make(chan struct{}),
		syncSem: make(chan struct{}, cfg.Channels),
		g:       new(errgroup.Group),
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	return r, nil
}

// AddChannel reads the handshake of ch and starts its receive goroutine.
func (r *Receiver) AddChannel(ch channel.Channel) error {
	hs, err := ReadHandshake(ch)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.uuid == uuid.Nil {
		r.uuid = hs.UUID
	}

	if hs.UUID != r.uuid {
		return errors.NotValidf("multifd channel %d from session %s, want %s", hs.ID, hs.UUID, r.uuid)
	}

	if int(hs.ID) >= r.cfg.Channels {
		return errors.NotValidf("multifd channel id %d of %d", hs.ID, r.cfg.Channels)
	}

	if _, ok := r.slots[hs.ID]; ok {
		return errors.AlreadyExistsf("multifd channel %d", hs.ID)
	}

	sl := &recvSlot{
		RecvSlot: RecvSlot{ID: int(hs.ID), MaxPages: r.cfg.PagesPerPacket},
		ch:       ch,
		lg:       r.lg.WithField("channel", hs.ID),
		release:  make(chan struct{}, 1),
	}

	if err := r.cfg.Codec.RecvSetup(&sl.RecvSlot); err != nil {
		return errors.Annotatef(err, "multifd channel %d setup", hs.ID)
	}

	r.slots[hs.ID] = sl
	r.g.Go(func() error { return r.loop(sl) })

	if len(r.slots) == r.cfg.Channels {
		close(r.ready)
	}

	return nil
}

// Ready is closed once every expected channel has been added.
func (r *Receiver) Ready() <-chan struct{} { return r.ready }

// Err returns the error that stopped the pipeline, if any.
func (r *Receiver) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	return r.err
}

func (r *Receiver) failed() error {
	if err := r.Err(); err != nil {
		return err
	}

	return ErrExiting
}

func (r *Receiver) setError(err error) {
	if err != nil {
		r.errMu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.errMu.Unlock()
	}

	if !r.exiting.CompareAndSwap(false, true) {
		return
	}

	if err != nil {
		r.lg.Errorf("multifd: %v", err)
	}

	r.mu.Lock()
	for _, sl := range r.slots {
		_ = sl.ch.Shutdown()
	}
	r.mu.Unlock()

	r.cancel()
}

// SyncMain waits until every channel has received its SYNC packet, then
// lets all of them continue.
func (r *Receiver) SyncMain(ctx context.Context) error {
	for i := 0; i < r.cfg.Channels; i++ {
		select {
		case <-r.syncSem:
		case <-r.ctx.Done():
			return r.failed()
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sl := range r.slots {
		sl.release <- struct{}{}
	}

	return nil
}

// Close stops the receive goroutines and waits for them.
func (r *Receiver) Close() error {
	r.setError(nil)

	err := r.g.Wait()

	r.mu.Lock()
	for _, sl := range r.slots {
		r.cfg.Codec.RecvCleanup(&sl.RecvSlot)
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}

	return r.Err()
}

// Wait blocks until every receive goroutine returned, which happens when
// all sources closed their channels or the pipeline failed.
func (r *Receiver) Wait() error {
	if err := r.g.Wait(); err != nil {
		return err
	}

	return r.Err()
}

func (r *Receiver) loop(sl *recvSlot) error {
	defer func() {
		sl.lg.Debugf("multifd: receiver done after %d packets, %d pages", sl.packets, sl.pages)
	}()

	for {
		err := r.receive(sl)
		if err == nil {
			continue
		}

		if errors.Is(err, errEndOfStream) || r.exiting.Load() {
			return nil
		}

		r.setError(errors.Annotatef(err, "multifd channel %d", sl.ID))

		return nil
	}
}

const errEndOfStream = errors.ConstError("end of stream")

func (r *Receiver) receive(sl *recvSlot) error {
	p, res, err := ReadPacket(sl.ch, uint32(r.cfg.PagesPerPacket))
	if err != nil {
		return err
	}

	if res == channel.EOF {
		return errEndOfStream
	}

	if sl.seen && p.PacketNum <= sl.lastNum {
		return errors.NotValidf("packet number %d after %d", p.PacketNum, sl.lastNum)
	}

	sl.seen = true
	sl.lastNum = p.PacketNum

	if got, want := p.Flags&FlagCompressionMask, r.cfg.Codec.Flag(); got != want {
		return errors.NotValidf("compression flag %#x, negotiated %s (%#x)", got, r.cfg.Codec.Name(), want)
	}

	if err := r.apply(sl, p); err != nil {
		return err
	}

	sl.packets++
	r.stats.Transferred.Add(uint64(HeaderSize + 8*int(p.PagesAlloc) + int(p.NextPacketSize)))

	if p.Flags&FlagSync == 0 {
		return nil
	}

	select {
	case r.syncSem <- struct{}{}:
	case <-r.ctx.Done():
		return r.failed()
	}

	select {
	case <-sl.release:
		return nil
	case <-r.ctx.Done():
		return r.failed()
	}
}

// apply places the pages of p into their block.
func (r *Receiver) apply(sl *recvSlot, p *Packet) error {
	if p.Normal+p.Zero == 0 {
		if p.NextPacketSize != 0 {
			return errors.NotValidf("payload of %d bytes without pages", p.NextPacketSize)
		}

		return nil
	}

	b, err := r.cfg.Registry.Lookup(p.Block)
	if err != nil {
		return err
	}

	if err := p.checkOffsets(b); err != nil {
		return err
	}

	for _, off := range p.ZeroOffsets() {
		if page := b.Page(off); !memory.IsZero(page) {
			clear(page)
		}
	}

	if p.Normal == 0 && p.NextPacketSize != 0 {
		return errors.NotValidf("payload of %d bytes for zero pages only", p.NextPacketSize)
	}

	if p.Normal > 0 {
		normal := make([][]byte, p.Normal)
		for i, off := range p.NormalOffsets() {
			normal[i] = b.Page(off)
		}

		if err := r.cfg.Codec.Recv(&sl.RecvSlot, sl.ch, p.NextPacketSize, normal); err != nil {
			return err
		}
	}

	sl.pages += uint64(p.Normal + p.Zero)

	if r.cfg.OnPages != nil {
		r.cfg.OnPages(b, p.NormalOffsets(), p.ZeroOffsets())
	}

	return nil
}
