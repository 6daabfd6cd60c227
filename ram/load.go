package ram

import (
	"context"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/metrics"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/multifd"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// PagePlacer installs whole host pages atomically while the guest already
// runs on the destination.
type PagePlacer interface {
	Place(b *memory.Block, offset uint64, hostPage []byte) error
	PlaceZero(b *memory.Block, offset uint64) error
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Registry *memory.Registry
	// Multifd is synced at the end of every precopy RAM section when set.
	Multifd *multifd.Receiver
	Stats   *metrics.Stats
	Logger  *logrus.Entry
}

// Loader is the destination side of RAM migration. It is driven by one
// goroutine at a time.
type Loader struct {
	cfg   LoaderConfig
	lg    *logrus.Entry
	stats *metrics.Stats

	last    *memory.Block
	advised bool
	placer  PagePlacer
	decomp  pageDecompressor

	// The host page being assembled in postcopy.
	hp      []byte
	hpBlock *memory.Block
	hpStart uint64
	hpNext  uint64
	hpZero  bool
}

// NewLoader returns a precopy loader.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Registry == nil {
		return nil, errors.NotValidf("loader without registry")
	}

	if cfg.Stats == nil {
		cfg.Stats = &metrics.Stats{}
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Loader{
		cfg:   cfg,
		lg:    cfg.Logger.WithField("component", "ram-load"),
		stats: cfg.Stats,
	}, nil
}

// Advise records that postcopy was advised; the block list then carries
// host page sizes.
func (l *Loader) Advise() { l.advised = true }

// StartPostcopy routes every later page through p.
func (l *Loader) StartPostcopy(p PagePlacer) {
	l.placer = p
	l.dropHostPage()
}

// Reset forgets stream state after the main channel was replaced.
func (l *Loader) Reset() {
	l.last = nil
	l.dropHostPage()
}

func (l *Loader) dropHostPage() {
	l.hpBlock = nil
}

// LoadSection reads RAM records up to and including EOS.
func (l *Loader) LoadSection(ctx context.Context, r *migration.Reader) error {
	start := r.BytesRead()
	defer func() { l.stats.Transferred.Add(r.BytesRead() - start) }()

	l.last = nil

	for {
		hdr, err := r.Get64()
		if err != nil {
			return errors.Annotate(err, "read ram record")
		}

		flags := hdr & flagMask
		addr := hdr &^ flagMask

		switch flags {
		case FlagEOS:
			return l.endOfSection(ctx)
		case FlagMemSize:
			if err := l.loadBlockList(r, addr); err != nil {
				return err
			}

			continue
		}

		if err := l.loadPage(r, flags, addr); err != nil {
			return err
		}
	}
}

func (l *Loader) endOfSection(ctx context.Context) error {
	if l.cfg.Multifd == nil || l.placer != nil {
		return nil
	}

	return errors.Annotate(l.cfg.Multifd.SyncMain(ctx), "multifd sync")
}

// loadBlockList checks the source's blocks against the local ones and
// resizes resizeable blocks to the source's used length.
func (l *Loader) loadBlockList(r *migration.Reader, total uint64) error {
	var sum uint64

	for sum < total {
		n, err := r.Get8()
		if err != nil {
			return errors.Annotate(err, "read block list")
		}

		if n == 0 {
			return errors.NotValidf("empty block name in block list")
		}

		name, err := r.ReadN(int(n))
		if err != nil {
			return errors.Annotate(err, "read block list")
		}

		used, err := r.Get64()
		if err != nil {
			return errors.Annotate(err, "read block list")
		}

		b, err := l.cfg.Registry.Lookup(string(name))
		if err != nil {
			return errors.Annotate(err, "block list")
		}

		if used != b.UsedLength() {
			if b.Flags()&memory.Resizeable == 0 {
				return errors.NotValidf("block %q of %d bytes, source has %d", name, b.UsedLength(), used)
			}

			if err := l.cfg.Registry.Resize(b.Name(), used); err != nil {
				return errors.Annotatef(err, "resize block %q", name)
			}
		}

		if l.advised {
			ps, err := r.Get64()
			if err != nil {
				return errors.Annotate(err, "read block list")
			}

			if ps != b.PageSize() {
				return errors.NotValidf("block %q host page size %d, source has %d", name, b.PageSize(), ps)
			}
		}

		sum += used
	}

	if sum != total {
		return errors.NotValidf("block list of %d bytes, header says %d", sum, total)
	}

	return nil
}

func (l *Loader) block(r *migration.Reader, cont bool) (*memory.Block, error) {
	if cont {
		if l.last == nil {
			return nil, errors.NotValidf("continued ram record without a block")
		}

		return l.last, nil
	}

	n, err := r.Get8()
	if err != nil {
		return nil, errors.Annotate(err, "read ram record")
	}

	name, err := r.ReadN(int(n))
	if err != nil {
		return nil, errors.Annotate(err, "read ram record")
	}

	b, err := l.cfg.Registry.Lookup(string(name))
	if err != nil {
		return nil, err
	}

	l.last = b

	return b, nil
}

func (l *Loader) loadPage(r *migration.Reader, flags, addr uint64) error {
	kind := flags &^ FlagContinue
	if kind != FlagZero && kind != FlagPage && kind != FlagCompressPage && kind != FlagXBZRLE {
		return errors.NotValidf("ram record flags %#x", flags)
	}

	// A delta needs the old page, which a postcopy destination may not have.
	if kind == FlagXBZRLE && l.placer != nil {
		return errors.NotValidf("xbzrle page in postcopy")
	}

	b, err := l.block(r, flags&FlagContinue != 0)
	if err != nil {
		return err
	}

	if !b.Contains(addr, memory.TargetPageSize) {
		return errors.NotValidf("ram record offset %#x in block %q of %d bytes", addr, b.Name(), b.UsedLength())
	}

	var dst []byte

	if l.placer != nil {
		if dst, err = l.hostPageSlot(b, addr); err != nil {
			return err
		}
	} else {
		dst = b.Page(addr)
	}

	zero := false

	switch kind {
	case FlagZero:
		fill, err := r.Get8()
		if err != nil {
			return errors.Annotate(err, "read zero page")
		}

		if fill != 0 || l.placer != nil || !memory.IsZero(dst) {
			for i := range dst {
				dst[i] = fill
			}
		}

		zero = fill == 0
		l.stats.ZeroPages.Add(1)
	case FlagPage:
		if err := r.Read(dst); err != nil {
			return errors.Annotate(err, "read page")
		}

		l.stats.NormalPages.Add(1)
	case FlagCompressPage:
		n, err := r.Get32()
		if err != nil {
			return errors.Annotate(err, "read compressed page")
		}

		if n == 0 || n > maxCompressedPage {
			return errors.NotValidf("compressed page of %d bytes", n)
		}

		data, err := r.ReadN(int(n))
		if err != nil {
			return errors.Annotate(err, "read compressed page")
		}

		if err := l.decomp.decompress(data, dst); err != nil {
			return err
		}

		l.stats.CompressedPages.Add(1)
	case FlagXBZRLE:
		if err := loadXBZRLE(r, dst); err != nil {
			return errors.Annotatef(err, "xbzrle page %#x of %q", addr, b.Name())
		}

		l.stats.XBZRLEPages.Add(1)
	}

	if l.placer == nil {
		return nil
	}

	return l.hostPageDone(zero)
}

// hostPageSlot returns the part of the assembly buffer for the target page
// at addr. Target pages of one host page arrive in order and back to back.
func (l *Loader) hostPageSlot(b *memory.Block, addr uint64) ([]byte, error) {
	size := b.PageSize()
	start := addr &^ (size - 1)

	if l.hpBlock == nil {
		if addr != start {
			return nil, errors.NotValidf("postcopy page %#x of %q does not start a host page", addr, b.Name())
		}

		if uint64(cap(l.hp)) < size {
			l.hp = make([]byte, size)
		}

		l.hp = l.hp[:size]
		l.hpBlock = b
		l.hpStart = start
		l.hpNext = addr
		l.hpZero = true
	} else if b != l.hpBlock || addr != l.hpNext {
		return nil, errors.NotValidf("postcopy page %#x of %q, expected %#x of %q",
			addr, b.Name(), l.hpNext, l.hpBlock.Name())
	}

	off := addr - l.hpStart

	return l.hp[off : off+memory.TargetPageSize], nil
}

func (l *Loader) hostPageDone(zero bool) error {
	l.hpZero = l.hpZero && zero
	l.hpNext += memory.TargetPageSize

	b := l.hpBlock
	if l.hpNext < l.hpStart+b.PageSize() {
		return nil
	}

	l.hpBlock = nil

	if l.hpZero {
		return l.placer.PlaceZero(b, l.hpStart)
	}

	return l.placer.Place(b, l.hpStart, l.hp)
}
