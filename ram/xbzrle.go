package ram

import (
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/metrics"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/xbzrle"
	"github.com/juju/errors"
)

// xbzrleEncoding is the only encoding byte of an XBZRLE record.
const xbzrleEncoding = 0x1

func (rw *recordWriter) xbzrle(b *memory.Block, offset uint64, delta []byte) {
	rw.header(b, offset, FlagXBZRLE)
	rw.w.Put8(xbzrleEncoding)
	rw.w.Put16(uint16(len(delta)))
	rw.w.Put(delta)
}

// xbzrleSaver sends pages as deltas to the copy the destination already
// has. The cache holds exactly what was sent for every cached page.
type xbzrleSaver struct {
	cache *xbzrle.Cache
	stats *metrics.Stats
	cur   []byte
	enc   []byte
	zero  []byte
}

func newXBZRLESaver(p migration.Params, stats *metrics.Stats) (*xbzrleSaver, error) {
	cache, err := xbzrle.NewCache(uint64(p.XBZRLECacheSize), memory.TargetPageSize)
	if err != nil {
		return nil, err
	}

	return &xbzrleSaver{
		cache: cache,
		stats: stats,
		cur:   make([]byte, memory.TargetPageSize),
		enc:   make([]byte, memory.TargetPageSize),
		zero:  make([]byte, memory.TargetPageSize),
	}, nil
}

// save writes page as a delta when its previous content is cached. It
// returns the bytes to send in full instead, or nil when the page is taken
// care of. age is the dirty sync count.
func (x *xbzrleSaver) save(rw *recordWriter, b *memory.Block, offset uint64, page []byte, age uint64) ([]byte, error) {
	// The guest keeps writing; encode and cache one snapshot.
	copy(x.cur, page)

	prev := x.cache.Lookup(b.Name(), offset)
	if prev == nil {
		x.stats.XBZRLECacheMisses.Add(1)

		if cached := x.cache.Insert(b.Name(), offset, x.cur, age); cached != nil {
			return cached, nil
		}

		return x.cur, nil
	}

	n, err := xbzrle.Encode(x.enc, prev, x.cur)

	switch {
	case errors.Is(err, xbzrle.ErrOverflow):
		x.stats.XBZRLEOverflows.Add(1)
		copy(prev, x.cur)

		return prev, nil
	case err != nil:
		return nil, errors.Annotatef(err, "xbzrle page %#x of %q", offset, b.Name())
	case n == 0:
		// Unchanged since it was sent.
		x.stats.XBZRLEPages.Add(1)

		return nil, nil
	}

	copy(prev, x.cur)
	rw.xbzrle(b, offset, x.enc[:n])
	x.stats.XBZRLEPages.Add(1)
	x.stats.XBZRLEBytes.Add(uint64(n))

	return nil, nil
}

// sentZero records that the destination now holds a zero page.
func (x *xbzrleSaver) sentZero(b *memory.Block, offset uint64, age uint64) {
	x.cache.Insert(b.Name(), offset, x.zero, age)
}

// loadXBZRLE applies an XBZRLE record body to dst.
func loadXBZRLE(r *migration.Reader, dst []byte) error {
	enc, err := r.Get8()
	if err != nil {
		return errors.Annotate(err, "read xbzrle page")
	}

	if enc != xbzrleEncoding {
		return errors.NotValidf("xbzrle encoding %#x", enc)
	}

	n, err := r.Get16()
	if err != nil {
		return errors.Annotate(err, "read xbzrle page")
	}

	if int(n) > len(dst) {
		return errors.NotValidf("xbzrle delta of %d bytes for a %d byte page", n, len(dst))
	}

	delta, err := r.ReadN(int(n))
	if err != nil {
		return errors.Annotate(err, "read xbzrle page")
	}

	_, err = xbzrle.Decode(dst, delta)

	return err
}
