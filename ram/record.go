// Package ram transfers guest RAM over the main migration stream: the
// source side scans dirty pages and emits RAM records, the destination side
// loads them, directly in precopy or through a placer in postcopy.
//
// A RAM record starts with be64(offset | flags). Unless CONTINUE is set the
// header is followed by the block name as (u8 length, bytes). The body
// depends on the record type.
package ram

import (
	"bytes"
	"io"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/juju/errors"
	"github.com/klauspost/compress/zlib"
)

// Record flags, stored in the low bits of the offset.
const (
	FlagZero         uint64 = 0x02
	FlagMemSize      uint64 = 0x04
	FlagPage         uint64 = 0x08
	FlagEOS          uint64 = 0x10
	FlagContinue     uint64 = 0x20
	FlagXBZRLE       uint64 = 0x40
	FlagCompressPage uint64 = 0x100

	flagMask = memory.TargetPageSize - 1
)

// recordWriter remembers the block of the previous record so later records
// of the same block elide the name.
type recordWriter struct {
	w    *migration.Writer
	last *memory.Block
}

func (rw *recordWriter) reset(w *migration.Writer) {
	rw.w = w
	rw.last = nil
}

func (rw *recordWriter) header(b *memory.Block, offset, flags uint64) {
	if b == rw.last {
		rw.w.Put64(offset | flags | FlagContinue)

		return
	}

	rw.w.Put64(offset | flags)
	rw.w.Put8(uint8(len(b.Name())))
	rw.w.Put([]byte(b.Name()))
	rw.last = b
}

func (rw *recordWriter) eos() { rw.w.Put64(FlagEOS) }

func (rw *recordWriter) zero(b *memory.Block, offset uint64) {
	rw.header(b, offset, FlagZero)
	rw.w.Put8(0)
}

func (rw *recordWriter) page(b *memory.Block, offset uint64, data []byte) {
	rw.header(b, offset, FlagPage)
	rw.w.Put(data)
}

func (rw *recordWriter) compressed(b *memory.Block, offset uint64, data []byte) {
	rw.header(b, offset, FlagCompressPage)
	rw.w.Put32(uint32(len(data)))
	rw.w.Put(data)
}

// pageCompressor deflates single pages for COMPRESS_PAGE records.
type pageCompressor struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

func newPageCompressor(level int) (*pageCompressor, error) {
	c := &pageCompressor{}

	zw, err := zlib.NewWriterLevel(&c.buf, level)
	if err != nil {
		return nil, errors.Annotate(err, "page compressor")
	}

	c.zw = zw

	return c, nil
}

func (c *pageCompressor) compress(page []byte) ([]byte, error) {
	c.buf.Reset()
	c.zw.Reset(&c.buf)

	if _, err := c.zw.Write(page); err != nil {
		return nil, errors.Trace(err)
	}

	if err := c.zw.Close(); err != nil {
		return nil, errors.Trace(err)
	}

	return c.buf.Bytes(), nil
}

// maxCompressedPage bounds the body of a COMPRESS_PAGE record; deflate
// never expands a page by more than a few bytes per block.
const maxCompressedPage = memory.TargetPageSize + 1024

// pageDecompressor inflates COMPRESS_PAGE bodies into exactly one page.
type pageDecompressor struct {
	src bytes.Reader
	zr  io.ReadCloser
}

func (d *pageDecompressor) decompress(data, page []byte) error {
	d.src.Reset(data)

	if d.zr == nil {
		zr, err := zlib.NewReader(&d.src)
		if err != nil {
			return errors.NotValidf("compressed page: %v", err)
		}

		d.zr = zr
	} else if err := d.zr.(zlib.Resetter).Reset(&d.src, nil); err != nil {
		return errors.NotValidf("compressed page: %v", err)
	}

	if _, err := io.ReadFull(d.zr, page); err != nil {
		return errors.NotValidf("compressed page: %v", err)
	}

	var extra [1]byte
	if n, err := d.zr.Read(extra[:]); n != 0 || err != io.EOF {
		return errors.NotValidf("compressed page longer than %d bytes", len(page))
	}

	return nil
}
