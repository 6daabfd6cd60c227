package multifd

import (
	"bytes"
	"io"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/juju/errors"
	"github.com/klauspost/compress/zlib"
)

// zlibCodec compresses every packet as an independent zlib stream.
type zlibCodec struct {
	level int
}

type zlibSend struct {
	buf bytes.Buffer
	w   *zlib.Writer
}

type zlibRecv struct {
	in []byte
	r  io.ReadCloser
}

func (*zlibCodec) Name() string { return "zlib" }

func (*zlibCodec) Flag() uint32 { return FlagZlib }

func (c *zlibCodec) SendSetup(s *SendSlot) error {
	st := &zlibSend{}

	w, err := zlib.NewWriterLevel(&st.buf, c.level)
	if err != nil {
		return errors.Annotatef(err, "zlib level %d", c.level)
	}

	st.w = w
	s.Private = st

	return nil
}

func (*zlibCodec) SendPrepare(s *SendSlot, pages [][]byte) ([][]byte, error) {
	st := s.Private.(*zlibSend)
	st.buf.Reset()
	st.w.Reset(&st.buf)

	for _, p := range pages {
		if _, err := st.w.Write(p); err != nil {
			return nil, errors.Annotate(err, "zlib compress")
		}
	}

	if err := st.w.Close(); err != nil {
		return nil, errors.Annotate(err, "zlib compress")
	}

	return [][]byte{st.buf.Bytes()}, nil
}

func (*zlibCodec) SendCleanup(s *SendSlot) { s.Private = nil }

func (*zlibCodec) RecvSetup(r *RecvSlot) error {
	r.Private = &zlibRecv{}

	return nil
}

func (*zlibCodec) Recv(r *RecvSlot, src channel.Channel, size uint32, pages [][]byte) error {
	if err := maxCompressed(r, size); err != nil {
		return err
	}

	st := r.Private.(*zlibRecv)
	if cap(st.in) < int(size) {
		st.in = make([]byte, size)
	}

	in := st.in[:size]
	if err := src.ReadAll(in); err != nil {
		return err
	}

	var err error
	if st.r == nil {
		st.r, err = zlib.NewReader(bytes.NewReader(in))
	} else {
		err = st.r.(zlib.Resetter).Reset(bytes.NewReader(in), nil)
	}

	if err != nil {
		return errors.NotValidf("zlib stream: %v", err)
	}

	for i, p := range pages {
		if _, err := io.ReadFull(st.r, p); err != nil {
			return errors.NotValidf("zlib payload short at page %d of %d: %v", i, len(pages), err)
		}
	}

	var extra [1]byte

	n, err := st.r.Read(extra[:])
	if n != 0 {
		return errors.NotValidf("zlib payload longer than %d pages", len(pages))
	}

	if err != io.EOF {
		return errors.NotValidf("zlib stream end: %v", err)
	}

	return nil
}

func (*zlibCodec) RecvCleanup(r *RecvSlot) {
	if st, ok := r.Private.(*zlibRecv); ok && st.r != nil {
		st.r.Close()
	}

	r.Private = nil
}
