package multifd

import (
	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/juju/errors"
	"github.com/klauspost/compress/zstd"
)

// zstdCodec compresses the normal pages of a packet as one zstd frame.
type zstdCodec struct {
	level int
}

type zstdSend struct {
	enc *zstd.Encoder
	raw []byte
	out []byte
}

type zstdRecv struct {
	dec *zstd.Decoder
	in  []byte
	out []byte
}

func (*zstdCodec) Name() string { return "zstd" }

func (*zstdCodec) Flag() uint32 { return FlagZstd }

func (c *zstdCodec) SendSetup(s *SendSlot) error {
	level := zstd.SpeedDefault
	if c.level > 0 {
		level = zstd.EncoderLevelFromZstd(c.level)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return errors.Annotate(err, "zstd encoder")
	}

	s.Private = &zstdSend{enc: enc, raw: make([]byte, 0, s.MaxPages*memory.TargetPageSize)}

	return nil
}

func (*zstdCodec) SendPrepare(s *SendSlot, pages [][]byte) ([][]byte, error) {
	st := s.Private.(*zstdSend)

	st.raw = st.raw[:0]
	for _, p := range pages {
		st.raw = append(st.raw, p...)
	}

	st.out = st.enc.EncodeAll(st.raw, st.out[:0])

	return [][]byte{st.out}, nil
}

func (*zstdCodec) SendCleanup(s *SendSlot) {
	if st, ok := s.Private.(*zstdSend); ok {
		st.enc.Close()
	}

	s.Private = nil
}

func (*zstdCodec) RecvSetup(r *RecvSlot) error {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(r.MaxPages)*memory.TargetPageSize))
	if err != nil {
		return errors.Annotate(err, "zstd decoder")
	}

	r.Private = &zstdRecv{dec: dec}

	return nil
}

func (*zstdCodec) Recv(r *RecvSlot, src channel.Channel, size uint32, pages [][]byte) error {
	if err := maxCompressed(r, size); err != nil {
		return err
	}

	st := r.Private.(*zstdRecv)
	if cap(st.in) < int(size) {
		st.in = make([]byte, size)
	}

	in := st.in[:size]
	if err := src.ReadAll(in); err != nil {
		return err
	}

	out, err := st.dec.DecodeAll(in, st.out[:0])
	if err != nil {
		return errors.NotValidf("zstd payload: %v", err)
	}

	st.out = out

	if uint64(len(out)) != uint64(len(pages))*memory.TargetPageSize {
		return errors.NotValidf("zstd payload of %d bytes for %d pages", len(out), len(pages))
	}

	for i, p := range pages {
		copy(p, out[i*memory.TargetPageSize:])
	}

	return nil
}

func (*zstdCodec) RecvCleanup(r *RecvSlot) {
	if st, ok := r.Private.(*zstdRecv); ok {
		st.dec.Close()
	}

	r.Private = nil
}
