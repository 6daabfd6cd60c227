// Package migration implements the main migration stream: its framing,
// section and command encoding, the destination-to-source return path, the
// lifecycle state machine and the negotiated parameters.
//
// Stream layout (big-endian):
//
//	[be32 magic][be32 version] { [u8 section] [section body] } [u8 EOF]
//
// A RAM section is a sequence of RAM records terminated by an EOS record, a
// device section is [be32 length][payload] and a command section is
// [be16 command][be16 length][data].
package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/juju/errors"
)

const (
	// Magic opens every main stream ("GKVM").
	Magic   = channel.MainMagic
	Version = 1
)

// Section identifies the body that follows a section byte.
type Section uint8

const (
	SectionEOF     Section = 0x01
	SectionRAM     Section = 0x02
	SectionDevice  Section = 0x03
	SectionCommand Section = 0x08
)

func (s Section) String() string {
	switch s {
	case SectionEOF:
		return "eof"
	case SectionRAM:
		return "ram"
	case SectionDevice:
		return "device"
	case SectionCommand:
		return "command"
	}

	return "unknown"
}

// maxDeviceSize bounds a device section so a corrupt length cannot make the
// destination allocate without limit.
const maxDeviceSize = 64 << 20

// Sink receives the bytes of a stream. channel.Channel satisfies it.
type Sink interface {
	WriteAll(p []byte) error
}

// Source supplies the bytes of a stream. channel.Channel satisfies it.
type Source interface {
	ReadAll(p []byte) error
}

const writerBufSize = 32 << 10

// Writer buffers stream output. The first write error sticks: later Put
// calls are ignored and Flush returns it.
type Writer struct {
	s       Sink
	buf     []byte
	written uint64
	err     error
}

// NewWriter returns a Writer over s.
func NewWriter(s Sink) *Writer {
	return &Writer{s: s, buf: make([]byte, 0, writerBufSize)}
}

type bufferSink struct{ b *bytes.Buffer }

func (s bufferSink) WriteAll(p []byte) error {
	_, err := s.b.Write(p)

	return err
}

// NewBufferWriter returns a Writer whose output is collected in the returned
// buffer once flushed.
func NewBufferWriter() (*Writer, *bytes.Buffer) {
	b := new(bytes.Buffer)

	return NewWriter(bufferSink{b}), b
}

// Put appends p to the stream.
func (w *Writer) Put(p []byte) {
	if w.err != nil {
		return
	}

	w.written += uint64(len(p))

	if len(w.buf)+len(p) > cap(w.buf) {
		w.flush()

		if len(p) >= cap(w.buf) {
			if w.err == nil {
				w.err = w.s.WriteAll(p)
			}

			return
		}
	}

	w.buf = append(w.buf, p...)
}

// Put8 appends one byte.
func (w *Writer) Put8(v uint8) { w.Put([]byte{v}) }

// Put16 appends a big-endian uint16.
func (w *Writer) Put16(v uint16) { w.Put(binary.BigEndian.AppendUint16(nil, v)) }

// Put32 appends a big-endian uint32.
func (w *Writer) Put32(v uint32) { w.Put(binary.BigEndian.AppendUint32(nil, v)) }

// Put64 appends a big-endian uint64.
func (w *Writer) Put64(v uint64) { w.Put(binary.BigEndian.AppendUint64(nil, v)) }

func (w *Writer) flush() {
	if len(w.buf) == 0 || w.err != nil {
		w.buf = w.buf[:0]

		return
	}

	w.err = w.s.WriteAll(w.buf)
	w.buf = w.buf[:0]
}

// Flush writes buffered bytes and returns the sticky error.
func (w *Writer) Flush() error {
	w.flush()

	return w.err
}

// Err returns the sticky error.
func (w *Writer) Err() error { return w.err }

// SetError fails the writer; later output is discarded.
func (w *Writer) SetError(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Written returns the number of bytes accepted so far, flushed or not.
func (w *Writer) Written() uint64 { return w.written }

// Reader decodes stream input.
type Reader struct {
	s    Source
	read uint64
}

// NewReader returns a Reader over s.
func NewReader(s Source) *Reader { return &Reader{s: s} }

type bytesSource struct{ b []byte }

func (s *bytesSource) ReadAll(p []byte) error {
	if len(s.b) < len(p) {
		s.b = nil

		return io.ErrUnexpectedEOF
	}

	copy(p, s.b)
	s.b = s.b[len(p):]

	return nil
}

// NewBytesReader returns a Reader over a complete in-memory stream.
func NewBytesReader(p []byte) *Reader { return NewReader(&bytesSource{b: p}) }

// Read fills p.
func (r *Reader) Read(p []byte) error {
	if err := r.s.ReadAll(p); err != nil {
		return err
	}

	r.read += uint64(len(p))

	return nil
}

// ReadN reads and returns n bytes.
func (r *Reader) ReadN(n int) ([]byte, error) {
	p := make([]byte, n)

	return p, r.Read(p)
}

// Get8 reads one byte.
func (r *Reader) Get8() (uint8, error) {
	var b [1]byte
	err := r.Read(b[:])

	return b[0], err
}

// Get16 reads a big-endian uint16.
func (r *Reader) Get16() (uint16, error) {
	var b [2]byte
	err := r.Read(b[:])

	return binary.BigEndian.Uint16(b[:]), err
}

// Get32 reads a big-endian uint32.
func (r *Reader) Get32() (uint32, error) {
	var b [4]byte
	err := r.Read(b[:])

	return binary.BigEndian.Uint32(b[:]), err
}

// Get64 reads a big-endian uint64.
func (r *Reader) Get64() (uint64, error) {
	var b [8]byte
	err := r.Read(b[:])

	return binary.BigEndian.Uint64(b[:]), err
}

// BytesRead returns the number of bytes consumed so far.
func (r *Reader) BytesRead() uint64 { return r.read }

// WriteHeader starts a stream.
func WriteHeader(w *Writer) {
	w.Put32(Magic)
	w.Put32(Version)
}

// ReadHeader checks the stream header.
func ReadHeader(r *Reader) error {
	magic, err := r.Get32()
	if err != nil {
		return errors.Annotate(err, "read stream header")
	}

	if magic != Magic {
		return errors.NotValidf("stream magic %#x", magic)
	}

	version, err := r.Get32()
	if err != nil {
		return errors.Annotate(err, "read stream header")
	}

	if version != Version {
		return errors.NotValidf("stream version %d", version)
	}

	return nil
}

// WriteSection starts a section of type s.
func WriteSection(w *Writer, s Section) { w.Put8(uint8(s)) }

// ReadSection returns the type of the next section.
func ReadSection(r *Reader) (Section, error) {
	b, err := r.Get8()
	if err != nil {
		return 0, errors.Annotate(err, "read section")
	}

	switch s := Section(b); s {
	case SectionEOF, SectionRAM, SectionDevice, SectionCommand:
		return s, nil
	}

	return 0, errors.NotValidf("section type %#x", b)
}

// WriteDevice writes a device section carrying payload.
func WriteDevice(w *Writer, payload []byte) {
	WriteSection(w, SectionDevice)
	w.Put32(uint32(len(payload)))
	w.Put(payload)
}

// ReadDevice reads the body of a device section.
func ReadDevice(r *Reader) ([]byte, error) {
	n, err := r.Get32()
	if err != nil {
		return nil, errors.Annotate(err, "read device section")
	}

	if n > maxDeviceSize {
		return nil, errors.NotValidf("device section of %d bytes", n)
	}

	p, err := r.ReadN(int(n))
	if err != nil {
		return nil, errors.Annotate(err, "read device section")
	}

	return p, nil
}

// EncodeGob is a convenience for device state savers that serialize a Go
// value.
func EncodeGob(w io.Writer, v any) error {
	return errors.Annotate(gob.NewEncoder(w).Encode(v), "encode device state")
}

// DecodeGob is the counterpart of EncodeGob.
func DecodeGob(r io.Reader, v any) error {
	return errors.Annotate(gob.NewDecoder(r).Decode(v), "decode device state")
}
