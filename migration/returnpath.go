package migration

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/juju/errors"
)

// RPMessage is a message sent by the destination on the return path.
type RPMessage uint16

const (
	RPShut       RPMessage = 1
	RPPong       RPMessage = 2
	RPReqPages   RPMessage = 3
	RPReqPagesID RPMessage = 4
	RPRecvBitmap RPMessage = 5
	RPResumeAck  RPMessage = 6
)

var rpMessages = map[RPMessage]struct {
	name string
	len  int
}{
	RPShut:       {"shut", 4},
	RPPong:       {"pong", 4},
	RPReqPages:   {"req-pages", 12},
	RPReqPagesID: {"req-pages-id", varLen},
	RPRecvBitmap: {"recv-bitmap", varLen},
	RPResumeAck:  {"resume-ack", 4},
}

func (m RPMessage) String() string {
	if d, ok := rpMessages[m]; ok {
		return d.name
	}

	return fmt.Sprintf("rp(%d)", uint16(m))
}

// RecvBitmapEnd terminates a received bitmap on the return path.
const RecvBitmapEnd uint64 = 0x0123456789abcdef

// ReturnPath is the destination's writer side of the return path. Its
// methods may be called from several goroutines.
type ReturnPath struct {
	mu sync.Mutex
	s  Sink
}

// NewReturnPath returns a return path writing to s.
func NewReturnPath(s Sink) *ReturnPath { return &ReturnPath{s: s} }

func encodeRP(t RPMessage, data []byte) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = binary.BigEndian.AppendUint16(buf, uint16(t))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(data)))

	return append(buf, data...)
}

func (rp *ReturnPath) send(t RPMessage, data []byte, tail ...[]byte) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if err := rp.s.WriteAll(encodeRP(t, data)); err != nil {
		return errors.Annotatef(err, "return path %s", t)
	}

	for _, p := range tail {
		if err := rp.s.WriteAll(p); err != nil {
			return errors.Annotatef(err, "return path %s", t)
		}
	}

	return nil
}

// Shut reports the destination's final status; zero means success.
func (rp *ReturnPath) Shut(status uint32) error {
	return rp.send(RPShut, binary.BigEndian.AppendUint32(nil, status))
}

// Pong answers a PING.
func (rp *ReturnPath) Pong(v uint32) error {
	return rp.send(RPPong, binary.BigEndian.AppendUint32(nil, v))
}

// RequestPages asks the source for length bytes at start of block. An empty
// block name refers to the block of the previous request.
func (rp *ReturnPath) RequestPages(block string, start uint64, length uint32) error {
	data := binary.BigEndian.AppendUint64(nil, start)
	data = binary.BigEndian.AppendUint32(data, length)

	if block == "" {
		return rp.send(RPReqPages, data)
	}

	name, err := EncodeName(block)
	if err != nil {
		return err
	}

	return rp.send(RPReqPagesID, append(data, name...))
}

// RecvBitmap sends the received bitmap of block during recovery.
func (rp *ReturnPath) RecvBitmap(block string, bm *bitmap.Bitmap) error {
	name, err := EncodeName(block)
	if err != nil {
		return err
	}

	le := bm.MarshalLE()
	size := binary.BigEndian.AppendUint64(nil, uint64(len(le)))
	end := binary.BigEndian.AppendUint64(nil, RecvBitmapEnd)

	return rp.send(RPRecvBitmap, name, size, le, end)
}

// ResumeAck completes a postcopy recovery handshake.
func (rp *ReturnPath) ResumeAck(v uint32) error {
	return rp.send(RPResumeAck, binary.BigEndian.AppendUint32(nil, v))
}

// ReadRP reads the next return path message.
func ReadRP(r *Reader) (RPMessage, []byte, error) {
	t, err := r.Get16()
	if err != nil {
		return 0, nil, errors.Annotate(err, "read return path")
	}

	n, err := r.Get16()
	if err != nil {
		return 0, nil, errors.Annotate(err, "read return path")
	}

	m := RPMessage(t)

	d, ok := rpMessages[m]
	if !ok {
		return 0, nil, errors.NotValidf("return path message %d", t)
	}

	if d.len != varLen && int(n) != d.len {
		return 0, nil, errors.NotValidf("return path %s with %d bytes, want %d", m, n, d.len)
	}

	data, err := r.ReadN(int(n))
	if err != nil {
		return 0, nil, errors.Annotatef(err, "read return path %s", m)
	}

	return m, data, nil
}

// PageRequest is a decoded REQ_PAGES or REQ_PAGES_ID message.
type PageRequest struct {
	Block  string
	Start  uint64
	Length uint32
}

// DecodePageRequest parses the data of a page request.
func DecodePageRequest(m RPMessage, data []byte) (PageRequest, error) {
	if len(data) < 12 {
		return PageRequest{}, errors.NotValidf("%s of %d bytes", m, len(data))
	}

	req := PageRequest{
		Start:  binary.BigEndian.Uint64(data),
		Length: binary.BigEndian.Uint32(data[8:]),
	}

	if m != RPReqPagesID {
		return req, nil
	}

	name, rest, err := DecodeName(data[12:])
	if err != nil {
		return PageRequest{}, err
	}

	if len(rest) != 0 {
		return PageRequest{}, errors.NotValidf("%s with %d trailing bytes", m, len(rest))
	}

	req.Block = name

	return req, nil
}

// ReadRecvBitmap reads the bitmap that follows a RECV_BITMAP message for a
// block of pages target pages.
func ReadRecvBitmap(r *Reader, pages uint64) (*bitmap.Bitmap, error) {
	size, err := r.Get64()
	if err != nil {
		return nil, errors.Annotate(err, "read received bitmap")
	}

	want := uint64(bitmap.New(pages).EncodedLen())
	if size != want {
		return nil, errors.NotValidf("received bitmap of %d bytes for %d pages", size, pages)
	}

	le, err := r.ReadN(int(size))
	if err != nil {
		return nil, errors.Annotate(err, "read received bitmap")
	}

	end, err := r.Get64()
	if err != nil {
		return nil, errors.Annotate(err, "read received bitmap")
	}

	if end != RecvBitmapEnd {
		return nil, errors.NotValidf("received bitmap end mark %#x", end)
	}

	return bitmap.UnmarshalLE(le, pages)
}
