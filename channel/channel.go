// Package channel is the ordered, reliable byte stream the migration engine
// runs on. It wraps an already connected net.Conn; how the connection was
// established is the caller's business.
package channel

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
)

// ReadResult tells a full read from a clean end of stream.
type ReadResult int

const (
	// Full means the buffer was filled.
	Full ReadResult = iota
	// EOF means the peer closed the stream before the first byte.
	EOF
)

const (
	// ErrWouldBlock is returned by TryRead when no data is ready.
	ErrWouldBlock = errors.ConstError("channel: would block")
	// ErrShutdown is returned by every operation after Shutdown.
	ErrShutdown = errors.ConstError("channel: shut down")
)

// Channel is one bidirectional migration stream. Reads and writes may run
// concurrently with each other but not with themselves.
type Channel interface {
	// WriteAll writes p entirely or fails.
	WriteAll(p []byte) error
	// ReadAll fills p entirely or fails.
	ReadAll(p []byte) error
	// ReadAllOrEOF is ReadAll that reports a clean end of stream before the
	// first byte as EOF instead of an error.
	ReadAllOrEOF(p []byte) (ReadResult, error)
	// Peek fills p without consuming it.
	Peek(p []byte) error
	// TryRead reads what is ready, or returns ErrWouldBlock.
	TryRead(p []byte) (int, error)
	// Shutdown makes blocked and future operations fail.
	Shutdown() error
	Close() error
	Name() string
}

// FDPasser is implemented by channels that can carry file descriptors.
type FDPasser interface {
	PassFDs(fds []int) error
	ReceiveFDs(max int) ([]int, error)
}

// Conn is a Channel over a net.Conn.
type Conn struct {
	name string
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex

	down   atomic.Bool
	closed atomic.Bool
}

// New wraps c.
func New(name string, c net.Conn) *Conn {
	return &Conn{name: name, conn: c, r: bufio.NewReaderSize(c, 64<<10)}
}

// Pipe returns two connected in-memory channels.
func Pipe(name string) (*Conn, *Conn) {
	a, b := net.Pipe()

	return New(name+"/a", a), New(name+"/b", b)
}

// Name returns the label given at creation.
func (c *Conn) Name() string { return c.name }

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn { return c.conn }

func (c *Conn) fail(err error, op string) error {
	if c.down.Load() {
		return errors.Annotatef(ErrShutdown, "%s %s", op, c.name)
	}

	return errors.Annotatef(err, "%s %s", op, c.name)
}

// WriteAll implements Channel.
func (c *Conn) WriteAll(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for len(p) > 0 {
		n, err := c.conn.Write(p)
		if err != nil {
			return c.fail(err, "write")
		}

		p = p[n:]
	}

	return nil
}

// ReadAll implements Channel.
func (c *Conn) ReadAll(p []byte) error {
	if _, err := io.ReadFull(c.r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		return c.fail(err, "read")
	}

	return nil
}

// ReadAllOrEOF implements Channel.
func (c *Conn) ReadAllOrEOF(p []byte) (ReadResult, error) {
	_, err := io.ReadFull(c.r, p)

	switch {
	case err == nil:
		return Full, nil
	case err == io.EOF && !c.down.Load():
		return EOF, nil
	default:
		return Full, c.fail(err, "read")
	}
}

// Peek implements Channel.
func (c *Conn) Peek(p []byte) error {
	b, err := c.r.Peek(len(p))
	if err != nil {
		return c.fail(err, "peek")
	}

	copy(p, b)

	return nil
}

// TryRead implements Channel.
func (c *Conn) TryRead(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}

	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, c.fail(err, "try-read")
	}

	n, err := c.r.Read(p)

	if !c.down.Load() {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	if errors.Is(err, os.ErrDeadlineExceeded) && !c.down.Load() {
		return n, ErrWouldBlock
	}

	if err != nil {
		return n, c.fail(err, "try-read")
	}

	return n, nil
}

// Shutdown implements Channel. Blocked reads and writes on both ends
// return at once.
func (c *Conn) Shutdown() error {
	if c.down.Swap(true) {
		return nil
	}

	_ = c.conn.SetDeadline(time.Unix(1, 0))

	return c.closeOnce()
}

// Close implements Channel.
func (c *Conn) Close() error {
	c.down.Store(true)

	return c.closeOnce()
}

func (c *Conn) closeOnce() error {
	if c.closed.Swap(true) {
		return nil
	}

	return errors.Trace(c.conn.Close())
}

// ReadBE32 reads a big-endian uint32.
func ReadBE32(ch Channel) (uint32, error) {
	var b [4]byte
	if err := ch.ReadAll(b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b[:]), nil
}
