package channel

import (
	"net"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// PassFDs sends fds as SCM_RIGHTS on a unix socket, carried by one byte.
func (c *Conn) PassFDs(fds []int) error {
	uc, ok := c.conn.(*net.UnixConn)
	if !ok {
		return errors.NotSupportedf("fd passing on %s", c.name)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, _, err := uc.WriteMsgUnix([]byte{0}, unix.UnixRights(fds...), nil); err != nil {
		return c.fail(err, "pass fds")
	}

	return nil
}

// ReceiveFDs receives up to max descriptors sent by PassFDs. It must not be
// interleaved with buffered reads.
func (c *Conn) ReceiveFDs(max int) ([]int, error) {
	uc, ok := c.conn.(*net.UnixConn)
	if !ok {
		return nil, errors.NotSupportedf("fd passing on %s", c.name)
	}

	if c.r.Buffered() > 0 {
		return nil, errors.NotValidf("receive fds with %d buffered bytes on %s", c.r.Buffered(), c.name)
	}

	var b [1]byte

	oob := make([]byte, unix.CmsgSpace(max*4))

	_, oobn, _, _, err := uc.ReadMsgUnix(b[:], oob)
	if err != nil {
		return nil, c.fail(err, "receive fds")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, errors.Trace(err)
	}

	var fds []int

	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return nil, errors.Trace(err)
		}

		fds = append(fds, got...)
	}

	return fds, nil
}
