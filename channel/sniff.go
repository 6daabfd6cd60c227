package channel

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// Stream magics, the first four bytes a peer writes on a fresh channel.
const (
	MainMagic    = 0x474b564d
	MultifdMagic = 0x11223344
)

// Role is what a freshly accepted channel carries.
type Role int

const (
	RoleUnknown Role = iota
	RoleMain
	RoleMultifd
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleMultifd:
		return "multifd"
	}

	return "unknown"
}

// Sniff peeks at the magic prefix of ch without consuming it.
func Sniff(ch Channel) (Role, error) {
	var b [4]byte
	if err := ch.Peek(b[:]); err != nil {
		return RoleUnknown, err
	}

	magic := binary.BigEndian.Uint32(b[:])

	switch magic {
	case MainMagic:
		return RoleMain, nil
	case MultifdMagic:
		return RoleMultifd, nil
	}

	return RoleUnknown, errors.NotValidf("channel magic %#x on %s", magic, ch.Name())
}
