package multifd

import (
	"sort"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/juju/errors"
)

// SendSlot is the codec-visible state of one sender channel.
type SendSlot struct {
	ID       int
	MaxPages int
	// Private holds codec scratch state between setup and cleanup.
	Private any
}

// RecvSlot is the codec-visible state of one receiver channel.
type RecvSlot struct {
	ID       int
	MaxPages int
	Private  any
}

// Codec compresses the normal pages of a packet. Zero pages never reach a
// codec; the pipeline filters them first.
type Codec interface {
	Name() string
	// Flag is the compression value carried in packet flags.
	Flag() uint32

	SendSetup(s *SendSlot) error
	// SendPrepare returns the payload for pages as an I/O vector. The
	// receiver is told the exact sum of the vector lengths.
	SendPrepare(s *SendSlot, pages [][]byte) ([][]byte, error)
	SendCleanup(s *SendSlot)

	RecvSetup(r *RecvSlot) error
	// Recv reads exactly size bytes from src and fills pages.
	Recv(r *RecvSlot, src channel.Channel, size uint32, pages [][]byte) error
	RecvCleanup(r *RecvSlot)
}

var codecs = map[string]func(level int) Codec{
	"none": func(int) Codec { return noComp{} },
	"zlib": func(level int) Codec { return &zlibCodec{level: level} },
	"zstd": func(level int) Codec { return &zstdCodec{level: level} },
}

// Lookup returns the codec registered under name, configured with level.
func Lookup(name string, level int) (Codec, error) {
	if name == "" {
		name = "none"
	}

	mk, ok := codecs[name]
	if !ok {
		return nil, errors.NotSupportedf("multifd compression %q", name)
	}

	return mk(level), nil
}

// Codecs lists the registered codec names.
func Codecs() []string {
	names := make([]string, 0, len(codecs))
	for n := range codecs {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// maxCompressed bounds the payload a compressing codec accepts for one
// packet of r. Incompressible pages grow by a few bytes, never twofold.
func maxCompressed(r *RecvSlot, size uint32) error {
	if limit := 2 * uint64(r.MaxPages) * memory.TargetPageSize; uint64(size) > limit {
		return errors.NotValidf("compressed payload of %d bytes over %d", size, limit)
	}

	return nil
}

func payloadSize(iov [][]byte) int {
	n := 0
	for _, v := range iov {
		n += len(v)
	}

	return n
}
