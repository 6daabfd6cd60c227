// Package multifd spreads page transfer over several channels. Each channel
// is owned by one sender goroutine on the source and one receiver goroutine
// on the destination; they exchange self-describing packets of pages.
//
// Wire format of a data packet (big-endian):
//
//	magic u32 | version u32 | flags u32 | pages_alloc u32 | normal u32 |
//	next_packet_size u32 | packet_num u64 | reserved u64[4] |
//	ramblock_name [256] | offset[pages_alloc] u64 | payload
//
// The zero page count lives in the high half of reserved[0]. Offsets list
// normal pages first, then zero pages; unused slots are zero.
package multifd

import (
	"bytes"
	"encoding/binary"

	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/google/uuid"
	"github.com/juju/errors"
)

const (
	Magic   = channel.MultifdMagic
	Version = 1

	// FlagSync marks the barrier packet sent by Sender.Sync.
	FlagSync uint32 = 1 << 0
	// FlagCompressionMask covers the codec identifier bits.
	FlagCompressionMask uint32 = 0xf << 1
	FlagNoComp          uint32 = 0
	FlagZlib            uint32 = 1 << 1
	FlagZstd            uint32 = 2 << 1

	nameSize = 256
	// HeaderSize is the fixed part of a data packet.
	HeaderSize = 6*4 + 8 + 4*8 + nameSize
	// HandshakeSize is the size of the per-channel identity packet.
	HandshakeSize = 64

	// DefaultPagesPerPacket is the page capacity of one packet.
	DefaultPagesPerPacket = 128
)

// Packet is one decoded data packet header.
type Packet struct {
	Flags          uint32
	PagesAlloc     uint32
	Normal         uint32
	Zero           uint32
	NextPacketSize uint32
	PacketNum      uint64
	Block          string
	// Offsets holds Normal normal-page offsets followed by Zero zero-page
	// offsets.
	Offsets []uint64
}

// NormalOffsets returns the offsets of pages carried in the payload.
func (p *Packet) NormalOffsets() []uint64 { return p.Offsets[:p.Normal] }

// ZeroOffsets returns the offsets of all-zero pages.
func (p *Packet) ZeroOffsets() []uint64 { return p.Offsets[p.Normal : p.Normal+p.Zero] }

// Encode appends the header and offset table to buf.
func (p *Packet) Encode(buf []byte) []byte {
	var hdr [HeaderSize]byte

	be := binary.BigEndian
	be.PutUint32(hdr[0:], Magic)
	be.PutUint32(hdr[4:], Version)
	be.PutUint32(hdr[8:], p.Flags)
	be.PutUint32(hdr[12:], p.PagesAlloc)
	be.PutUint32(hdr[16:], p.Normal)
	be.PutUint32(hdr[20:], p.NextPacketSize)
	be.PutUint64(hdr[24:], p.PacketNum)
	be.PutUint64(hdr[32:], uint64(p.Zero)<<32)
	copy(hdr[64:64+nameSize-1], p.Block)

	buf = append(buf, hdr[:]...)

	for i := uint32(0); i < p.PagesAlloc; i++ {
		var off uint64
		if int(i) < len(p.Offsets) {
			off = p.Offsets[i]
		}

		buf = be.AppendUint64(buf, off)
	}

	return buf
}

// DecodeHeader parses the fixed header. maxPages is the negotiated page
// capacity; a packet claiming more is rejected before its offsets are read.
func DecodeHeader(hdr []byte, maxPages uint32) (*Packet, error) {
	if len(hdr) < HeaderSize {
		return nil, errors.NotValidf("multifd header of %d bytes", len(hdr))
	}

	be := binary.BigEndian

	if magic := be.Uint32(hdr[0:]); magic != Magic {
		return nil, errors.NotValidf("multifd magic %#x", magic)
	}

	if version := be.Uint32(hdr[4:]); version != Version {
		return nil, errors.NotValidf("multifd version %d", version)
	}

	p := &Packet{
		Flags:          be.Uint32(hdr[8:]),
		PagesAlloc:     be.Uint32(hdr[12:]),
		Normal:         be.Uint32(hdr[16:]),
		NextPacketSize: be.Uint32(hdr[20:]),
		PacketNum:      be.Uint64(hdr[24:]),
		Zero:           uint32(be.Uint64(hdr[32:]) >> 32),
	}

	if p.PagesAlloc > maxPages {
		return nil, errors.NotValidf("multifd pages_alloc %d above negotiated %d", p.PagesAlloc, maxPages)
	}

	if uint64(p.Normal)+uint64(p.Zero) > uint64(p.PagesAlloc) {
		return nil, errors.NotValidf("multifd %d normal + %d zero pages above pages_alloc %d",
			p.Normal, p.Zero, p.PagesAlloc)
	}

	name := hdr[64 : 64+nameSize]

	end := bytes.IndexByte(name, 0)
	if end < 0 {
		return nil, errors.NotValidf("multifd block name without terminator")
	}

	p.Block = string(name[:end])

	return p, nil
}

// ReadPacket reads one packet header and its offset table from ch. It
// returns channel.EOF on a clean end of stream.
func ReadPacket(ch channel.Channel, maxPages uint32) (*Packet, channel.ReadResult, error) {
	var hdr [HeaderSize]byte

	res, err := ch.ReadAllOrEOF(hdr[:])
	if err != nil || res == channel.EOF {
		return nil, res, err
	}

	p, err := DecodeHeader(hdr[:], maxPages)
	if err != nil {
		return nil, channel.Full, err
	}

	raw := make([]byte, 8*int(p.PagesAlloc))
	if err := ch.ReadAll(raw); err != nil {
		return nil, channel.Full, err
	}

	used := p.Normal + p.Zero
	p.Offsets = make([]uint64, used)

	for i := range p.Offsets {
		p.Offsets[i] = binary.BigEndian.Uint64(raw[8*i:])
	}

	return p, channel.Full, nil
}

// checkOffsets verifies every offset is page aligned and inside b.
func (p *Packet) checkOffsets(b *memory.Block) error {
	for _, off := range p.Offsets {
		if off%memory.TargetPageSize != 0 || !b.Contains(off, memory.TargetPageSize) {
			return errors.NotValidf("multifd offset %#x in block %q of %#x bytes", off, b.Name(), b.UsedLength())
		}
	}

	return nil
}

// Handshake identifies a channel before its first packet.
type Handshake struct {
	UUID uuid.UUID
	ID   uint8
}

// Encode returns the wire form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint32(buf[0:], Magic)
	binary.BigEndian.PutUint32(buf[4:], Version)
	copy(buf[8:24], h.UUID[:])
	buf[24] = h.ID

	return buf
}

// ReadHandshake reads and checks the identity packet.
func ReadHandshake(ch channel.Channel) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if err := ch.ReadAll(buf); err != nil {
		return Handshake{}, errors.Annotate(err, "multifd handshake")
	}

	if magic := binary.BigEndian.Uint32(buf[0:]); magic != Magic {
		return Handshake{}, errors.NotValidf("multifd handshake magic %#x", magic)
	}

	if version := binary.BigEndian.Uint32(buf[4:]); version != Version {
		return Handshake{}, errors.NotValidf("multifd handshake version %d", version)
	}

	var h Handshake

	copy(h.UUID[:], buf[8:24])
	h.ID = buf[24]

	return h, nil
}
