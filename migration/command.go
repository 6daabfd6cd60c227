package migration

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

// Command is a control message carried in a command section.
type Command uint16

const (
	CmdOpenReturnPath     Command = 1
	CmdPing               Command = 2
	CmdPostcopyAdvise     Command = 3
	CmdPostcopyListen     Command = 4
	CmdPostcopyRun        Command = 5
	CmdPostcopyRAMDiscard Command = 6
	CmdPostcopyResume     Command = 7
	CmdPackaged           Command = 8
	CmdRecvBitmap         Command = 9
)

const varLen = -1

var commands = map[Command]struct {
	name string
	len  int
}{
	CmdOpenReturnPath:     {"open-return-path", 0},
	CmdPing:               {"ping", 4},
	CmdPostcopyAdvise:     {"postcopy-advise", 16},
	CmdPostcopyListen:     {"postcopy-listen", 0},
	CmdPostcopyRun:        {"postcopy-run", 0},
	CmdPostcopyRAMDiscard: {"postcopy-ram-discard", varLen},
	CmdPostcopyResume:     {"postcopy-resume", 0},
	CmdPackaged:           {"packaged", 4},
	CmdRecvBitmap:         {"recv-bitmap", varLen},
}

func (c Command) String() string {
	if d, ok := commands[c]; ok {
		return d.name
	}

	return fmt.Sprintf("command(%d)", uint16(c))
}

const (
	// MaxDiscardRanges is the number of ranges one discard command carries.
	MaxDiscardRanges = 12
	// MaxPackagedSize bounds the blob of a PACKAGED command.
	MaxPackagedSize = 1 << 24
)

// WriteCommand writes a command section.
func WriteCommand(w *Writer, cmd Command, data []byte) error {
	d, ok := commands[cmd]
	if !ok {
		return errors.NotValidf("command %d", cmd)
	}

	if (d.len != varLen && len(data) != d.len) || len(data) > 0xffff {
		return errors.NotValidf("%s command with %d bytes", cmd, len(data))
	}

	WriteSection(w, SectionCommand)
	w.Put16(uint16(cmd))
	w.Put16(uint16(len(data)))
	w.Put(data)

	return nil
}

// ReadCommand reads the body of a command section.
func ReadCommand(r *Reader) (Command, []byte, error) {
	c, err := r.Get16()
	if err != nil {
		return 0, nil, errors.Annotate(err, "read command")
	}

	n, err := r.Get16()
	if err != nil {
		return 0, nil, errors.Annotate(err, "read command")
	}

	cmd := Command(c)

	d, ok := commands[cmd]
	if !ok {
		return 0, nil, errors.NotValidf("command %d", c)
	}

	if d.len != varLen && int(n) != d.len {
		return 0, nil, errors.NotValidf("%s command with %d bytes, want %d", cmd, n, d.len)
	}

	data, err := r.ReadN(int(n))
	if err != nil {
		return 0, nil, errors.Annotatef(err, "read %s command", cmd)
	}

	return cmd, data, nil
}

// WritePing sends a PING the destination answers with a PONG carrying v.
func WritePing(w *Writer, v uint32) error {
	return WriteCommand(w, CmdPing, binary.BigEndian.AppendUint32(nil, v))
}

// DecodePing returns the value of a PING command.
func DecodePing(data []byte) uint32 { return binary.BigEndian.Uint32(data) }

// WriteAdvise announces postcopy with the source's page sizes.
func WriteAdvise(w *Writer, hostPage, targetPage uint64) error {
	data := binary.BigEndian.AppendUint64(nil, hostPage)
	data = binary.BigEndian.AppendUint64(data, targetPage)

	return WriteCommand(w, CmdPostcopyAdvise, data)
}

// DecodeAdvise returns the page sizes of a POSTCOPY_ADVISE command.
func DecodeAdvise(data []byte) (hostPage, targetPage uint64) {
	return binary.BigEndian.Uint64(data), binary.BigEndian.Uint64(data[8:])
}

// DiscardRange is a byte range inside a block.
type DiscardRange struct {
	Start  uint64
	Length uint64
}

// EncodeDiscard builds the data of a POSTCOPY_RAM_DISCARD command.
func EncodeDiscard(block string, ranges []DiscardRange) ([]byte, error) {
	if len(ranges) == 0 || len(ranges) > MaxDiscardRanges {
		return nil, errors.NotValidf("discard command with %d ranges", len(ranges))
	}

	if len(block) == 0 || len(block) > 255 {
		return nil, errors.NotValidf("block name %q", block)
	}

	data := make([]byte, 0, 3+len(block)+16*len(ranges))
	data = append(data, 0, uint8(len(block)))
	data = append(data, block...)
	data = append(data, 0)

	for _, r := range ranges {
		data = binary.BigEndian.AppendUint64(data, r.Start)
		data = binary.BigEndian.AppendUint64(data, r.Length)
	}

	return data, nil
}

// WriteDiscard sends one discard command.
func WriteDiscard(w *Writer, block string, ranges []DiscardRange) error {
	data, err := EncodeDiscard(block, ranges)
	if err != nil {
		return err
	}

	return WriteCommand(w, CmdPostcopyRAMDiscard, data)
}

// DecodeDiscard parses the data of a POSTCOPY_RAM_DISCARD command.
func DecodeDiscard(data []byte) (string, []DiscardRange, error) {
	if len(data) < 3 {
		return "", nil, errors.NotValidf("discard command of %d bytes", len(data))
	}

	if data[0] != 0 {
		return "", nil, errors.NotValidf("discard command version %d", data[0])
	}

	n := int(data[1])
	if n == 0 || len(data) < 3+n || data[2+n] != 0 {
		return "", nil, errors.NotValidf("discard command block name")
	}

	block := string(data[2 : 2+n])
	rest := data[3+n:]

	if len(rest) == 0 || len(rest)%16 != 0 || len(rest)/16 > MaxDiscardRanges {
		return "", nil, errors.NotValidf("discard command with %d range bytes", len(rest))
	}

	ranges := make([]DiscardRange, len(rest)/16)
	for i := range ranges {
		ranges[i] = DiscardRange{
			Start:  binary.BigEndian.Uint64(rest[16*i:]),
			Length: binary.BigEndian.Uint64(rest[16*i+8:]),
		}
	}

	return block, ranges, nil
}

// EncodeName returns a length-prefixed block name.
func EncodeName(block string) ([]byte, error) {
	if len(block) == 0 || len(block) > 255 {
		return nil, errors.NotValidf("block name %q", block)
	}

	return append([]byte{uint8(len(block))}, block...), nil
}

// DecodeName parses a length-prefixed block name and returns the rest.
func DecodeName(data []byte) (string, []byte, error) {
	if len(data) < 1 || len(data) < 1+int(data[0]) || data[0] == 0 {
		return "", nil, errors.NotValidf("block name encoding")
	}

	n := int(data[0])

	return string(data[1 : 1+n]), data[1+n:], nil
}

// WriteRecvBitmap asks the destination for the received bitmap of block.
func WriteRecvBitmap(w *Writer, block string) error {
	data, err := EncodeName(block)
	if err != nil {
		return err
	}

	return WriteCommand(w, CmdRecvBitmap, data)
}

// WritePackaged sends blob as a nested stream the destination reads in full
// before processing it.
func WritePackaged(w *Writer, blob []byte) error {
	if len(blob) > MaxPackagedSize {
		return errors.NotValidf("packaged blob of %d bytes", len(blob))
	}

	if err := WriteCommand(w, CmdPackaged, binary.BigEndian.AppendUint32(nil, uint32(len(blob)))); err != nil {
		return err
	}

	w.Put(blob)

	return nil
}

// ReadPackaged reads the blob that follows a PACKAGED command and returns a
// Reader over it.
func ReadPackaged(r *Reader, data []byte) (*Reader, error) {
	n := binary.BigEndian.Uint32(data)
	if n > MaxPackagedSize {
		return nil, errors.NotValidf("packaged blob of %d bytes", n)
	}

	blob, err := r.ReadN(int(n))
	if err != nil {
		return nil, errors.Annotate(err, "read packaged blob")
	}

	return NewBytesReader(blob), nil
}
