package postcopy

import (
	"context"
	"encoding/binary"
	"sync"
	"syscall"
	"unsafe"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	uffdAPI              = 0xaa
	uffdUserModeOnly     = 1
	uffdEventPagefault   = 0x12
	uffdRegisterMissing  = 1
	uffdMsgSize          = 32
	uffdioAPI            = 0xc018aa3f
	uffdioRegister       = 0xc020aa00
	uffdioUnregister     = 0x8010aa01
	uffdioCopy           = 0xc028aa03
	uffdioZeropage       = 0xc020aa04
	uffdPollMilliseconds = 100
)

// ErrUserfaultUnavailable is returned when the kernel does not let this
// process use userfaultfd.
const ErrUserfaultUnavailable = errors.ConstError("postcopy: userfaultfd unavailable")

type uffdioAPIArg struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegisterArg struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

type uffdioCopyArg struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeropageArg struct {
	Range    uffdioRange
	Mode     uint64
	Zeropage int64
}

func ioctl(fd int, op uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg))

		switch errno {
		case 0:
			return nil
		case syscall.EINTR:
			continue
		default:
			return errno
		}
	}
}

// OpenUserfault opens a userfaultfd and negotiates the API.
func OpenUserfault() (int, error) {
	flags := uintptr(unix.O_CLOEXEC | unix.O_NONBLOCK)

	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, flags|uffdUserModeOnly, 0, 0)
	if errno == syscall.EINVAL {
		fd, _, errno = unix.Syscall(unix.SYS_USERFAULTFD, flags, 0, 0)
	}

	if errno != 0 {
		return -1, errors.Annotatef(ErrUserfaultUnavailable, "userfaultfd: %v", errno)
	}

	api := uffdioAPIArg{API: uffdAPI}
	if err := ioctl(int(fd), uffdioAPI, unsafe.Pointer(&api)); err != nil {
		_ = unix.Close(int(fd))

		return -1, errors.Annotatef(ErrUserfaultUnavailable, "UFFDIO_API: %v", err)
	}

	return int(fd), nil
}

// UffdPlacer places pages atomically with UFFDIO_COPY. Guest accesses to
// missing pages block in the kernel and surface as faults.
type UffdPlacer struct {
	*received

	fd  int
	lg  *logrus.Entry
	reg *memory.Registry

	mu         sync.Mutex
	registered []*memory.Block
	wg         sync.WaitGroup
}

// NewUffdPlacer opens a userfaultfd for the blocks of reg. Every block
// must be mmap backed.
func NewUffdPlacer(reg *memory.Registry, lg *logrus.Entry) (*UffdPlacer, error) {
	for _, b := range reg.Blocks() {
		if !b.Mapped() {
			return nil, errors.NotSupportedf("userfaultfd on heap backed block %q", b.Name())
		}
	}

	fd, err := OpenUserfault()
	if err != nil {
		return nil, err
	}

	if lg == nil {
		lg = logrus.NewEntry(logrus.StandardLogger())
	}

	return &UffdPlacer{
		received: newReceived(reg),
		fd:       fd,
		lg:       lg.WithField("component", "uffd"),
		reg:      reg,
	}, nil
}

// Prepare implements Placer.
func (p *UffdPlacer) Prepare() error {
	p.prepare()

	return nil
}

// Start registers every block for missing-page faults and starts reading
// them.
func (p *UffdPlacer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.registered) > 0 {
		return nil
	}

	for _, b := range p.reg.Blocks() {
		arg := uffdioRegisterArg{
			Range: uffdioRange{Start: uint64(b.HostAddr()), Len: b.UsedLength()},
			Mode:  uffdRegisterMissing,
		}

		if err := ioctl(p.fd, uffdioRegister, unsafe.Pointer(&arg)); err != nil {
			return errors.Annotatef(err, "UFFDIO_REGISTER block %q", b.Name())
		}

		p.registered = append(p.registered, b)
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		p.readFaults()
	}()

	return nil
}

func (p *UffdPlacer) readFaults() {
	buf := make([]byte, uffdMsgSize*16)
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, err := unix.Poll(fds, uffdPollMilliseconds)
		if err != nil && err != syscall.EINTR {
			p.lg.Errorf("uffd: poll: %v", err)

			return
		}

		if n == 0 {
			continue
		}

		n, err = unix.Read(p.fd, buf)
		if err == syscall.EAGAIN || err == syscall.EINTR {
			continue
		}

		if err != nil {
			p.lg.Errorf("uffd: read: %v", err)

			return
		}

		for msg := buf[:n]; len(msg) >= uffdMsgSize; msg = msg[uffdMsgSize:] {
			if msg[0] != uffdEventPagefault {
				continue
			}

			addr := uintptr(binary.LittleEndian.Uint64(msg[16:]))

			b, off, ok := p.reg.FindHost(addr)
			if !ok {
				p.lg.Warnf("uffd: fault at %#x outside guest memory", addr)

				continue
			}

			f := Fault{Block: b, Offset: off &^ (memory.TargetPageSize - 1)}
			if err := p.report(context.Background(), f); err != nil {
				return
			}
		}
	}
}

// Place implements ram.PagePlacer.
func (p *UffdPlacer) Place(b *memory.Block, offset uint64, hostPage []byte) error {
	length := uint64(len(hostPage))
	if !b.Contains(offset, length) {
		return errors.NotValidf("place [%#x, +%#x) outside block %q", offset, length, b.Name())
	}

	arg := uffdioCopyArg{
		Dst: uint64(b.HostAddr()) + offset,
		Src: uint64(uintptr(unsafe.Pointer(&hostPage[0]))),
		Len: length,
	}

	// EEXIST: the page was populated already.
	if err := ioctl(p.fd, uffdioCopy, unsafe.Pointer(&arg)); err != nil && err != syscall.EEXIST {
		return errors.Annotatef(err, "UFFDIO_COPY %#x of %q", offset, b.Name())
	}

	p.mark(b, offset, length)

	return nil
}

// PlaceZero implements ram.PagePlacer.
func (p *UffdPlacer) PlaceZero(b *memory.Block, offset uint64) error {
	length := b.PageSize()
	if !b.Contains(offset, length) {
		return errors.NotValidf("place zero [%#x, +%#x) outside block %q", offset, length, b.Name())
	}

	arg := uffdioZeropageArg{
		Range: uffdioRange{Start: uint64(b.HostAddr()) + offset, Len: length},
	}

	if err := ioctl(p.fd, uffdioZeropage, unsafe.Pointer(&arg)); err != nil && err != syscall.EEXIST {
		return errors.Annotatef(err, "UFFDIO_ZEROPAGE %#x of %q", offset, b.Name())
	}

	p.mark(b, offset, length)

	return nil
}

// Close stops the fault reader, unregisters the blocks and closes the
// userfaultfd.
func (p *UffdPlacer) Close() error {
	p.close()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.registered {
		r := uffdioRange{Start: uint64(b.HostAddr()), Len: b.UsedLength()}
		if err := ioctl(p.fd, uffdioUnregister, unsafe.Pointer(&r)); err != nil {
			p.lg.Warnf("uffd: unregister %q: %v", b.Name(), err)
		}
	}

	p.registered = nil

	if p.fd < 0 {
		return nil
	}

	err := unix.Close(p.fd)
	p.fd = -1

	return errors.Trace(err)
}
