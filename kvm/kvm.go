// Package kvm wraps the few /dev/kvm ioctls the migration engine needs:
// memory slot registration and the per-slot dirty page log.
package kvm

import (
	"os"
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetDirtyLog         = 0x4010ae42

	// DevicePath is where the kvm device node usually lives.
	DevicePath = "/dev/kvm"
)

// ErrUnsupported is returned when the host kernel lacks a required feature.
const ErrUnsupported = errors.ConstError("kvm: unsupported")

// Ioctl issues an ioctl and retries it while it is interrupted.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)

		switch errno {
		case 0:
			return res, nil
		case syscall.EINTR:
			continue
		default:
			return res, errno
		}
	}
}

// Open opens the kvm device node.
func Open(path string) (*os.File, error) {
	if path == "" {
		path = DevicePath
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", path)
	}

	return f, nil
}

// GetAPIVersion returns KVM_GET_API_VERSION.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM creates a VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	fd, err := Ioctl(kvmFd, kvmCreateVM, 0)

	return fd, errors.Annotate(err, "KVM_CREATE_VM")
}

// CheckExtension returns the value KVM reports for c; zero means absent.
func CheckExtension(kvmFd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(kvmFd, kvmCheckExtension, uintptr(c))

	return int(ret), errors.Annotatef(err, "KVM_CHECK_EXTENSION %s", c)
}
