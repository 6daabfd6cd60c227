package kvm_test

import (
	"os"
	"testing"

	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/bobuhiro11/gomigrate/kvm"
	"github.com/bobuhiro11/gomigrate/memory"
)

func openKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	devKVM, err := kvm.Open("")
	if err != nil {
		t.Skipf("Skipping test since %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM
}

func TestIoctlEINTRRetry(t *testing.T) {
	devKVM := openKVM(t)

	t.Parallel()

	// KVM_GET_API_VERSION exercises the Ioctl retry loop.
	if _, err := kvm.GetAPIVersion(devKVM.Fd()); err != nil {
		t.Fatalf("GetAPIVersion failed: %v", err)
	}
}

func TestDirtyLogWithoutVCPUWrites(t *testing.T) {
	devKVM := openKVM(t)

	t.Parallel()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	defer os.NewFile(vmFd, "kvm-vm").Close()

	reg := memory.NewRegistry()

	b, err := memory.NewBlock(memory.Config{Name: "ram0", Size: 1 << 20, Mmap: true})
	if err != nil {
		t.Fatal(err)
	}

	defer b.Close()

	if err := reg.Add(b); err != nil {
		t.Fatal(err)
	}

	log := kvm.NewDirtyLog(vmFd, reg)

	if err := log.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bm := bitmap.New(b.Pages())

	n, err := log.Sync(b, bm)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Only vCPU stores are logged; nothing ran.
	if n != 0 || bm.Count() != 0 {
		t.Fatalf("got %d dirty pages, want 0", n)
	}

	if err := log.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
