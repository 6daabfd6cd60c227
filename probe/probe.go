// Package probe reports which host facilities the migration engine can use.
package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/bobuhiro11/gomigrate/kvm"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/postcopy"
	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Capabilities are the KVM extensions the dirty log relies on.
var Capabilities = []kvm.Capability{
	kvm.CapUserMemory,
	kvm.CapNRMemSlots,
	kvm.CapSyncMMU,
	kvm.CapMultiAddressSpace,
	kvm.CapManualDirtyLogProt2,
	kvm.CapDirtyLogRing,
}

// Report is the outcome of Run.
type Report struct {
	APIVersion   int
	Capabilities map[kvm.Capability]int
	// KVMErr is nil when a VM with a logged memory slot could be created.
	KVMErr error
	// UserfaultErr is nil when postcopy can place pages with userfaultfd.
	UserfaultErr error
}

// Run probes KVM at dev (empty for the default node) and userfaultfd.
func Run(dev string) Report {
	r := Report{Capabilities: map[kvm.Capability]int{}}
	r.KVMErr = r.probeKVM(dev)

	fd, err := postcopy.OpenUserfault()
	if err == nil {
		_ = unix.Close(fd)
	}

	r.UserfaultErr = err

	return r
}

func (r *Report) probeKVM(dev string) error {
	f, err := kvm.Open(dev)
	if err != nil {
		return err
	}
	defer f.Close()

	v, err := kvm.GetAPIVersion(f.Fd())
	if err != nil {
		return errors.Annotate(err, "KVM_GET_API_VERSION")
	}

	r.APIVersion = int(v)

	for _, c := range Capabilities {
		n, err := kvm.CheckExtension(f.Fd(), c)
		if err != nil {
			return err
		}

		r.Capabilities[c] = n
	}

	vmFd, err := kvm.CreateVM(f.Fd())
	if err != nil {
		return err
	}
	defer os.NewFile(vmFd, "kvm-vm").Close()

	reg := memory.NewRegistry()
	defer reg.Close()

	b, err := memory.NewBlock(memory.Config{Name: "probe", Size: 1 << 20, Mmap: true})
	if err != nil {
		return err
	}

	if err := reg.Add(b); err != nil {
		_ = b.Close()

		return err
	}

	log := kvm.NewDirtyLog(vmFd, reg)
	if err := log.Start(); err != nil {
		return err
	}

	if _, err := log.Sync(b, bitmap.New(b.Pages())); err != nil {
		return err
	}

	return log.Stop()
}

func status(err error) string {
	if err != nil {
		return "unavailable: " + err.Error()
	}

	return "ok"
}

// Print writes r in the form `gomigrate probe` shows.
func (r Report) Print(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%-30s: %s\n", "kvm dirty log", status(r.KVMErr)); err != nil {
		return errors.Trace(err)
	}

	if r.APIVersion != 0 {
		fmt.Fprintf(w, "%-30s: %d\n", "kvm api version", r.APIVersion)

		for _, c := range Capabilities {
			fmt.Fprintf(w, "%-30s: %t\n", c, r.Capabilities[c] != 0)
		}
	}

	_, err := fmt.Fprintf(w, "%-30s: %s\n", "userfaultfd", status(r.UserfaultErr))

	return errors.Trace(err)
}
