package probe_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobuhiro11/gomigrate/kvm"
	"github.com/bobuhiro11/gomigrate/probe"
)

func TestMissingDevice(t *testing.T) {
	t.Parallel()

	r := probe.Run(filepath.Join(t.TempDir(), "kvm"))
	if r.KVMErr == nil {
		t.Fatal("probe of a missing device succeeded")
	}

	var buf bytes.Buffer
	if err := r.Print(&buf); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "kvm dirty log") || !strings.Contains(buf.String(), "unavailable") {
		t.Errorf("report:\n%s", buf.String())
	}

	if strings.Contains(buf.String(), "api version") {
		t.Errorf("capabilities printed without a device:\n%s", buf.String())
	}
}

func TestPrintCapabilities(t *testing.T) {
	t.Parallel()

	r := probe.Report{
		APIVersion:   12,
		Capabilities: map[kvm.Capability]int{kvm.CapUserMemory: 1},
		UserfaultErr: errors.New("EPERM"),
	}

	var buf bytes.Buffer
	if err := r.Print(&buf); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"kvm dirty log                 : ok",
		"CapUserMemory                 : true",
		"CapDirtyLogRing               : false",
		"userfaultfd                   : unavailable: EPERM",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report without %q:\n%s", want, buf.String())
		}
	}
}
