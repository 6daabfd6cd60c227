package kvm_test

import (
	"testing"

	"github.com/bobuhiro11/gomigrate/kvm"
)

func TestCapabilityStringer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value kvm.Capability
		want  string
	}{
		{
			name:  "UserMemory",
			value: kvm.CapUserMemory,
			want:  "CapUserMemory",
		},
		{
			name:  "DirtyLogRing",
			value: kvm.CapDirtyLogRing,
			want:  "CapDirtyLogRing",
		},
		{
			name:  "Unknown",
			value: kvm.Capability(255),
			want:  "Capability(255)",
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if test.value.String() != test.want {
				t.Errorf("have: %s, want: %s", test.value.String(), test.want)
			}
		})
	}
}
