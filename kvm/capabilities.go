package kvm

import "fmt"

// Capability is a KVM_CAP_* extension number.
type Capability uint32

const (
	CapUserMemory          Capability = 3
	CapNRMemSlots          Capability = 10
	CapSyncMMU             Capability = 16
	CapMultiAddressSpace   Capability = 118
	CapManualDirtyLogProt2 Capability = 168
	CapDirtyLogRing        Capability = 192
)

var capabilityNames = map[Capability]string{
	CapUserMemory:          "CapUserMemory",
	CapNRMemSlots:          "CapNRMemSlots",
	CapSyncMMU:             "CapSyncMMU",
	CapMultiAddressSpace:   "CapMultiAddressSpace",
	CapManualDirtyLogProt2: "CapManualDirtyLogProt2",
	CapDirtyLogRing:        "CapDirtyLogRing",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint32(c))
}
