package machine

import (
	"io"

	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/juju/errors"
)

// VCPUState is the migratable state of one vCPU.
type VCPUState struct {
	Writes uint64
	// RNG is the marshalled generator, so the workload continues where it
	// stopped.
	RNG []byte
}

// DeviceState is everything of the machine that is not guest RAM.
type DeviceState struct {
	VCPUs   []VCPUState
	Console []string
}

// SaveDeviceState captures the non-RAM state. The vCPUs must be stopped.
func (m *Machine) SaveDeviceState() (*DeviceState, error) {
	if !m.Stopped() {
		return nil, errors.NotValidf("device state of a running machine")
	}

	ds := &DeviceState{Console: m.Console()}

	for _, v := range m.vcpus {
		rng, err := v.pcg.MarshalBinary()
		if err != nil {
			return nil, errors.Annotatef(err, "cpu %d", v.id)
		}

		ds.VCPUs = append(ds.VCPUs, VCPUState{Writes: v.writes.Load(), RNG: rng})
	}

	return ds, nil
}

// RestoreDeviceState applies ds. The vCPUs must be stopped and their count
// must match.
func (m *Machine) RestoreDeviceState(ds *DeviceState) error {
	if !m.Stopped() {
		return errors.NotValidf("device state into a running machine")
	}

	if len(ds.VCPUs) != len(m.vcpus) {
		return errors.NotValidf("state of %d cpus into %d", len(ds.VCPUs), len(m.vcpus))
	}

	for i, s := range ds.VCPUs {
		v := m.vcpus[i]
		if err := v.pcg.UnmarshalBinary(s.RNG); err != nil {
			return errors.Annotatef(err, "cpu %d", i)
		}

		v.writes.Store(s.Writes)
	}

	m.consoleMu.Lock()
	m.console = append([]string(nil), ds.Console...)
	m.consoleMu.Unlock()

	return nil
}

// SaveNonRAMState writes the device state as gob.
func (m *Machine) SaveNonRAMState(w io.Writer) error {
	ds, err := m.SaveDeviceState()
	if err != nil {
		return err
	}

	return migration.EncodeGob(w, ds)
}

// LoadNonRAMState reads a device state written by SaveNonRAMState.
func (m *Machine) LoadNonRAMState(r io.Reader) error {
	var ds DeviceState
	if err := migration.DecodeGob(r, &ds); err != nil {
		return err
	}

	return m.RestoreDeviceState(&ds)
}
