package multifd

import (
	"github.com/bobuhiro11/gomigrate/channel"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/juju/errors"
)

// noComp sends guest pages as they are.
type noComp struct{}

func (noComp) Name() string { return "none" }

func (noComp) Flag() uint32 { return FlagNoComp }

func (noComp) SendSetup(*SendSlot) error { return nil }

func (noComp) SendPrepare(_ *SendSlot, pages [][]byte) ([][]byte, error) {
	return pages, nil
}

func (noComp) SendCleanup(*SendSlot) {}

func (noComp) RecvSetup(*RecvSlot) error { return nil }

func (noComp) Recv(_ *RecvSlot, src channel.Channel, size uint32, pages [][]byte) error {
	if uint64(size) != uint64(len(pages))*memory.TargetPageSize {
		return errors.NotValidf("payload of %d bytes for %d pages", size, len(pages))
	}

	for _, p := range pages {
		if err := src.ReadAll(p); err != nil {
			return err
		}
	}

	return nil
}

func (noComp) RecvCleanup(*RecvSlot) {}
