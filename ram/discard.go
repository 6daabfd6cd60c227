package ram

import (
	"github.com/bobuhiro11/gomigrate/bitmap"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/juju/errors"
)

// ChunkHostPages makes every host page of bm either fully set or fully
// clear by setting the rest of any partially set host page. ratio is the
// number of target pages per host page. It returns how many bits it set;
// a second call returns zero.
func ChunkHostPages(bm *bitmap.Bitmap, ratio uint64) uint64 {
	if ratio <= 1 {
		return 0
	}

	var added uint64

	for i := bm.NextSet(0); i < bm.Len(); {
		hp := i / ratio * ratio
		n := min(ratio, bm.Len()-hp)
		added += bm.SetRange(hp, n)
		i = bm.NextSet(hp + n)
	}

	return added
}

// SendDiscard tells the destination which pages it must drop before
// postcopy: every page still dirty, rounded out to host pages. The guest
// must be stopped and the bitmap synced.
func (s *Saver) SendDiscard(w *migration.Writer) error {
	var total uint64

	for _, b := range s.cfg.Registry.Blocks() {
		ratio := b.HostPageRatio()

		if ratio > 1 {
			err := s.cfg.Tracker.Update(b, func(bm *bitmap.Bitmap) int64 {
				return int64(ChunkHostPages(bm, ratio))
			})
			if err != nil {
				return err
			}
		}

		var ranges []migration.DiscardRange

		err := s.cfg.Tracker.Runs(b, func(start, n uint64) error {
			ranges = append(ranges, migration.DiscardRange{
				Start:  start * memory.TargetPageSize,
				Length: n * memory.TargetPageSize,
			})
			total += n

			return nil
		})
		if err != nil {
			return err
		}

		for len(ranges) > 0 {
			batch := ranges[:min(len(ranges), migration.MaxDiscardRanges)]
			ranges = ranges[len(batch):]

			if err := migration.WriteDiscard(w, b.Name(), batch); err != nil {
				return err
			}
		}
	}

	s.stats.Discarded.Add(total)
	s.lg.Infof("ram: discarding %d pages on the destination", total)

	return errors.Annotate(w.Flush(), "send discard")
}
