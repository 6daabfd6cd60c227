package ram

import (
	"time"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/dustin/go-humanize"
)

// convergePeriod is the shortest interval auto-converge judges.
const convergePeriod = time.Second

// converge is the auto-converge bookkeeping of one migration.
type converge struct {
	periodStart   time.Time
	bytesAtStart  uint64
	highPeriods   int
	throttle      int
	bandwidth     uint64
	lastDirtyRate uint64
}

func (c *converge) start(now time.Time, transferred uint64) {
	c.periodStart = now
	c.bytesAtStart = transferred
	c.highPeriods = 0
}

// converge closes the current period once it is long enough and throttles
// the guest when it dirtied more than the threshold share of what was sent
// on two consecutive periods.
func (s *Saver) converge(newly uint64) {
	now := s.clk.Now()
	c := &s.conv

	elapsed := now.Sub(c.periodStart)
	if elapsed <= convergePeriod {
		return
	}

	dirtied := s.cfg.Tracker.TakePeriod() * memory.TargetPageSize
	transferred := s.stats.Transferred.Load() - c.bytesAtStart

	c.lastDirtyRate = uint64(float64(dirtied) / elapsed.Seconds())
	c.bandwidth = uint64(float64(transferred) / elapsed.Seconds())
	s.stats.DirtyRate.Store(c.lastDirtyRate)

	s.lg.Debugf("ram: period of %v dirtied %s, sent %s (%d newly dirty at last sync)",
		elapsed, humanize.IBytes(dirtied), humanize.IBytes(transferred), newly)

	if s.cfg.Params.AutoConverge && !s.postcopy {
		threshold := transferred * uint64(s.cfg.Params.ThrottleTriggerThreshold) / 100

		if dirtied > threshold {
			c.highPeriods++
			if c.highPeriods >= 2 {
				c.highPeriods = 0
				s.throttleDown()
			}
		} else {
			c.highPeriods = 0
		}
	}

	c.periodStart = now
	c.bytesAtStart = s.stats.Transferred.Load()
}

func (s *Saver) throttleDown() {
	c := &s.conv

	next := s.cfg.Params.ThrottleInitial
	if c.throttle > 0 {
		next = min(c.throttle*2, s.cfg.Params.MaxThrottle)
	}

	if next == c.throttle {
		return
	}

	c.throttle = next
	s.stats.Throttle.Store(uint64(next))
	s.lg.Infof("ram: throttling guest to %d%%", next)

	if s.cfg.Guest != nil {
		s.cfg.Guest.SetThrottle(next)
	}
}

// Throttle returns the current guest throttle percentage.
func (s *Saver) Throttle() int { return s.conv.throttle }

// DirtyRate returns the dirty rate of the last closed period in bytes per
// second.
func (s *Saver) DirtyRate() uint64 { return s.conv.lastDirtyRate }

// ReleaseThrottle lets the guest run at full speed again.
func (s *Saver) ReleaseThrottle() {
	if s.conv.throttle == 0 {
		return
	}

	s.conv.throttle = 0
	s.stats.Throttle.Store(0)

	if s.cfg.Guest != nil {
		s.cfg.Guest.SetThrottle(0)
	}
}
