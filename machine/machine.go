// Package machine is a demo guest for the migration engine: vCPU goroutines
// that keep dirtying guest memory through a software dirty log, with a
// small device state that travels as non-RAM state.
package machine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/gomigrate/dirty"
	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PageWaiter blocks until a guest page may be touched. A postcopy placer
// implements it on the destination.
type PageWaiter interface {
	Wait(ctx context.Context, b *memory.Block, offset uint64) error
}

// Config describes the demo guest.
type Config struct {
	NCPUs   int
	MemSize uint64
	// VRAMSize adds a second block nobody writes to; zero leaves it out.
	VRAMSize uint64
	// Mmap backs guest memory with anonymous mappings.
	Mmap bool
	// Stopped creates the machine with its vCPUs stopped, as a migration
	// destination does.
	Stopped bool
	Clock   clock.Clock
	Logger  *logrus.Entry
}

type vcpu struct {
	id     int
	writes atomic.Uint64
	pcg    *rand.PCG
	rng    *rand.Rand
}

// Machine is a running demo guest.
type Machine struct {
	cfg Config
	lg  *logrus.Entry
	clk clock.Clock

	reg *memory.Registry
	ram *memory.Block
	log *dirty.SoftLog

	vcpus []*vcpu

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	// run is read-held by a vCPU while it writes; Stop takes it.
	run      sync.RWMutex
	mu       sync.Mutex
	stopped  bool
	closed   bool
	throttle atomic.Int32

	waiterMu sync.Mutex
	waiter   PageWaiter

	consoleMu sync.Mutex
	console   []string
}

// New allocates guest memory and starts the vCPUs.
func New(cfg Config) (*Machine, error) {
	if cfg.MemSize < MinMemSize || cfg.MemSize%memory.TargetPageSize != 0 {
		return nil, errors.NotValidf("memory size %d", cfg.MemSize)
	}

	if cfg.NCPUs < 0 {
		return nil, errors.NotValidf("%d cpus", cfg.NCPUs)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Machine{
		cfg: cfg,
		lg:  cfg.Logger.WithField("component", "machine"),
		clk: cfg.Clock,
		reg: memory.NewRegistry(),
		log: dirty.NewSoftLog(),
	}

	blocks := []memory.Config{{Name: RAMBlock, Size: cfg.MemSize, Mmap: cfg.Mmap}}
	if cfg.VRAMSize > 0 {
		blocks = append(blocks, memory.Config{Name: VRAMBlock, Size: cfg.VRAMSize, Mmap: cfg.Mmap})
	}

	for _, c := range blocks {
		b, err := memory.NewBlock(c)
		if err != nil {
			_ = m.reg.Close()

			return nil, errors.Annotatef(err, "allocate %s", c.Name)
		}

		if err := m.reg.Add(b); err != nil {
			_ = b.Close()
			_ = m.reg.Close()

			return nil, err
		}
	}

	m.ram, _ = m.reg.Lookup(RAMBlock)

	for i := 0; i < cfg.NCPUs; i++ {
		pcg := rand.NewPCG(uint64(i)+1, 0x9e3779b97f4a7c15)
		m.vcpus = append(m.vcpus, &vcpu{id: i, pcg: pcg, rng: rand.New(pcg)})
	}

	if cfg.Stopped {
		m.stopped = true
		m.run.Lock()
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.g, m.ctx = errgroup.WithContext(m.ctx)

	for _, v := range m.vcpus {
		v := v
		m.g.Go(func() error { return m.runVCPU(v) })
	}

	m.lg.Infof("machine: %d cpus, %d pages of %s", cfg.NCPUs, m.ram.Pages(), RAMBlock)

	return m, nil
}

// Registry returns the guest memory.
func (m *Machine) Registry() *memory.Registry { return m.reg }

// Log returns the dirty log every vCPU write goes through.
func (m *Machine) Log() dirty.Log { return m.log }

// SetPageWaiter makes the vCPUs ask w before touching a page.
func (m *Machine) SetPageWaiter(w PageWaiter) {
	m.waiterMu.Lock()
	defer m.waiterMu.Unlock()

	m.waiter = w
}

func (m *Machine) pageWaiter() PageWaiter {
	m.waiterMu.Lock()
	defer m.waiterMu.Unlock()

	return m.waiter
}

func (m *Machine) runVCPU(v *vcpu) error {
	for {
		m.run.RLock()

		if m.ctx.Err() != nil {
			m.run.RUnlock()

			return nil
		}

		err := m.batch(v)
		m.run.RUnlock()

		if err != nil {
			if m.ctx.Err() != nil {
				return nil
			}

			return errors.Annotatef(err, "cpu %d", v.id)
		}

		select {
		case <-m.clk.After(throttled(slice, int(m.throttle.Load()))):
		case <-m.ctx.Done():
			return nil
		}
	}
}

// throttled stretches d so that the vCPU runs only (100-pct)% of the time.
func throttled(d time.Duration, pct int) time.Duration {
	if pct <= 0 {
		return d
	}

	return d + d*time.Duration(pct)/time.Duration(100-pct)
}

// batch writes a counter into pagesPerBatch random pages.
func (m *Machine) batch(v *vcpu) error {
	w := m.pageWaiter()
	pages := m.ram.Pages()

	for i := 0; i < pagesPerBatch; i++ {
		off := v.rng.Uint64N(pages) * memory.TargetPageSize

		if w != nil {
			if err := w.Wait(m.ctx, m.ram, off); err != nil {
				return err
			}
		}

		n := v.writes.Add(1)
		slot := (n % (memory.TargetPageSize / 8)) * 8
		binary.LittleEndian.PutUint64(m.ram.Slice(off+slot, 8), n<<8|uint64(v.id))
		m.log.Mark(m.ram, off+slot, 8)

		if n%consoleEvery == 0 {
			m.printf("cpu%d: %d writes", v.id, n)
		}
	}

	return nil
}

func (m *Machine) printf(format string, args ...any) {
	m.consoleMu.Lock()
	defer m.consoleMu.Unlock()

	m.console = append(m.console, fmt.Sprintf(format, args...))
	if len(m.console) > consoleLines {
		m.console = m.console[len(m.console)-consoleLines:]
	}
}

// Console returns the last console lines.
func (m *Machine) Console() []string {
	m.consoleMu.Lock()
	defer m.consoleMu.Unlock()

	return append([]string(nil), m.console...)
}

// Writes returns the number of writes per vCPU.
func (m *Machine) Writes() []uint64 {
	w := make([]uint64, len(m.vcpus))
	for i, v := range m.vcpus {
		w[i] = v.writes.Load()
	}

	return w
}

// Stop pauses every vCPU and returns once none is writing.
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.NotValidf("stop of a closed machine")
	}

	if m.stopped {
		return nil
	}

	m.run.Lock()
	m.stopped = true
	m.lg.Debugf("machine: stopped after %v writes", m.Writes())

	return nil
}

// Start resumes the vCPUs.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.NotValidf("start of a closed machine")
	}

	if !m.stopped {
		return nil
	}

	m.stopped = false
	m.run.Unlock()
	m.lg.Debugf("machine: started")

	return nil
}

// Stopped reports whether the vCPUs are paused.
func (m *Machine) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stopped
}

// SetThrottle keeps the vCPUs idle pct percent of the time.
func (m *Machine) SetThrottle(pct int) {
	if pct < 0 {
		pct = 0
	}

	if pct > 99 {
		pct = 99
	}

	if old := m.throttle.Swap(int32(pct)); int(old) != pct {
		m.lg.Debugf("machine: throttle %d%% -> %d%%", old, pct)
	}
}

// Throttle returns the current throttle percentage.
func (m *Machine) Throttle() int { return int(m.throttle.Load()) }

// Close stops the vCPUs for good and frees guest memory.
func (m *Machine) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.cancel()

	if m.stopped {
		m.stopped = false
		m.run.Unlock()
	}

	m.mu.Unlock()

	err := m.g.Wait()

	return errors.Trace(firstErr(err, m.reg.Close()))
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}
