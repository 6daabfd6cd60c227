// Package vmm runs the demo guest as a migration source or destination and
// exposes a control socket to drive the migration.
package vmm

import (
	"net/http"
	"sync"

	"github.com/bobuhiro11/gomigrate/machine"
	"github.com/bobuhiro11/gomigrate/metrics"
	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/session"
	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config describes the guest and how it migrates.
type Config struct {
	NCPUs    int
	MemSize  uint64
	VRAMSize uint64
	// Mmap backs guest memory with anonymous mappings.
	Mmap bool
	// Userfault places postcopy pages on the destination with userfaultfd.
	// It needs Mmap.
	Userfault bool
	Params    migration.Params
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string
	Clock       clock.Clock
	Logger      *logrus.Entry
}

type VMM struct {
	Config

	lg    *logrus.Entry
	stats *metrics.Stats

	mu      sync.Mutex
	machine *machine.Machine
	out     *session.Outgoing
	in      *session.Incoming
	srv     *http.Server

	migrated     chan struct{}
	migratedOnce sync.Once
}

func New(c Config) *VMM {
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}

	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &VMM{
		Config:   c,
		lg:       c.Logger.WithField("component", "vmm"),
		stats:    &metrics.Stats{},
		migrated: make(chan struct{}),
	}
}

// Migrated is closed once the guest moved to a destination.
func (v *VMM) Migrated() <-chan struct{} { return v.migrated }

func (v *VMM) newMachine(stopped bool) (*machine.Machine, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.machine != nil {
		return nil, errors.AlreadyExistsf("machine")
	}

	m, err := machine.New(machine.Config{
		NCPUs:    v.NCPUs,
		MemSize:  v.MemSize,
		VRAMSize: v.VRAMSize,
		Mmap:     v.Mmap,
		Stopped:  stopped,
		Clock:    v.Clock,
		Logger:   v.Logger,
	})
	if err != nil {
		return nil, err
	}

	v.machine = m

	return m, nil
}

// Boot starts the guest as a migration source.
func (v *VMM) Boot() error {
	if _, err := v.newMachine(false); err != nil {
		return errors.Annotate(err, "boot")
	}

	v.lg.Infof("vmm: booted %d cpus with %s", v.NCPUs, humanize.IBytes(v.MemSize))

	return v.serveMetrics("source")
}

// Machine returns the guest, nil before Boot or an incoming migration.
func (v *VMM) Machine() *machine.Machine {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.machine
}

// MetricsHandler exports the counters of the current migration.
func (v *VMM) MetricsHandler(role string) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(v.stats, role))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (v *VMM) serveMetrics(role string) error {
	if v.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", v.MetricsHandler(role))

	srv := &http.Server{Addr: v.MetricsAddr, Handler: mux}

	v.mu.Lock()
	v.srv = srv
	v.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			v.lg.Warnf("vmm: metrics on %s: %v", v.MetricsAddr, err)
		}
	}()

	v.lg.Infof("vmm: metrics on http://%s/metrics", v.MetricsAddr)

	return nil
}

// Status reports the migration in progress or the last one.
func (v *VMM) Status() (session.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch {
	case v.out != nil:
		return v.out.Status(), nil
	case v.in != nil:
		return v.in.Status(), nil
	}

	return session.Status{}, errors.NotFoundf("migration")
}

// Cancel aborts the migration in progress.
func (v *VMM) Cancel() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch {
	case v.out != nil:
		v.out.Cancel()
	case v.in != nil:
		v.in.Cancel()
	default:
		return errors.NotFoundf("migration")
	}

	return nil
}

// Close stops the guest and the metrics server.
func (v *VMM) Close() error {
	v.mu.Lock()
	m, srv := v.machine, v.srv
	v.srv = nil
	v.mu.Unlock()

	if srv != nil {
		_ = srv.Close()
	}

	if m == nil {
		return nil
	}

	return m.Close()
}
