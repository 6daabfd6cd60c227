// Package flag is the command line of gomigrate.
package flag

import (
	"strconv"
	"strings"

	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/bobuhiro11/gomigrate/vmm"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (uint64, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return 0, errors.NotValidf("size %q, want num[gGmMkK]", s)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return 0, errors.NotValidf("size %q: %v", s, err)
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return amt << 30, nil
	case "M", "m":
		return amt << 20, nil
	case "K", "k":
		return amt << 10, nil
	case "":
		return amt, nil
	}

	return 0, errors.NotValidf("size %q, want num[gGmMkK]", s)
}

type CLI struct {
	Verbose    bool   `short:"v" help:"log at debug level"`
	Profile    string `enum:"none,cpu,mem,block,mutex,clock" default:"none" help:"write a pprof profile of this run into --profile-dir"`
	ProfileDir string `default:"." help:"directory for --profile output"`

	Source  SourceCMD  `cmd:"" help:"run a demo guest that can be migrated away"`
	Dest    DestCMD    `cmd:"" help:"receive a migrating guest"`
	Migrate MigrateCMD `cmd:"" help:"send a control command to a running source"`
	Probe   ProbeCMD   `cmd:"" help:"check host support for KVM dirty logging and userfaultfd"`
}

// GuestFlags are shared by source and destination, which must agree on
// the guest shape and the multifd setup.
type GuestFlags struct {
	NCPUs    int    `short:"c" default:"2" help:"number of vcpus"`
	MemSize  string `short:"m" default:"64M" help:"memory size: as number[gGmMkK], optional units, defaults to M"`
	VRAMSize string `default:"0" help:"size of a second memory block nobody writes to"`
	Mmap     bool   `help:"back guest memory with anonymous mappings"`

	Params      string `short:"p" help:"TOML migration parameter file"`
	Multifd     int    `help:"migrate over this many multifd channels (0 keeps the file value)"`
	Compression string `help:"multifd compression: none, zlib or zstd"`
	Bandwidth   string `help:"precopy bandwidth limit such as 256MiB"`
	Postcopy    bool   `help:"allow switching to postcopy (enables the return path)"`
	Pause       bool   `help:"pause postcopy on a broken stream instead of failing"`
	XBZRLE      string `name:"xbzrle" help:"send re-dirtied pages as deltas, with a page cache of this size such as 64MiB"`

	MetricsAddr string `help:"serve Prometheus metrics on this address"`
}

// Config resolves the flags on top of the parameter file.
func (g *GuestFlags) Config() (vmm.Config, error) {
	memSize, err := ParseSize(g.MemSize, "m")
	if err != nil {
		return vmm.Config{}, err
	}

	vramSize, err := ParseSize(g.VRAMSize, "m")
	if err != nil {
		return vmm.Config{}, err
	}

	p := migration.DefaultParams()
	if g.Params != "" {
		if p, err = migration.LoadParams(g.Params); err != nil {
			return vmm.Config{}, err
		}
	}

	if g.Multifd > 0 {
		p.Multifd = true
		p.MultifdChannels = g.Multifd
	}

	if g.Compression != "" {
		p.MultifdCompression = g.Compression
	}

	if g.Bandwidth != "" {
		if err := p.MaxBandwidth.UnmarshalText([]byte(g.Bandwidth)); err != nil {
			return vmm.Config{}, err
		}
	}

	if g.Postcopy {
		p.Postcopy = true
		p.ReturnPath = true
	}

	if g.Pause {
		p.PostcopyPause = true
	}

	if g.XBZRLE != "" {
		p.XBZRLE = true

		if err := p.XBZRLECacheSize.UnmarshalText([]byte(g.XBZRLE)); err != nil {
			return vmm.Config{}, err
		}
	}

	if err := p.Validate(); err != nil {
		return vmm.Config{}, errors.Annotate(err, "migration parameters")
	}

	return vmm.Config{
		NCPUs:       g.NCPUs,
		MemSize:     memSize,
		VRAMSize:    vramSize,
		Mmap:        g.Mmap,
		Params:      p,
		MetricsAddr: g.MetricsAddr,
		Logger:      logrus.NewEntry(logrus.StandardLogger()),
	}, nil
}

type SourceCMD struct {
	GuestFlags `embed:""`
}

type DestCMD struct {
	GuestFlags `embed:""`

	Listen    string `short:"l" default:"0.0.0.0:4444" help:"address to accept the migration on"`
	Userfault bool   `help:"install postcopy pages with userfaultfd (implies --mmap)"`
}

// Config is the guest configuration of the destination.
func (d *DestCMD) Config() (vmm.Config, error) {
	if d.Userfault {
		d.Mmap = true
	}

	c, err := d.GuestFlags.Config()
	if err != nil {
		return vmm.Config{}, err
	}

	c.Userfault = d.Userfault

	return c, nil
}

type MigrateCMD struct {
	PID     int      `arg:"" help:"pid of the source gomigrate"`
	Command []string `arg:"" help:"MIGRATE <addr>, POSTCOPY, RECOVER <addr>, CANCEL or STATUS"`
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
}
