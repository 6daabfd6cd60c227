package migration

import (
	"os"
	"time"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/bobuhiro11/gomigrate/multifd"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/pelletier/go-toml/v2"
)

// Size is a byte count written as "128 MiB" in parameter files.
type Size uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(p []byte) error {
	n, err := humanize.ParseBytes(string(p))
	if err != nil {
		return errors.NotValidf("size %q", p)
	}

	*s = Size(n)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) { return []byte(humanize.IBytes(uint64(s))), nil }

// Duration is a time.Duration written as "300ms" in parameter files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(p []byte) error {
	v, err := time.ParseDuration(string(p))
	if err != nil {
		return errors.NotValidf("duration %q", p)
	}

	*d = Duration(v)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Params are the negotiated migration parameters. Workers read a copy taken
// when the migration starts.
type Params struct {
	// MaxBandwidth limits precopy throughput; zero means unlimited.
	MaxBandwidth  Size     `toml:"max_bandwidth"`
	DowntimeLimit Duration `toml:"downtime_limit"`
	// IterationBudget bounds the wall-clock time of one precopy iteration.
	IterationBudget Duration `toml:"iteration_budget"`

	Multifd            bool   `toml:"multifd"`
	MultifdChannels    int    `toml:"multifd_channels"`
	MultifdCompression string `toml:"multifd_compression"`
	MultifdZlibLevel   int    `toml:"multifd_zlib_level"`
	MultifdZstdLevel   int    `toml:"multifd_zstd_level"`
	PagesPerPacket     int    `toml:"pages_per_packet"`

	// Compress enables inline COMPRESS_PAGE records on the main stream.
	Compress      bool `toml:"compress"`
	CompressLevel int  `toml:"compress_level"`

	// XBZRLE sends pages dirtied again as deltas to the copy last sent,
	// kept in a cache of XBZRLECacheSize bytes.
	XBZRLE          bool `toml:"xbzrle"`
	XBZRLECacheSize Size `toml:"xbzrle_cache_size"`

	AutoConverge             bool `toml:"auto_converge"`
	ThrottleTriggerThreshold int  `toml:"throttle_trigger_threshold"`
	ThrottleInitial          int  `toml:"throttle_initial"`
	MaxThrottle              int  `toml:"max_throttle"`

	ReturnPath    bool `toml:"return_path"`
	Postcopy      bool `toml:"postcopy"`
	PostcopyPause bool `toml:"postcopy_pause"`
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		MaxBandwidth:             128 << 20,
		DowntimeLimit:            Duration(300 * time.Millisecond),
		IterationBudget:          Duration(50 * time.Millisecond),
		MultifdChannels:          2,
		MultifdCompression:       "none",
		MultifdZlibLevel:         1,
		MultifdZstdLevel:         1,
		PagesPerPacket:           multifd.DefaultPagesPerPacket,
		CompressLevel:            1,
		XBZRLECacheSize:          64 << 20,
		ThrottleTriggerThreshold: 50,
		ThrottleInitial:          20,
		MaxThrottle:              99,
	}
}

// LoadParams reads a TOML parameter file on top of DefaultParams.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()

	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Annotate(err, "read parameters")
	}

	if err := toml.Unmarshal(data, &p); err != nil {
		return p, errors.Annotatef(err, "parse %s", path)
	}

	return p, p.Validate()
}

// Validate checks ranges and cross-parameter constraints.
func (p *Params) Validate() error {
	if p.MultifdChannels < 1 || p.MultifdChannels > 255 {
		return errors.NotValidf("multifd_channels %d", p.MultifdChannels)
	}

	if _, err := multifd.Lookup(p.MultifdCompression, 0); err != nil {
		return err
	}

	if p.MultifdZlibLevel < 0 || p.MultifdZlibLevel > 9 {
		return errors.NotValidf("multifd_zlib_level %d", p.MultifdZlibLevel)
	}

	if p.MultifdZstdLevel < 0 || p.MultifdZstdLevel > 20 {
		return errors.NotValidf("multifd_zstd_level %d", p.MultifdZstdLevel)
	}

	if p.CompressLevel < 1 || p.CompressLevel > 9 {
		return errors.NotValidf("compress_level %d", p.CompressLevel)
	}

	if p.PagesPerPacket < 1 || p.PagesPerPacket > 1024 {
		return errors.NotValidf("pages_per_packet %d", p.PagesPerPacket)
	}

	if p.ThrottleTriggerThreshold < 1 || p.ThrottleTriggerThreshold > 100 {
		return errors.NotValidf("throttle_trigger_threshold %d", p.ThrottleTriggerThreshold)
	}

	if p.MaxThrottle < 1 || p.MaxThrottle > 99 {
		return errors.NotValidf("max_throttle %d", p.MaxThrottle)
	}

	if p.ThrottleInitial < 1 || p.ThrottleInitial > p.MaxThrottle {
		return errors.NotValidf("throttle_initial %d with max_throttle %d", p.ThrottleInitial, p.MaxThrottle)
	}

	if p.IterationBudget <= 0 {
		return errors.NotValidf("iteration_budget %v", time.Duration(p.IterationBudget))
	}

	if p.Multifd && p.Compress {
		return errors.NotValidf("compress together with multifd")
	}

	if p.XBZRLE && p.Multifd {
		return errors.NotValidf("xbzrle together with multifd")
	}

	if p.XBZRLE && p.XBZRLECacheSize < memory.TargetPageSize {
		return errors.NotValidf("xbzrle_cache_size %d", p.XBZRLECacheSize)
	}

	if p.PostcopyPause && !p.Postcopy {
		return errors.NotValidf("postcopy_pause without postcopy")
	}

	if p.Postcopy && !p.ReturnPath {
		return errors.NotValidf("postcopy without return_path")
	}

	return nil
}

// CodecLevel returns the level for the configured multifd codec.
func (p *Params) CodecLevel() int {
	switch p.MultifdCompression {
	case "zlib":
		return p.MultifdZlibLevel
	case "zstd":
		return p.MultifdZstdLevel
	}

	return 0
}
