package flag_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gomigrate/flag"
	"github.com/juju/errors"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		s, unit string
		want    uint64
	}{
		{"1", "g", 1 << 30},
		{"64M", "g", 64 << 20},
		{"8k", "", 8 << 10},
		{"0x10", "m", 16 << 20},
		{"4096", "", 4096},
	} {
		got, err := flag.ParseSize(test.s, test.unit)
		if err != nil {
			t.Errorf("ParseSize(%q, %q): %v", test.s, test.unit, err)

			continue
		}

		if got != test.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", test.s, test.unit, got, test.want)
		}
	}

	for _, s := range []string{"", "M", "12x", "-1"} {
		if _, err := flag.ParseSize(s, ""); !errors.Is(err, errors.NotValid) {
			t.Errorf("ParseSize(%q): %v, want not valid", s, err)
		}
	}
}

func parse(t *testing.T, args ...string) *flag.CLI {
	t.Helper()

	var cli flag.CLI

	parser, err := kong.New(&cli, kong.Name("gomigrate"), kong.Exit(func(int) { t.Fatal("exit") }))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse(args); err != nil {
		t.Fatal(err)
	}

	return &cli
}

func TestSourceFlags(t *testing.T) {
	t.Parallel()

	cli := parse(t, "source", "-c", "3", "-m", "128M", "--multifd", "4", "--compression", "zstd",
		"--bandwidth", "1GiB", "--postcopy")

	c, err := cli.Source.Config()
	if err != nil {
		t.Fatal(err)
	}

	if c.NCPUs != 3 || c.MemSize != 128<<20 {
		t.Errorf("guest %d cpus, %d bytes", c.NCPUs, c.MemSize)
	}

	p := c.Params
	if !p.Multifd || p.MultifdChannels != 4 || p.MultifdCompression != "zstd" {
		t.Errorf("multifd %v x%d %s", p.Multifd, p.MultifdChannels, p.MultifdCompression)
	}

	if p.MaxBandwidth != 1<<30 {
		t.Errorf("bandwidth %d", p.MaxBandwidth)
	}

	if !p.Postcopy || !p.ReturnPath {
		t.Errorf("postcopy %v, return path %v", p.Postcopy, p.ReturnPath)
	}
}

func TestDestFlagsOverParameterFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "params.toml")
	toml := `
downtime_limit = "1s"
multifd = true
multifd_channels = 8
multifd_compression = "zlib"
`

	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatal(err)
	}

	cli := parse(t, "dest", "-l", "127.0.0.1:5555", "-p", path, "--multifd", "2")

	if cli.Dest.Listen != "127.0.0.1:5555" {
		t.Errorf("listen %q", cli.Dest.Listen)
	}

	c, err := cli.Dest.Config()
	if err != nil {
		t.Fatal(err)
	}

	p := c.Params
	if time.Duration(p.DowntimeLimit) != time.Second || p.MultifdCompression != "zlib" {
		t.Errorf("file values lost: %+v", p)
	}

	if p.MultifdChannels != 2 {
		t.Errorf("%d channels, want the flag's 2", p.MultifdChannels)
	}

	if c.MemSize != 64<<20 || c.NCPUs != 2 {
		t.Errorf("defaults %d cpus, %d bytes", c.NCPUs, c.MemSize)
	}
}

func TestDestUserfaultMapsMemory(t *testing.T) {
	t.Parallel()

	cli := parse(t, "dest", "--userfault")

	c, err := cli.Dest.Config()
	if err != nil {
		t.Fatal(err)
	}

	if !c.Userfault || !c.Mmap {
		t.Errorf("userfault %v, mmap %v", c.Userfault, c.Mmap)
	}

	plain := parse(t, "dest")

	if c, err := plain.Dest.Config(); err != nil || c.Userfault {
		t.Errorf("userfault without the flag: %v, %v", c.Userfault, err)
	}
}

func TestSourceXBZRLE(t *testing.T) {
	t.Parallel()

	cli := parse(t, "source", "--xbzrle", "8MiB")

	c, err := cli.Source.Config()
	if err != nil {
		t.Fatal(err)
	}

	if !c.Params.XBZRLE || c.Params.XBZRLECacheSize != 8<<20 {
		t.Errorf("xbzrle %v with %d byte cache", c.Params.XBZRLE, c.Params.XBZRLECacheSize)
	}
}

func TestConfigRejects(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"source", "-m", "lots"},
		{"source", "--compression", "lz4"},
		{"source", "--pause"},
		{"source", "--xbzrle", "lots"},
		{"source", "--xbzrle", "64MiB", "--multifd", "2"},
		{"source", "-p", "/nonexistent/params.toml"},
	} {
		cli := parse(t, args...)

		if _, err := cli.Source.Config(); err == nil {
			t.Errorf("%v accepted", args)
		}
	}
}

func TestMigrateArgs(t *testing.T) {
	t.Parallel()

	cli := parse(t, "migrate", "4242", "MIGRATE", "10.0.0.2:4444")

	if cli.Migrate.PID != 4242 || len(cli.Migrate.Command) != 2 || cli.Migrate.Command[1] != "10.0.0.2:4444" {
		t.Errorf("migrate %+v", cli.Migrate)
	}
}
