package migration_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/gomigrate/migration"
	"github.com/juju/errors"
)

// ---- state machine ----------------------------------------------------------

func TestStateLegalPath(t *testing.T) {
	t.Parallel()

	s := migration.NewState(nil)

	path := []migration.Phase{
		migration.Setup,
		migration.Active,
		migration.PostcopyActive,
		migration.PostcopyPaused,
		migration.PostcopyRecover,
		migration.PostcopyActive,
		migration.Completed,
	}

	cur := migration.None
	for _, next := range path {
		if err := s.Set(cur, next); err != nil {
			t.Fatalf("%s -> %s: %v", cur, next, err)
		}

		cur = next
	}

	if got := s.Load(); got != migration.Completed || !got.Terminal() {
		t.Fatalf("got %s, want completed", got)
	}
}

func TestStateIllegal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from, to migration.Phase
	}{
		{name: "SkipSetup", from: migration.None, to: migration.Active},
		{name: "LeaveCompleted", from: migration.Completed, to: migration.Active},
		{name: "ResumeWithoutRecover", from: migration.PostcopyPaused, to: migration.PostcopyActive},
		{name: "CancelledDirectly", from: migration.Active, to: migration.Cancelled},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if migration.Legal(test.from, test.to) {
				t.Fatalf("%s -> %s allowed", test.from, test.to)
			}

			s := migration.NewState(nil)
			if err := s.Set(test.from, test.to); !errors.Is(err, migration.ErrIllegalTransition) {
				t.Fatalf("got %v, want ErrIllegalTransition", err)
			}
		})
	}
}

func TestStateCASSingleWinner(t *testing.T) {
	t.Parallel()

	s := migration.NewState(nil)
	if err := s.Set(migration.None, migration.Setup); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if s.Set(migration.Setup, migration.Active) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if wins != 1 {
		t.Fatalf("got %d winners, want 1", wins)
	}
}

func TestStateFailAndChanged(t *testing.T) {
	t.Parallel()

	s := migration.NewState(nil)
	changed := s.Changed()

	if err := s.Set(migration.None, migration.Setup); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("Changed not closed by a transition")
	}

	if left := s.Fail(); left != migration.Setup {
		t.Fatalf("Fail left %s, want setup", left)
	}

	if left := s.Fail(); left != migration.Failed {
		t.Fatalf("second Fail left %s, want failed", left)
	}
}

// ---- parameters -------------------------------------------------------------

func TestDefaultParamsValid(t *testing.T) {
	t.Parallel()

	p := migration.DefaultParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
}

func TestLoadParams(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "params.toml")

	const file = `
max_bandwidth = "64 MiB"
downtime_limit = "150ms"
multifd = true
multifd_channels = 4
multifd_compression = "zstd"
multifd_zstd_level = 3
auto_converge = true
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := migration.LoadParams(path)
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}

	if p.MaxBandwidth != 64<<20 {
		t.Fatalf("max_bandwidth: got %d, want %d", p.MaxBandwidth, 64<<20)
	}

	if time.Duration(p.DowntimeLimit) != 150*time.Millisecond {
		t.Fatalf("downtime_limit: got %v", time.Duration(p.DowntimeLimit))
	}

	if !p.Multifd || p.MultifdChannels != 4 || p.CodecLevel() != 3 {
		t.Fatalf("multifd: got %+v", p)
	}

	// Untouched keys keep their defaults.
	if p.ThrottleTriggerThreshold != 50 || p.MaxThrottle != 99 {
		t.Fatalf("throttle defaults lost: %+v", p)
	}
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mod  func(*migration.Params)
	}{
		{name: "NoChannels", mod: func(p *migration.Params) { p.MultifdChannels = 0 }},
		{name: "UnknownCodec", mod: func(p *migration.Params) { p.MultifdCompression = "lz4" }},
		{name: "ThrottleAboveMax", mod: func(p *migration.Params) { p.ThrottleInitial = 100 }},
		{name: "InlineWithMultifd", mod: func(p *migration.Params) { p.Multifd, p.Compress = true, true }},
		{name: "PauseWithoutPostcopy", mod: func(p *migration.Params) { p.PostcopyPause = true }},
		{name: "PostcopyWithoutReturnPath", mod: func(p *migration.Params) { p.Postcopy = true }},
		{name: "XBZRLEWithMultifd", mod: func(p *migration.Params) { p.XBZRLE, p.Multifd = true, true }},
		{name: "XBZRLETinyCache", mod: func(p *migration.Params) { p.XBZRLE, p.XBZRLECacheSize = true, 100 }},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			p := migration.DefaultParams()
			test.mod(&p)

			if err := p.Validate(); err == nil {
				t.Fatalf("invalid parameters accepted")
			}
		})
	}
}
