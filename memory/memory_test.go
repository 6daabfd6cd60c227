package memory_test

import (
	"testing"

	"github.com/bobuhiro11/gomigrate/memory"
	"github.com/juju/errors"
)

func mustBlock(t *testing.T, c memory.Config) *memory.Block {
	t.Helper()

	b, err := memory.NewBlock(c)
	if err != nil {
		t.Fatalf("NewBlock(%q): %v", c.Name, err)
	}

	t.Cleanup(func() { _ = b.Close() })

	return b
}

// ---- blocks -----------------------------------------------------------------

func TestNewBlockValidation(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		cfg  memory.Config
	}{
		{"EmptyName", memory.Config{Size: 4096}},
		{"Unaligned", memory.Config{Name: "ram0", Size: 4097}},
		{"BadPageSize", memory.Config{Name: "ram0", Size: 8192, PageSize: 3 * 4096}},
		{"MaxBelowSize", memory.Config{Name: "ram0", Size: 8192, MaxSize: 4096, Flags: memory.Resizeable}},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if _, err := memory.NewBlock(test.cfg); !errors.Is(err, errors.NotValid) {
				t.Fatalf("got %v, want NotValid", err)
			}
		})
	}
}

func TestMmapBlockDiscard(t *testing.T) {
	t.Parallel()

	b := mustBlock(t, memory.Config{Name: "ram0", Size: 4 * memory.TargetPageSize, Mmap: true})

	page := b.Page(memory.TargetPageSize)
	for i := range page {
		page[i] = 0xaa
	}

	if memory.IsZero(page) {
		t.Fatalf("page reported zero after fill")
	}

	if err := b.Discard(memory.TargetPageSize, memory.TargetPageSize); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	if !memory.IsZero(b.Page(memory.TargetPageSize)) {
		t.Fatalf("page not zero after discard")
	}

	if err := b.Discard(4*memory.TargetPageSize, memory.TargetPageSize); err == nil {
		t.Fatalf("Discard past used length succeeded")
	}
}

func TestIsZeroTail(t *testing.T) {
	t.Parallel()

	p := make([]byte, 13)
	if !memory.IsZero(p) {
		t.Fatalf("zero slice reported non-zero")
	}

	p[12] = 1
	if memory.IsZero(p) {
		t.Fatalf("non-zero tail byte not detected")
	}
}

// ---- registry ---------------------------------------------------------------

func TestRegistryOrderAndLookup(t *testing.T) {
	t.Parallel()

	r := memory.NewRegistry()
	a := mustBlock(t, memory.Config{Name: "ram0", Size: 8192})
	c := mustBlock(t, memory.Config{Name: "vga", Size: 4096})

	for _, b := range []*memory.Block{a, c} {
		if err := r.Add(b); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Add(a); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("duplicate Add: got %v, want AlreadyExists", err)
	}

	if r.First() != a || r.Next(a) != c || r.Next(c) != nil {
		t.Fatalf("unexpected enumeration order")
	}

	if got := r.TotalBytes(); got != 12288 {
		t.Fatalf("TotalBytes = %d, want 12288", got)
	}

	if _, err := r.Lookup("nope"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("Lookup unknown: got %v, want NotFound", err)
	}

	b, off, ok := r.FindHost(c.HostAddr() + 100)
	if !ok || b != c || off != 100 {
		t.Fatalf("FindHost = (%v, %d, %v)", b, off, ok)
	}
}

func TestRegistryResizeRunsHooks(t *testing.T) {
	t.Parallel()

	r := memory.NewRegistry()
	b := mustBlock(t, memory.Config{
		Name: "ram0", Size: 4096, MaxSize: 4 * 4096, Flags: memory.Resizeable,
	})

	if err := r.Add(b); err != nil {
		t.Fatal(err)
	}

	var gotOld, gotNew uint64

	r.OnResize(func(_ *memory.Block, oldLen, newLen uint64) error {
		gotOld, gotNew = oldLen, newLen

		return nil
	})

	if err := r.Resize("ram0", 3*4096); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	if gotOld != 4096 || gotNew != 3*4096 {
		t.Fatalf("hook saw (%d, %d), want (4096, 12288)", gotOld, gotNew)
	}

	if err := r.Resize("ram0", 5*4096); err == nil {
		t.Fatalf("Resize past max succeeded")
	}
}

func TestResizeHookUnregister(t *testing.T) {
	t.Parallel()

	r := memory.NewRegistry()
	b := mustBlock(t, memory.Config{
		Name: "ram0", Size: 4096, MaxSize: 4 * 4096, Flags: memory.Resizeable,
	})

	if err := r.Add(b); err != nil {
		t.Fatal(err)
	}

	var first, second int

	unhook := r.OnResize(func(*memory.Block, uint64, uint64) error {
		first++

		return nil
	})
	r.OnResize(func(*memory.Block, uint64, uint64) error {
		second++

		return nil
	})

	if err := r.Resize("ram0", 2*4096); err != nil {
		t.Fatal(err)
	}

	unhook()
	unhook()

	if err := r.Resize("ram0", 3*4096); err != nil {
		t.Fatal(err)
	}

	if first != 1 || second != 2 {
		t.Fatalf("hooks ran %d and %d times, want 1 and 2", first, second)
	}
}
