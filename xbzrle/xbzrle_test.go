package xbzrle_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/bobuhiro11/gomigrate/xbzrle"
	"github.com/juju/errors"
)

const pageSize = 4096

func randomPage(rng *rand.Rand) []byte {
	p := make([]byte, pageSize)
	rng.Read(p)

	return p
}

// ---- encode / decode --------------------------------------------------------

func TestDeltaRestoresPage(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		old := randomPage(rng)
		cur := bytes.Clone(old)

		// A few runs of changed bytes, some touching the page ends.
		for n := rng.Intn(6); n > 0; n-- {
			at := rng.Intn(pageSize)
			end := min(pageSize, at+1+rng.Intn(300))

			for j := at; j < end; j++ {
				cur[j] = ^old[j]
			}
		}

		enc := make([]byte, pageSize)

		n, err := xbzrle.Encode(enc, old, cur)
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}

		dst := bytes.Clone(old)
		if _, err := xbzrle.Decode(dst, enc[:n]); err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}

		if !bytes.Equal(dst, cur) {
			t.Fatalf("case %d: decoded page differs", i)
		}
	}
}

func TestUnchangedPageEncodesToNothing(t *testing.T) {
	t.Parallel()

	old := randomPage(rand.New(rand.NewSource(1)))

	n, err := xbzrle.Encode(make([]byte, pageSize), old, bytes.Clone(old))
	if err != nil || n != 0 {
		t.Fatalf("got %d bytes, %v; want 0", n, err)
	}
}

func TestSmallChangeEncoding(t *testing.T) {
	t.Parallel()

	old := make([]byte, pageSize)
	cur := bytes.Clone(old)
	cur[200], cur[201] = 1, 2

	enc := make([]byte, pageSize)

	n, err := xbzrle.Encode(enc, old, cur)
	if err != nil {
		t.Fatal(err)
	}

	// 200 as two ULEB128 bytes, run length 2, the two bytes.
	if want := []byte{0xc8, 0x01, 0x02, 1, 2}; !bytes.Equal(enc[:n], want) {
		t.Fatalf("encoded % x, want % x", enc[:n], want)
	}
}

func TestEncodeOverflow(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	old := randomPage(rng)

	cur := bytes.Clone(old)
	for i := range cur {
		cur[i] = ^cur[i]
	}

	if _, err := xbzrle.Encode(make([]byte, pageSize), old, cur); !errors.Is(err, xbzrle.ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}

	// Every other byte changed costs more than the page too.
	alt := bytes.Clone(old)
	for i := 0; i < pageSize; i += 2 {
		alt[i] = ^alt[i]
	}

	if _, err := xbzrle.Encode(make([]byte, pageSize), old, alt); !errors.Is(err, xbzrle.ErrOverflow) {
		t.Fatalf("alternating bytes: got %v, want ErrOverflow", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		delta []byte
	}{
		{"Truncated", []byte{0x05}},
		{"NoChangedBytes", []byte{0x05, 0x00}},
		{"ChangedBytesMissing", []byte{0x00, 0x04, 1, 2}},
		{"EmptyZeroRunAfterFirst", []byte{0x00, 0x01, 9, 0x00, 0x01, 9}},
		{"LengthOverTwoBytes", []byte{0xff, 0xff, 0x01, 0x01, 9}},
		{"PastPageEnd", []byte{0xff, 0x1f, 0x02, 1, 2}},
	} {
		if _, err := xbzrle.Decode(make([]byte, pageSize), test.delta); !errors.Is(err, errors.NotValid) {
			t.Errorf("%s: got %v, want NotValid", test.name, err)
		}
	}
}

// ---- cache ------------------------------------------------------------------

func TestCacheRoundsToPowerOfTwo(t *testing.T) {
	t.Parallel()

	c, err := xbzrle.NewCache(5*pageSize+100, pageSize)
	if err != nil {
		t.Fatal(err)
	}

	if c.Pages() != 4 {
		t.Fatalf("got %d slots, want 4", c.Pages())
	}

	if _, err := xbzrle.NewCache(pageSize-1, pageSize); !errors.Is(err, errors.NotValid) {
		t.Fatalf("cache smaller than a page: %v", err)
	}
}

func TestCacheInsertAndLookup(t *testing.T) {
	t.Parallel()

	c, err := xbzrle.NewCache(16*pageSize, pageSize)
	if err != nil {
		t.Fatal(err)
	}

	page := bytes.Repeat([]byte{0x5a}, pageSize)

	if c.Lookup("ram0", 3*pageSize) != nil {
		t.Fatal("empty cache hit")
	}

	cached := c.Insert("ram0", 3*pageSize, page, 0)
	if !bytes.Equal(cached, page) {
		t.Fatal("inserted copy differs")
	}

	page[0] = 0

	got := c.Lookup("ram0", 3*pageSize)
	if got == nil || got[0] != 0x5a {
		t.Fatal("cache does not hold its own copy")
	}

	if c.Lookup("ram1", 3*pageSize) != nil || c.Lookup("ram0", 4*pageSize) != nil {
		t.Fatal("hit for another page")
	}

	if hits, misses := c.Stats(); hits != 1 || misses != 3 {
		t.Fatalf("hits %d misses %d", hits, misses)
	}
}

func TestCacheKeepsFreshPages(t *testing.T) {
	t.Parallel()

	// One slot: every page collides.
	c, err := xbzrle.NewCache(pageSize, pageSize)
	if err != nil {
		t.Fatal(err)
	}

	page := make([]byte, pageSize)

	if c.Insert("ram0", 0, page, 10) == nil {
		t.Fatal("insert into an empty slot refused")
	}

	if c.Insert("ram0", pageSize, page, 11) != nil {
		t.Fatal("fresh page replaced")
	}

	if c.Insert("ram0", 0, page, 11) == nil {
		t.Fatal("update of the cached page refused")
	}

	if c.Insert("ram0", pageSize, page, 13) == nil {
		t.Fatal("stale page kept")
	}

	if c.Lookup("ram0", 0) != nil || c.Lookup("ram0", pageSize) == nil {
		t.Fatal("slot does not hold the newer page")
	}
}
