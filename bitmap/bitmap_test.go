package bitmap_test

import (
	"testing"

	"github.com/bobuhiro11/gomigrate/bitmap"
)

// ---- single bits ------------------------------------------------------------

func TestSetClearReturnsPrior(t *testing.T) {
	t.Parallel()

	b := bitmap.New(130)

	if b.Set(129) {
		t.Fatalf("Set(129) on empty bitmap returned true")
	}

	if !b.Set(129) {
		t.Fatalf("second Set(129) returned false")
	}

	if !b.Clear(129) {
		t.Fatalf("Clear(129) returned false, want true")
	}

	if b.Test(129) {
		t.Fatalf("bit 129 still set after Clear")
	}

	if b.Set(500) || b.Test(500) {
		t.Fatalf("out of range bit should be ignored")
	}
}

func TestAtomicAccessors(t *testing.T) {
	t.Parallel()

	b := bitmap.New(64)

	if b.SetAtomic(63) {
		t.Fatalf("SetAtomic(63) returned true on empty bitmap")
	}

	if !b.TestAtomic(63) {
		t.Fatalf("TestAtomic(63) = false after SetAtomic")
	}

	if !b.ClearAtomic(63) {
		t.Fatalf("ClearAtomic(63) = false, want true")
	}

	if b.Count() != 0 {
		t.Fatalf("got count %d, want 0", b.Count())
	}
}

// ---- ranges -----------------------------------------------------------------

func TestSetRangeCountsNewBits(t *testing.T) {
	t.Parallel()

	b := bitmap.New(200)
	b.Set(70)

	if got := b.SetRange(60, 80); got != 79 {
		t.Fatalf("SetRange newly set = %d, want 79", got)
	}

	if got := b.Count(); got != 80 {
		t.Fatalf("Count = %d, want 80", got)
	}

	if got := b.CountRange(0, 64); got != 4 {
		t.Fatalf("CountRange(0,64) = %d, want 4", got)
	}

	if got := b.ClearRange(100, 1000); got != 40 {
		t.Fatalf("ClearRange cleared %d, want 40", got)
	}
}

func TestNewFullHasNoStrayBits(t *testing.T) {
	t.Parallel()

	b := bitmap.NewFull(70)

	if got := b.Count(); got != 70 {
		t.Fatalf("got count %d, want 70", got)
	}

	b.Complement()

	if got := b.Count(); got != 0 {
		t.Fatalf("complement of full bitmap has %d bits, want 0", got)
	}
}

// ---- searching --------------------------------------------------------------

func TestNextSetAndNextClear(t *testing.T) {
	t.Parallel()

	b := bitmap.New(300)
	b.Set(5)
	b.Set(64)
	b.Set(299)

	for _, test := range []struct {
		from, want uint64
	}{
		{0, 5},
		{5, 5},
		{6, 64},
		{65, 299},
		{300, 300},
	} {
		if got := b.NextSet(test.from); got != test.want {
			t.Errorf("NextSet(%d) = %d, want %d", test.from, got, test.want)
		}
	}

	b.SetRange(0, 300)
	b.Clear(128)

	if got := b.NextClear(0); got != 128 {
		t.Fatalf("NextClear(0) = %d, want 128", got)
	}

	if got := b.NextClear(129); got != 300 {
		t.Fatalf("NextClear(129) = %d, want 300", got)
	}
}

func TestRuns(t *testing.T) {
	t.Parallel()

	b := bitmap.New(140)
	b.SetRange(3, 2)
	b.SetRange(60, 10)
	b.Set(139)

	type run struct{ start, n uint64 }

	var got []run

	if err := b.Runs(func(start, n uint64) error {
		got = append(got, run{start, n})

		return nil
	}); err != nil {
		t.Fatal(err)
	}

	want := []run{{3, 2}, {60, 10}, {139, 1}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("run %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

// ---- growth and merging -----------------------------------------------------

func TestGrowPreservesPrefix(t *testing.T) {
	t.Parallel()

	b := bitmap.NewFull(10)
	b.Grow(1000)

	if got := b.Len(); got != 1000 {
		t.Fatalf("Len = %d, want 1000", got)
	}

	if got := b.Count(); got != 10 {
		t.Fatalf("Count = %d, want 10", got)
	}

	if b.Test(10) {
		t.Fatalf("grown bit 10 should be clear")
	}
}

func TestOrIgnoresBitsPastLen(t *testing.T) {
	t.Parallel()

	b := bitmap.New(4)
	b.Set(0)

	if got := b.Or([]uint64{0xff}); got != 3 {
		t.Fatalf("Or newly set = %d, want 3", got)
	}

	if got := b.Count(); got != 4 {
		t.Fatalf("Count = %d, want 4", got)
	}
}

func TestLittleEndianEncoding(t *testing.T) {
	t.Parallel()

	b := bitmap.New(70)
	b.Set(0)
	b.Set(65)

	data := b.MarshalLE()
	if len(data) != 16 {
		t.Fatalf("encoded %d bytes, want 16", len(data))
	}

	if data[0] != 0x01 || data[8] != 0x02 {
		t.Fatalf("unexpected layout % x", data)
	}

	if _, err := bitmap.UnmarshalLE(data[:8], 70); err == nil {
		t.Fatalf("UnmarshalLE on short buffer succeeded")
	}

	c, err := bitmap.UnmarshalLE(data, 70)
	if err != nil {
		t.Fatal(err)
	}

	if !c.Test(65) || c.Count() != 2 {
		t.Fatalf("decoded bitmap differs")
	}
}
