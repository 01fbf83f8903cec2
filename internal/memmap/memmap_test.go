package memmap

import (
	"errors"
	"testing"
)

func TestNormalizeDropsZeroLengthAndSorts(t *testing.T) {
	m, err := Normalize([]Region{
		{Base: 0x100000, Length: 0x100000, Type: TypeUsable},
		{Base: 0x5000, Length: 0, Type: TypeReserved},
		{Base: 0x0, Length: 0x9F000, Type: TypeUsable},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("region count = %d, want 2", m.Len())
	}
	if m.At(0).Base != 0 || m.At(1).Base != 0x100000 {
		t.Fatalf("regions not sorted: %v", m.Regions())
	}
}

func TestNormalizeEmptyIsNoMemoryMap(t *testing.T) {
	if _, err := Normalize(nil); !errors.Is(err, ErrNoMemoryMap) {
		t.Fatalf("err = %v, want ErrNoMemoryMap", err)
	}
	if _, err := Normalize([]Region{{Base: 0x1000, Length: 0}}); !errors.Is(err, ErrNoMemoryMap) {
		t.Fatalf("err = %v, want ErrNoMemoryMap for all-zero-length input", err)
	}
}

func TestNormalizeOverlapPrecedence(t *testing.T) {
	// Reserved beats Usable on the overlapping middle stretch.
	m, err := Normalize([]Region{
		{Base: 0x0, Length: 0x300000, Type: TypeUsable},
		{Base: 0x100000, Length: 0x100000, Type: TypeReserved},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []Region{
		{Base: 0x0, Length: 0x100000, Type: TypeUsable},
		{Base: 0x100000, Length: 0x100000, Type: TypeReserved},
		{Base: 0x200000, Length: 0x100000, Type: TypeUsable},
	}
	got := m.Regions()
	if len(got) != len(want) {
		t.Fatalf("regions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("region[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNormalizeUsableBeatsBadRam(t *testing.T) {
	m, err := Normalize([]Region{
		{Base: 0x0, Length: 0x2000, Type: TypeBadRam},
		{Base: 0x0, Length: 0x2000, Type: TypeUsable},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if m.Len() != 1 || m.At(0).Type != TypeUsable {
		t.Fatalf("regions = %v, want one usable region", m.Regions())
	}
}

func TestNormalizeMergesAdjacentSameType(t *testing.T) {
	m, err := Normalize([]Region{
		{Base: 0x0, Length: 0x1000, Type: TypeUsable},
		{Base: 0x1000, Length: 0x1000, Type: TypeUsable},
		{Base: 0x2000, Length: 0x1000, Type: TypeUsable, Attrs: AttrRuntime},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("regions = %v, want merge of first two only", m.Regions())
	}
	if m.At(0).Length != 0x2000 {
		t.Fatalf("merged length = %#x, want 0x2000", m.At(0).Length)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	m, err := Normalize([]Region{
		{Base: 0x0, Length: 0x9F000, Type: TypeUsable},
		{Base: 0x9F000, Length: 0x61000, Type: TypeReserved},
		{Base: 0x100000, Length: 0x7EE00000, Type: TypeUsable},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	again, err := Normalize(m.Regions())
	if err != nil {
		t.Fatalf("Normalize(normalized): %v", err)
	}
	if !m.Equal(again) {
		t.Fatalf("normalizer not idempotent: %v vs %v", m.Regions(), again.Regions())
	}
}

func TestNormalizeRejectsWrappingRegion(t *testing.T) {
	_, err := Normalize([]Region{{Base: ^uint64(0) - 0xFFF, Length: 0x2000, Type: TypeUsable}})
	if !errors.Is(err, ErrAddressOverflow) {
		t.Fatalf("err = %v, want ErrAddressOverflow", err)
	}
}

func TestNormalizeRegionCap(t *testing.T) {
	raw := make([]Region, MaxRegions+1)
	for i := range raw {
		// Alternate types so nothing merges.
		typ := TypeUsable
		if i%2 == 1 {
			typ = TypeReserved
		}
		raw[i] = Region{Base: uint64(i) * 0x1000, Length: 0x1000, Type: typ}
	}
	if _, err := Normalize(raw); !errors.Is(err, ErrMemoryMapTooLarge) {
		t.Fatalf("err = %v, want ErrMemoryMapTooLarge", err)
	}
}

func TestReserveSplitsAtBoundaries(t *testing.T) {
	m, err := Normalize([]Region{{Base: 0x100000, Length: 0x1000000, Type: TypeUsable}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	reserved, err := m.Reserve(0x200000, 0x100000, TypeBootloader)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	want := []Region{
		{Base: 0x100000, Length: 0x100000, Type: TypeUsable},
		{Base: 0x200000, Length: 0x100000, Type: TypeBootloader},
		{Base: 0x300000, Length: 0xE00000, Type: TypeUsable},
	}
	got := reserved.Regions()
	if len(got) != len(want) {
		t.Fatalf("regions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("region[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	// The receiver is untouched.
	if m.Len() != 1 {
		t.Fatalf("Reserve mutated its receiver: %v", m.Regions())
	}
}

func TestReserveBackToUsableMerges(t *testing.T) {
	m, err := Normalize([]Region{{Base: 0x0, Length: 0x400000, Type: TypeUsable}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	withScratch, err := m.Reserve(0x100000, 0x100000, TypeBootloader)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	released, err := withScratch.Reserve(0x100000, 0x100000, TypeUsable)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Equal(m) {
		t.Fatalf("release did not restore the original map: %v", released.Regions())
	}
}

func TestFindUsableRespectsAlignmentAndMinBase(t *testing.T) {
	m, err := Normalize([]Region{
		{Base: 0x0, Length: 0x9F000, Type: TypeUsable},
		{Base: 0x100000, Length: 0x7EE00000, Type: TypeUsable},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	base, region, ok := m.FindUsable(0x100000, 0x1000, 0x1000000)
	if !ok {
		t.Fatal("FindUsable found nothing")
	}
	if base != 0x1000000 {
		t.Fatalf("base = %#x, want 0x1000000", base)
	}
	if region.Base != 0x100000 {
		t.Fatalf("containing region = %v", region)
	}

	if _, _, ok := m.FindUsable(0x100000000, 0x1000, 0); ok {
		t.Fatal("FindUsable found room for an impossible size")
	}
}

func TestFindUsableTopPicksHighestBelowLimit(t *testing.T) {
	m, err := Normalize([]Region{
		{Base: 0x0, Length: 0x9F000, Type: TypeUsable},
		{Base: 0x100000, Length: 0x1FFF00000, Type: TypeUsable},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	// The limit models the top of backed RAM: the map reaches 8 GiB but
	// the allocation must land below 128 MiB.
	base, region, ok := m.FindUsableTop(0x10000, 16, 128<<20)
	if !ok {
		t.Fatal("FindUsableTop found nothing")
	}
	if base != 128<<20-0x10000 {
		t.Fatalf("base = %#x, want %#x", base, 128<<20-0x10000)
	}
	if region.Base != 0x100000 {
		t.Fatalf("containing region = %v", region)
	}

	// Without a binding limit the highest usable base wins.
	base, _, ok = m.FindUsableTop(0x1000, 0x1000, ^uint64(0))
	if !ok || base != 0x100000+0x1FFF00000-0x1000 {
		t.Fatalf("base = %#x, ok = %v", base, ok)
	}

	// A limit below every usable region finds nothing.
	if _, _, ok := m.FindUsableTop(0x200000, 0x1000, 0x9F000); ok {
		t.Fatal("FindUsableTop found room below the low region's capacity")
	}
}

func TestTotals(t *testing.T) {
	m, err := Normalize([]Region{
		{Base: 0x0, Length: 0x1000, Type: TypeUsable},
		{Base: 0x1000, Length: 0x2000, Type: TypeBootloader},
		{Base: 0x3000, Length: 0x4000, Type: TypeReserved},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	totals := m.Totals()
	if totals.Total != 0x7000 || totals.Usable != 0x1000 || totals.Bootloader != 0x2000 {
		t.Fatalf("Totals = %+v", totals)
	}
}

func TestContainsRange(t *testing.T) {
	m, err := Normalize([]Region{{Base: 0x1000, Length: 0x2000, Type: TypeUsable}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !m.ContainsRange(0x1800, 0x800, TypeUsable) {
		t.Fatal("range inside usable region not found")
	}
	if m.ContainsRange(0x2800, 0x1000, TypeUsable) {
		t.Fatal("range crossing region end reported as contained")
	}
	if m.ContainsRange(0x1800, 0x800, TypeBootloader) {
		t.Fatal("type mismatch reported as contained")
	}
}
