// Package memmap models the canonical physical memory map: an ordered,
// non-overlapping list of typed regions. The map is the authoritative
// description of what memory exists and who owns it from acquisition
// until hand-off.
package memmap

import (
	"errors"
	"fmt"
)

var (
	ErrNoMemoryMap       = errors.New("no memory map source yielded any entries")
	ErrMemoryMapTooLarge = errors.New("memory map exceeds region cap")
	ErrAddressOverflow   = errors.New("region arithmetic overflows the physical address space")
	ErrInvalidRegion     = errors.New("invalid memory region")
)

// MaxRegions caps how many regions a normalized map may carry. The cap
// is part of the no-allocator discipline: everything downstream sizes
// its buffers for at most this many entries.
const MaxRegions = 256

// Type classifies a physical region. The numeric values are stable:
// they are serialized verbatim into the boot-info record.
type Type uint32

const (
	TypeUsable      Type = 1
	TypeReserved    Type = 2
	TypeAcpiReclaim Type = 3
	TypeAcpiNvs     Type = 4
	TypeBadRam      Type = 5
	TypeBootloader  Type = 6
	TypeFramebuffer Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeUsable:
		return "usable"
	case TypeReserved:
		return "reserved"
	case TypeAcpiReclaim:
		return "acpi-reclaim"
	case TypeAcpiNvs:
		return "acpi-nvs"
	case TypeBadRam:
		return "bad-ram"
	case TypeBootloader:
		return "bootloader"
	case TypeFramebuffer:
		return "framebuffer"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// precedence orders types for overlap resolution: when two raw entries
// claim the same range, the higher precedence wins.
func (t Type) precedence() int {
	switch t {
	case TypeReserved:
		return 7
	case TypeAcpiNvs:
		return 6
	case TypeAcpiReclaim:
		return 5
	case TypeFramebuffer:
		return 4
	case TypeBootloader:
		return 3
	case TypeUsable:
		return 2
	case TypeBadRam:
		return 1
	default:
		return 0
	}
}

// Attr is a per-region attribute bitset carried verbatim from the
// firmware source into the boot-info record.
type Attr uint32

const (
	AttrRead    Attr = 1 << 0
	AttrWrite   Attr = 1 << 1
	AttrExecute Attr = 1 << 2
	AttrRuntime Attr = 1 << 3 // firmware runtime services; never touched
)

// Region is a single physical range. Length is always non-zero in a
// normalized map and Base+Length never wraps.
type Region struct {
	Base   uint64
	Length uint64
	Type   Type
	Attrs  Attr
}

// End returns the exclusive end address.
func (r Region) End() uint64 { return r.Base + r.Length }

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", r.Base, r.End(), r.Type)
}

func (r Region) contains(base, length uint64) bool {
	return base >= r.Base && base+length <= r.End()
}

// Map is an ordered, non-overlapping sequence of regions. The zero
// value is an empty map. Maps are value types: operations return new
// maps and never mutate their receiver.
type Map struct {
	regions []Region
}

// Regions returns a copy of the region list.
func (m Map) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// Len returns the number of regions.
func (m Map) Len() int { return len(m.regions) }

// At returns the i-th region.
func (m Map) At(i int) Region { return m.regions[i] }

// Equal reports whether two maps carry identical regions.
func (m Map) Equal(other Map) bool {
	if len(m.regions) != len(other.regions) {
		return false
	}
	for i, r := range m.regions {
		if r != other.regions[i] {
			return false
		}
	}
	return true
}

// Validate checks the normalized-map invariants: sorted by base, no
// zero-length entries, no overlapping entries, no wrapping ranges.
func (m Map) Validate() error {
	for i, r := range m.regions {
		if r.Length == 0 {
			return fmt.Errorf("%w: zero-length region at %#x", ErrInvalidRegion, r.Base)
		}
		if r.Base+r.Length < r.Base {
			return fmt.Errorf("%w: region %s", ErrAddressOverflow, r)
		}
		if i > 0 {
			prev := m.regions[i-1]
			if r.Base < prev.Base {
				return fmt.Errorf("%w: region %s sorted after %s", ErrInvalidRegion, r, prev)
			}
			if r.Base < prev.End() {
				return fmt.Errorf("%w: region %s overlaps %s", ErrInvalidRegion, r, prev)
			}
		}
	}
	return nil
}

// Totals summarizes the map for transition logging.
type Totals struct {
	Total      uint64
	Usable     uint64
	Bootloader uint64
}

func (m Map) Totals() Totals {
	var t Totals
	for _, r := range m.regions {
		t.Total += r.Length
		switch r.Type {
		case TypeUsable:
			t.Usable += r.Length
		case TypeBootloader:
			t.Bootloader += r.Length
		}
	}
	return t
}

// LargestUsable returns the largest usable region, or false when the
// map has none.
func (m Map) LargestUsable() (Region, bool) {
	var best Region
	var found bool
	for _, r := range m.regions {
		if r.Type == TypeUsable && r.Length > best.Length {
			best = r
			found = true
		}
	}
	return best, found
}

// FindUsable locates the lowest aligned base >= minBase inside a single
// usable region with room for length bytes. The returned region is the
// containing usable region, not the carved range.
func (m Map) FindUsable(length, align, minBase uint64) (uint64, Region, bool) {
	if length == 0 {
		return 0, Region{}, false
	}
	for _, r := range m.regions {
		if r.Type != TypeUsable {
			continue
		}
		base := r.Base
		if base < minBase {
			base = minBase
		}
		base = alignUp(base, align)
		if base < r.Base { // alignUp wrapped
			continue
		}
		if base+length < base { // range wraps
			continue
		}
		if base+length <= r.End() {
			return base, r, true
		}
	}
	return 0, Region{}, false
}

// FindUsableTop locates the highest aligned base inside a single usable
// region such that [base, base+length) fits entirely below the given
// limit. The returned region is the containing usable region.
func (m Map) FindUsableTop(length, align, below uint64) (uint64, Region, bool) {
	if length == 0 {
		return 0, Region{}, false
	}
	for i := len(m.regions) - 1; i >= 0; i-- {
		r := m.regions[i]
		if r.Type != TypeUsable {
			continue
		}
		top := r.End()
		if top > below {
			top = below
		}
		if top < r.Base || top-r.Base < length {
			continue
		}
		base := alignDown(top-length, align)
		if base < r.Base {
			continue
		}
		return base, r, true
	}
	return 0, Region{}, false
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}
