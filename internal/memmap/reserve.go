package memmap

import "fmt"

// Reserve returns a new map with [base, base+length) reclassified to
// newType, splitting regions at the boundaries. Parts of the range that
// fall outside the map are ignored; the caller checks containment when
// it needs it (staging allocation does). Explicit reclassification wins
// unconditionally: Reserve also returns ranges to Usable after a
// compressed source region is released.
func (m Map) Reserve(base, length uint64, newType Type) (Map, error) {
	if length == 0 {
		return Map{}, fmt.Errorf("%w: zero-length reservation at %#x", ErrInvalidRegion, base)
	}
	end := base + length
	if end < base {
		return Map{}, fmt.Errorf("%w: reservation [%#x, +%#x)", ErrAddressOverflow, base, length)
	}

	out := make([]Region, 0, len(m.regions)+2)
	for _, r := range m.regions {
		if end <= r.Base || base >= r.End() {
			out = appendMerged(out, r)
			continue
		}

		if base > r.Base {
			out = appendMerged(out, Region{
				Base:   r.Base,
				Length: base - r.Base,
				Type:   r.Type,
				Attrs:  r.Attrs,
			})
		}

		cutStart := max(base, r.Base)
		cutEnd := min(end, r.End())
		out = appendMerged(out, Region{
			Base:   cutStart,
			Length: cutEnd - cutStart,
			Type:   newType,
			Attrs:  r.Attrs,
		})

		if cutEnd < r.End() {
			out = appendMerged(out, Region{
				Base:   cutEnd,
				Length: r.End() - cutEnd,
				Type:   r.Type,
				Attrs:  r.Attrs,
			})
		}
	}

	if len(out) > MaxRegions {
		return Map{}, fmt.Errorf("%w: %d regions after reservation (cap %d)", ErrMemoryMapTooLarge, len(out), MaxRegions)
	}

	res := Map{regions: out}
	if err := res.Validate(); err != nil {
		return Map{}, err
	}
	return res, nil
}

// TypeAt returns the type covering addr, or false when addr is outside
// the map.
func (m Map) TypeAt(addr uint64) (Type, bool) {
	for _, r := range m.regions {
		if addr >= r.Base && addr < r.End() {
			return r.Type, true
		}
	}
	return 0, false
}

// ContainsRange reports whether [base, base+length) lies entirely
// within a single region of type t.
func (m Map) ContainsRange(base, length uint64, t Type) bool {
	if length == 0 || base+length < base {
		return false
	}
	for _, r := range m.regions {
		if r.Type == t && r.contains(base, length) {
			return true
		}
	}
	return false
}
