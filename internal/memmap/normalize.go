package memmap

import (
	"fmt"
	"sort"
)

// Normalize turns raw firmware entries into a canonical map: zero-length
// entries dropped, entries sorted by base, overlaps split with the
// higher-precedence type winning, and adjacent regions of identical
// type and attributes merged. Normalizing an already-normalized map is
// the identity.
func Normalize(raw []Region) (Map, error) {
	entries := make([]Region, 0, len(raw))
	for _, r := range raw {
		if r.Length == 0 {
			continue
		}
		if r.Base+r.Length < r.Base {
			return Map{}, fmt.Errorf("%w: raw region %s", ErrAddressOverflow, r)
		}
		entries = append(entries, r)
	}
	if len(entries) == 0 {
		return Map{}, ErrNoMemoryMap
	}

	// Boundary sweep: cut the address space at every region edge and
	// classify each elementary interval by the highest-precedence
	// covering entry.
	edges := make([]uint64, 0, len(entries)*2)
	for _, r := range entries {
		edges = append(edges, r.Base, r.End())
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
	edges = dedupe(edges)

	var out []Region
	for i := 0; i+1 < len(edges); i++ {
		base, end := edges[i], edges[i+1]
		var winner *Region
		for idx := range entries {
			r := &entries[idx]
			if r.Base <= base && end <= r.End() {
				if winner == nil || r.Type.precedence() > winner.Type.precedence() {
					winner = r
				}
			}
		}
		if winner == nil {
			continue // gap between regions
		}
		out = appendMerged(out, Region{
			Base:   base,
			Length: end - base,
			Type:   winner.Type,
			Attrs:  winner.Attrs,
		})
	}

	if len(out) > MaxRegions {
		return Map{}, fmt.Errorf("%w: %d regions after normalization (cap %d)", ErrMemoryMapTooLarge, len(out), MaxRegions)
	}

	m := Map{regions: out}
	if err := m.Validate(); err != nil {
		return Map{}, err
	}
	return m, nil
}

func dedupe(sorted []uint64) []uint64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// appendMerged appends a region, coalescing it with the previous entry
// when the two are adjacent and of identical type and attributes.
func appendMerged(regions []Region, r Region) []Region {
	if n := len(regions); n > 0 {
		prev := &regions[n-1]
		if prev.End() == r.Base && prev.Type == r.Type && prev.Attrs == r.Attrs {
			prev.Length += r.Length
			return regions
		}
	}
	return append(regions, r)
}
