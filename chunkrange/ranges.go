// Package chunkrange maintains sorted sets of inclusive chunk-number ranges.
//
// A compacted list is sorted by Start and holds no overlapping or adjacent
// ranges: for consecutive entries a, b it always holds that a.End+1 < b.Start.
// All mutating helpers return a new compacted list and leave the input
// untouched.
package chunkrange

import (
	"fmt"
	"math"
	"sort"
)

// Range is an inclusive span of chunk numbers.
type Range struct {
	Start uint32 `json:"start" msgpack:"s"`
	End   uint32 `json:"end" msgpack:"e"`
}

// Len returns the number of chunk numbers in r.
func (r Range) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return uint64(r.End-r.Start) + 1
}

// Contains reports whether n lies within r.
func (r Range) Contains(n uint32) bool {
	return r.Start <= n && n <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// touches reports whether b starts inside a or right after it.
func touches(a, b Range) bool {
	return a.End == math.MaxUint32 || b.Start <= a.End+1
}

// Compact sorts ranges by start and merges overlapping or adjacent entries
// in one left-to-right pass. Inverted ranges (End < Start) are dropped.
func Compact(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.End >= r.Start {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := sorted[:0]
	for _, r := range sorted {
		if n := len(out); n > 0 && touches(out[n-1], r) {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Add inserts r into a compacted list.
func Add(ranges []Range, r Range) []Range {
	next := make([]Range, 0, len(ranges)+1)
	next = append(next, ranges...)
	next = append(next, r)
	return Compact(next)
}

// AddChunk inserts a single chunk number.
func AddChunk(ranges []Range, n uint32) []Range {
	return Add(ranges, Range{Start: n, End: n})
}

// Contains reports whether n is covered by a compacted list.
func Contains(ranges []Range, n uint32) bool {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End >= n })
	return i < len(ranges) && ranges[i].Start <= n
}

// Remove subtracts r from a compacted list.
func Remove(ranges []Range, r Range) []Range {
	var out []Range
	for _, cur := range ranges {
		if cur.End < r.Start || cur.Start > r.End {
			out = append(out, cur)
			continue
		}
		if cur.Start < r.Start {
			out = append(out, Range{Start: cur.Start, End: r.Start - 1})
		}
		if cur.End > r.End {
			out = append(out, Range{Start: r.End + 1, End: cur.End})
		}
	}
	return out
}

// Count returns how many chunk numbers a compacted list covers.
func Count(ranges []Range) uint64 {
	var n uint64
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

// Missing returns the complement of a compacted list within [0, total).
func Missing(ranges []Range, total uint32) []Range {
	if total == 0 {
		return nil
	}
	var out []Range
	var next uint32
	for _, r := range ranges {
		if r.Start >= total {
			break
		}
		if r.Start > next {
			out = append(out, Range{Start: next, End: r.Start - 1})
		}
		if r.End >= total-1 {
			return out
		}
		next = r.End + 1
	}
	return append(out, Range{Start: next, End: total - 1})
}

// CacheChunkIndexOf maps a wire chunk number onto its cache chunk.
func CacheChunkIndexOf(chunkNumber, factor uint32) uint32 {
	return chunkNumber / factor
}

// CacheChunkBounds returns the wire chunk numbers held by cache chunk index.
func CacheChunkBounds(index, factor uint32) Range {
	start := uint64(index) * uint64(factor)
	end := start + uint64(factor) - 1
	if end > math.MaxUint32 {
		end = math.MaxUint32
	}
	return Range{Start: uint32(start), End: uint32(end)}
}

// Search binary-searches s, sorted ascending by key, for target. It returns
// the index of the match, or -(insertion index)-1 when target is absent.
func Search[T any](s []T, target uint32, key func(T) uint32) int {
	lo, hi := 0, len(s)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch k := key(s[mid]); {
		case k == target:
			return mid
		case k < target:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -lo - 1
}
