package chunkrange

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompact(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		want []Range
	}{
		{name: "empty", in: nil, want: nil},
		{name: "single", in: []Range{{3, 5}}, want: []Range{{3, 5}}},
		{name: "unsorted_overlap", in: []Range{{10, 12}, {1, 4}, {3, 6}}, want: []Range{{1, 6}, {10, 12}}},
		{name: "adjacent_merged", in: []Range{{1, 2}, {3, 4}}, want: []Range{{1, 4}}},
		{name: "contained", in: []Range{{0, 100}, {5, 6}}, want: []Range{{0, 100}}},
		{name: "inverted_dropped", in: []Range{{5, 1}, {7, 7}}, want: []Range{{7, 7}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compact(tt.in))
		})
	}
}

func TestCompactIdempotentAndOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		var in []Range
		for j := rng.Intn(12); j > 0; j-- {
			s := uint32(rng.Intn(100))
			in = append(in, Range{Start: s, End: s + uint32(rng.Intn(10))})
		}
		once := Compact(in)
		assert.Equal(t, once, Compact(once))
		for k := 1; k < len(once); k++ {
			assert.Less(t, once[k-1].End+1, once[k].Start, "ranges must be strictly increasing and non-adjacent")
		}
	}
}

func TestAddContainsRemove(t *testing.T) {
	var rs []Range
	rs = AddChunk(rs, 4)
	rs = AddChunk(rs, 5)
	rs = Add(rs, Range{10, 20})
	assert.Equal(t, []Range{{4, 5}, {10, 20}}, rs)

	assert.True(t, Contains(rs, 4))
	assert.True(t, Contains(rs, 15))
	assert.False(t, Contains(rs, 6))
	assert.False(t, Contains(rs, 21))

	rs = Remove(rs, Range{12, 13})
	assert.Equal(t, []Range{{4, 5}, {10, 11}, {14, 20}}, rs)
	assert.Equal(t, uint64(11), Count(rs))

	rs = Remove(rs, Range{0, 10})
	assert.Equal(t, []Range{{11, 11}, {14, 20}}, rs)
}

func TestMissing(t *testing.T) {
	assert.Equal(t, []Range{{0, 9}}, Missing(nil, 10))
	assert.Equal(t, []Range{{0, 2}, {6, 9}}, Missing([]Range{{3, 5}}, 10))
	assert.Nil(t, Missing([]Range{{0, 9}}, 10))
	assert.Equal(t, []Range{{5, 7}}, Missing([]Range{{0, 4}, {8, 20}}, 10))
	assert.Nil(t, Missing(nil, 0))
}

func TestCacheChunkIndex(t *testing.T) {
	assert.Equal(t, uint32(0), CacheChunkIndexOf(255, 256))
	assert.Equal(t, uint32(1), CacheChunkIndexOf(256, 256))
	assert.Equal(t, Range{512, 767}, CacheChunkBounds(2, 256))
}

func TestSearch(t *testing.T) {
	s := []uint32{2, 4, 8, 16}
	key := func(v uint32) uint32 { return v }

	assert.Equal(t, 0, Search(s, 2, key))
	assert.Equal(t, 3, Search(s, 16, key))
	assert.Equal(t, -1, Search(s, 1, key))
	assert.Equal(t, -3, Search(s, 5, key))
	assert.Equal(t, -5, Search(s, 99, key))
	assert.Equal(t, -1, Search(nil, 3, key))
}
