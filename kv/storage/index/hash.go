package index

import (
	"math"

	"github.com/pingcap-incubator/tinydb/kv/types"
)

type hashEntry struct {
	key  types.Datum
	locs []Location
}

// Hash is a bucketed hash index. Integers are bucketed by modulo, strings by the DJB2 hash and
// floats by their bits. Integral floats share the bucket of the equal integer.
type Hash struct {
	buckets [][]hashEntry
	size    int
}

func NewHash(buckets int) *Hash {
	if buckets <= 0 {
		buckets = 1
	}
	return &Hash{buckets: make([][]hashEntry, buckets)}
}

func (h *Hash) Kind() Kind { return KindHash }

func (h *Hash) Len() int { return h.size }

func djb2(s string) uint64 {
	var hash uint64 = 5381
	for i := 0; i < len(s); i++ {
		hash = hash*33 + uint64(s[i])
	}
	return hash
}

func (h *Hash) bucket(key types.Datum) int {
	n := uint64(len(h.buckets))
	switch key.Kind() {
	case types.KindInt:
		return int(absUint(key.GetInt64()) % n)
	case types.KindFloat:
		f := key.GetFloat64()
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int(absUint(int64(f)) % n)
		}
		return int(math.Float64bits(f) % n)
	case types.KindString:
		return int(djb2(key.GetString()) % n)
	}
	return 0
}

func absUint(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func (h *Hash) find(key types.Datum) (int, int) {
	b := h.bucket(key)
	for i, e := range h.buckets[b] {
		if e.key.Equal(key) {
			return b, i
		}
	}
	return b, -1
}

func (h *Hash) Insert(key types.Datum, loc Location) {
	b, i := h.find(key)
	if i < 0 {
		h.buckets[b] = append(h.buckets[b], hashEntry{key: key, locs: []Location{loc}})
	} else {
		h.buckets[b][i].locs = append(h.buckets[b][i].locs, loc)
	}
	h.size++
}

func (h *Hash) Delete(key types.Datum, loc Location) bool {
	b, i := h.find(key)
	if i < 0 {
		return false
	}
	locs, ok := removeLocation(h.buckets[b][i].locs, loc)
	if !ok {
		return false
	}
	h.size--
	if len(locs) == 0 {
		h.buckets[b] = append(h.buckets[b][:i], h.buckets[b][i+1:]...)
	} else {
		h.buckets[b][i].locs = locs
	}
	return true
}

func (h *Hash) Search(key types.Datum) []Location {
	b, i := h.find(key)
	if i < 0 {
		return nil
	}
	return append([]Location(nil), h.buckets[b][i].locs...)
}
