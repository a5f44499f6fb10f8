// Package index implements the secondary indexes of the storage engine. An index maps a column
// value to the locations of the rows holding it.
package index

import (
	"fmt"

	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
)

// Kind selects the index structure.
type Kind int

const (
	KindBPlusTree Kind = iota
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindBPlusTree:
		return "btree"
	case KindHash:
		return "hash"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses the name of an index kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "btree", "b+tree", "bplustree":
		return KindBPlusTree, nil
	case "hash":
		return KindHash, nil
	}
	return 0, errors.Errorf("unknown index kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Location addresses a row inside a table: the block id and the row offset in the block.
type Location struct {
	Block  uint64
	Offset int
}

// Index is implemented by every index structure.
type Index interface {
	Kind() Kind
	// Insert adds loc to the locations of key.
	Insert(key types.Datum, loc Location)
	// Delete removes loc from the locations of key and reports whether it was present.
	Delete(key types.Datum, loc Location) bool
	// Search returns the locations of key.
	Search(key types.Datum) []Location
	// Len returns the number of indexed locations.
	Len() int
}

// Bound is one end of a range. A Bound with Unbounded set matches everything on its side.
type Bound struct {
	Value     types.Datum
	Inclusive bool
	Unbounded bool
}

// Unbounded is the open end of a range.
var Unbounded = Bound{Unbounded: true}

// RangeIndex is an ordered index.
type RangeIndex interface {
	Index
	// Range returns the locations of the keys between low and high, in key order.
	Range(low, high Bound) []Location
}

// Options sizes the index structures.
type Options struct {
	// BTreeOrder is the maximum number of children of a B+Tree node.
	BTreeOrder int
	// HashBuckets is the number of buckets of a hash index.
	HashBuckets int
}

// New creates an empty index of kind.
func New(kind Kind, opts Options) (Index, error) {
	switch kind {
	case KindBPlusTree:
		return NewBPlusTree(opts.BTreeOrder), nil
	case KindHash:
		return NewHash(opts.HashBuckets), nil
	}
	return nil, errors.Errorf("unknown index kind %v", kind)
}

func removeLocation(locs []Location, loc Location) ([]Location, bool) {
	for i, l := range locs {
		if l == loc {
			return append(locs[:i], locs[i+1:]...), true
		}
	}
	return locs, false
}
