package index

import (
	"sort"

	"github.com/pingcap-incubator/tinydb/kv/types"
)

const minOrder = 3

type node struct {
	leaf bool
	keys []types.Datum
	// children of an internal node, len(keys)+1 of them. Keys of children[i+1] are >= keys[i].
	children []*node
	// values of a leaf node, one posting list per key.
	values [][]Location
	next   *node
}

// BPlusTree is an ordered index. Leaves are chained for range scans. A node holds at most
// order-1 keys; deletion borrows from or merges with a sibling when a node drops under half.
type BPlusTree struct {
	root  *node
	order int
	size  int
}

func NewBPlusTree(order int) *BPlusTree {
	if order < minOrder {
		order = minOrder
	}
	return &BPlusTree{root: &node{leaf: true}, order: order}
}

func (t *BPlusTree) Kind() Kind { return KindBPlusTree }

func (t *BPlusTree) Len() int { return t.size }

func (t *BPlusTree) maxKeys() int { return t.order - 1 }

func (t *BPlusTree) minKeys() int {
	if m := (t.order - 1) / 2; m > 0 {
		return m
	}
	return 1
}

// childIndex returns the child of n whose range contains key.
func childIndex(n *node, key types.Datum) int {
	return sort.Search(len(n.keys), func(i int) bool { return n.keys[i].Compare(key) > 0 })
}

// keyIndex returns the first position of n.keys not less than key.
func keyIndex(n *node, key types.Datum) int {
	return sort.Search(len(n.keys), func(i int) bool { return n.keys[i].Compare(key) >= 0 })
}

// findLeaf descends to the leaf for key and returns it with the path of internal nodes and the
// child position taken at each of them.
func (t *BPlusTree) findLeaf(key types.Datum) (*node, []*node, []int) {
	var (
		path []*node
		idxs []int
	)
	n := t.root
	for !n.leaf {
		i := childIndex(n, key)
		path = append(path, n)
		idxs = append(idxs, i)
		n = n.children[i]
	}
	return n, path, idxs
}

func (t *BPlusTree) Insert(key types.Datum, loc Location) {
	leaf, path, idxs := t.findLeaf(key)
	t.size++
	i := keyIndex(leaf, key)
	if i < len(leaf.keys) && leaf.keys[i].Equal(key) {
		leaf.values[i] = append(leaf.values[i], loc)
		return
	}
	leaf.keys = append(leaf.keys, types.Datum{})
	copy(leaf.keys[i+1:], leaf.keys[i:])
	leaf.keys[i] = key
	leaf.values = append(leaf.values, nil)
	copy(leaf.values[i+1:], leaf.values[i:])
	leaf.values[i] = []Location{loc}

	n := leaf
	for level := len(path) - 1; len(n.keys) > t.maxKeys(); level-- {
		sep, right := t.split(n)
		if level < 0 {
			t.root = &node{keys: []types.Datum{sep}, children: []*node{n, right}}
			return
		}
		parent, pos := path[level], idxs[level]
		parent.keys = append(parent.keys, types.Datum{})
		copy(parent.keys[pos+1:], parent.keys[pos:])
		parent.keys[pos] = sep
		parent.children = append(parent.children, nil)
		copy(parent.children[pos+2:], parent.children[pos+1:])
		parent.children[pos+1] = right
		n = parent
	}
}

// split moves the upper half of n into a new right sibling and returns the separator key.
func (t *BPlusTree) split(n *node) (types.Datum, *node) {
	mid := len(n.keys) / 2
	right := &node{leaf: n.leaf}
	if n.leaf {
		right.keys = append([]types.Datum(nil), n.keys[mid:]...)
		right.values = append([][]Location(nil), n.values[mid:]...)
		n.keys = n.keys[:mid:mid]
		n.values = n.values[:mid:mid]
		right.next = n.next
		n.next = right
		return right.keys[0], right
	}
	sep := n.keys[mid]
	right.keys = append([]types.Datum(nil), n.keys[mid+1:]...)
	right.children = append([]*node(nil), n.children[mid+1:]...)
	n.keys = n.keys[:mid:mid]
	n.children = n.children[: mid+1 : mid+1]
	return sep, right
}

func (t *BPlusTree) Search(key types.Datum) []Location {
	leaf, _, _ := t.findLeaf(key)
	i := keyIndex(leaf, key)
	if i < len(leaf.keys) && leaf.keys[i].Equal(key) {
		return append([]Location(nil), leaf.values[i]...)
	}
	return nil
}

func (t *BPlusTree) leftmost() *node {
	n := t.root
	for !n.leaf {
		n = n.children[0]
	}
	return n
}

func (t *BPlusTree) Range(low, high Bound) []Location {
	var (
		n *node
		i int
	)
	if low.Unbounded {
		n = t.leftmost()
	} else {
		n, _, _ = t.findLeaf(low.Value)
		i = keyIndex(n, low.Value)
	}
	var locs []Location
	for ; n != nil; n, i = n.next, 0 {
		for ; i < len(n.keys); i++ {
			k := n.keys[i]
			if !low.Unbounded && !low.Inclusive && k.Compare(low.Value) == 0 {
				continue
			}
			if !high.Unbounded {
				cmp := k.Compare(high.Value)
				if cmp > 0 || cmp == 0 && !high.Inclusive {
					return locs
				}
			}
			locs = append(locs, n.values[i]...)
		}
	}
	return locs
}

// Keys returns the distinct keys in order.
func (t *BPlusTree) Keys() []types.Datum {
	var keys []types.Datum
	for n := t.leftmost(); n != nil; n = n.next {
		keys = append(keys, n.keys...)
	}
	return keys
}

// Height is the number of levels of the tree.
func (t *BPlusTree) Height() int {
	h := 1
	for n := t.root; !n.leaf; n = n.children[0] {
		h++
	}
	return h
}

func (t *BPlusTree) Delete(key types.Datum, loc Location) bool {
	leaf, path, idxs := t.findLeaf(key)
	i := keyIndex(leaf, key)
	if i >= len(leaf.keys) || !leaf.keys[i].Equal(key) {
		return false
	}
	locs, ok := removeLocation(leaf.values[i], loc)
	if !ok {
		return false
	}
	t.size--
	if len(locs) > 0 {
		leaf.values[i] = locs
		return true
	}
	leaf.keys = append(leaf.keys[:i], leaf.keys[i+1:]...)
	leaf.values = append(leaf.values[:i], leaf.values[i+1:]...)

	n := leaf
	for level := len(path) - 1; level >= 0 && len(n.keys) < t.minKeys(); level-- {
		parent, pos := path[level], idxs[level]
		t.rebalance(parent, pos)
		n = parent
	}
	if !t.root.leaf && len(t.root.keys) == 0 {
		t.root = t.root.children[0]
	}
	return true
}

// rebalance fixes the underflow of parent.children[pos] by borrowing from a sibling with
// spare keys, or else merging with one.
func (t *BPlusTree) rebalance(parent *node, pos int) {
	n := parent.children[pos]
	if pos > 0 {
		if left := parent.children[pos-1]; len(left.keys) > t.minKeys() {
			t.borrowFromLeft(parent, pos, left, n)
			return
		}
	}
	if pos+1 < len(parent.children) {
		if right := parent.children[pos+1]; len(right.keys) > t.minKeys() {
			t.borrowFromRight(parent, pos, n, right)
			return
		}
	}
	if pos > 0 {
		t.merge(parent, pos-1)
	} else {
		t.merge(parent, pos)
	}
}

func (t *BPlusTree) borrowFromLeft(parent *node, pos int, left, n *node) {
	last := len(left.keys) - 1
	if n.leaf {
		n.keys = append([]types.Datum{left.keys[last]}, n.keys...)
		n.values = append([][]Location{left.values[last]}, n.values...)
		left.keys = left.keys[:last]
		left.values = left.values[:last]
		parent.keys[pos-1] = n.keys[0]
		return
	}
	n.keys = append([]types.Datum{parent.keys[pos-1]}, n.keys...)
	n.children = append([]*node{left.children[last+1]}, n.children...)
	parent.keys[pos-1] = left.keys[last]
	left.keys = left.keys[:last]
	left.children = left.children[:last+1]
}

func (t *BPlusTree) borrowFromRight(parent *node, pos int, n, right *node) {
	if n.leaf {
		n.keys = append(n.keys, right.keys[0])
		n.values = append(n.values, right.values[0])
		right.keys = append(right.keys[:0:0], right.keys[1:]...)
		right.values = append(right.values[:0:0], right.values[1:]...)
		parent.keys[pos] = right.keys[0]
		return
	}
	n.keys = append(n.keys, parent.keys[pos])
	n.children = append(n.children, right.children[0])
	parent.keys[pos] = right.keys[0]
	right.keys = append(right.keys[:0:0], right.keys[1:]...)
	right.children = append(right.children[:0:0], right.children[1:]...)
}

// merge folds parent.children[sep+1] into parent.children[sep] and drops the separator.
func (t *BPlusTree) merge(parent *node, sep int) {
	left, right := parent.children[sep], parent.children[sep+1]
	if left.leaf {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.next = right.next
	} else {
		left.keys = append(left.keys, parent.keys[sep])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}
	parent.keys = append(parent.keys[:sep], parent.keys[sep+1:]...)
	parent.children = append(parent.children[:sep+1], parent.children[sep+2:]...)
}
