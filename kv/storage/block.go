package storage

import (
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinydb/kv/storage/index"
	"github.com/pingcap-incubator/tinydb/kv/types"
)

// Row is a stored record. ID is unique in the engine and does not change on update.
type Row struct {
	ID     uint64
	Values types.Tuple
}

// Block groups at most MaxRecordsPerBlock rows of a table. A published Block is never modified,
// a change replaces it with a copy.
type Block struct {
	ID   uint64
	Rows []Row
}

func (b *Block) Less(than btree.Item) bool {
	return b.ID < than.(*Block).ID
}

func (b *Block) copyRows() *Block {
	nb := &Block{ID: b.ID, Rows: make([]Row, len(b.Rows))}
	copy(nb.Rows, b.Rows)
	return nb
}

// rowRef maps a row id to its block.
type rowRef struct {
	row   uint64
	block uint64
}

func (r rowRef) Less(than btree.Item) bool {
	return r.row < than.(rowRef).row
}

const btreeDegree = 8

// table is one version of a table. Versions share unchanged blocks through the copy-on-write
// trees, so a per-transaction version costs what it changes.
type table struct {
	schema *TableSchema
	blocks *btree.BTree
	rows   *btree.BTree

	// idxMu guards indexes, built on first use and dropped when row offsets move.
	idxMu   sync.Mutex
	indexes map[string]index.Index
}

func newTable(schema *TableSchema) *table {
	return &table{
		schema: schema,
		blocks: btree.New(btreeDegree),
		rows:   btree.New(btreeDegree),
	}
}

// clone returns a new version sharing every block with t. It must not run concurrently with
// any other use of t.
func (t *table) clone() *table {
	return &table{
		schema: t.schema,
		blocks: t.blocks.Clone(),
		rows:   t.rows.Clone(),
	}
}

func (t *table) rowCount() int {
	return t.rows.Len()
}

func (t *table) blockCount() int {
	return t.blocks.Len()
}

func (t *table) block(id uint64) *Block {
	if item := t.blocks.Get(&Block{ID: id}); item != nil {
		return item.(*Block)
	}
	return nil
}

func (t *table) lastBlock() *Block {
	if item := t.blocks.Max(); item != nil {
		return item.(*Block)
	}
	return nil
}

// scan calls fn for every row in block order until fn returns false.
func (t *table) scan(fn func(loc index.Location, row Row) bool) {
	t.blocks.Ascend(func(item btree.Item) bool {
		b := item.(*Block)
		for i, row := range b.Rows {
			if !fn(index.Location{Block: b.ID, Offset: i}, row) {
				return false
			}
		}
		return true
	})
}

func (t *table) at(loc index.Location) (Row, bool) {
	b := t.block(loc.Block)
	if b == nil || loc.Offset >= len(b.Rows) {
		return Row{}, false
	}
	return b.Rows[loc.Offset], true
}

// locate returns the location of row id.
func (t *table) locate(id uint64) (index.Location, bool) {
	item := t.rows.Get(rowRef{row: id})
	if item == nil {
		return index.Location{}, false
	}
	b := t.block(item.(rowRef).block)
	if b == nil {
		return index.Location{}, false
	}
	for i, row := range b.Rows {
		if row.ID == id {
			return index.Location{Block: b.ID, Offset: i}, true
		}
	}
	return index.Location{}, false
}

// findByValue returns the ids of the rows whose column col equals key, in location order.
func (t *table) findByValue(col int, key types.Datum, opts index.Options) []uint64 {
	var ids []uint64
	if idx := t.index(t.schema.Columns[col].Name, opts); idx != nil {
		for _, loc := range sortLocations(idx.Search(key)) {
			if row, ok := t.at(loc); ok {
				ids = append(ids, row.ID)
			}
		}
		return ids
	}
	t.scan(func(_ index.Location, row Row) bool {
		if row.Values[col].Equal(key) {
			ids = append(ids, row.ID)
		}
		return true
	})
	return ids
}

// insert appends row to the last block, or to a new block when the last one is full.
func (t *table) insert(row Row, capacity int) index.Location {
	var nb *Block
	last := t.lastBlock()
	if last != nil && len(last.Rows) < capacity {
		nb = &Block{ID: last.ID, Rows: make([]Row, len(last.Rows), len(last.Rows)+1)}
		copy(nb.Rows, last.Rows)
		nb.Rows = append(nb.Rows, row)
	} else {
		id := uint64(1)
		if last != nil {
			id = last.ID + 1
		}
		nb = &Block{ID: id, Rows: []Row{row}}
	}
	t.blocks.ReplaceOrInsert(nb)
	t.rows.ReplaceOrInsert(rowRef{row: row.ID, block: nb.ID})
	loc := index.Location{Block: nb.ID, Offset: len(nb.Rows) - 1}

	t.idxMu.Lock()
	for name, idx := range t.indexes {
		idx.Insert(row.Values[t.schema.ColumnIndex(name)], loc)
	}
	t.idxMu.Unlock()
	return loc
}

// update sets column col of row id and returns the previous value.
func (t *table) update(id uint64, col int, value types.Datum) (types.Datum, bool) {
	loc, ok := t.locate(id)
	if !ok {
		return types.Datum{}, false
	}
	nb := t.block(loc.Block).copyRows()
	row := nb.Rows[loc.Offset]
	old := row.Values[col]
	row.Values = row.Values.Clone()
	row.Values[col] = value
	nb.Rows[loc.Offset] = row
	t.blocks.ReplaceOrInsert(nb)

	t.idxMu.Lock()
	if idx, ok := t.indexes[t.schema.Columns[col].Name]; ok {
		idx.Delete(old, loc)
		idx.Insert(value, loc)
	}
	t.idxMu.Unlock()
	return old, true
}

// remove deletes the rows in ids and drops the blocks left empty.
func (t *table) remove(ids map[uint64]struct{}) int {
	byBlock := make(map[uint64]struct{})
	for id := range ids {
		if item := t.rows.Delete(rowRef{row: id}); item != nil {
			byBlock[item.(rowRef).block] = struct{}{}
		}
	}
	removed := 0
	for blockID := range byBlock {
		b := t.block(blockID)
		if b == nil {
			continue
		}
		kept := make([]Row, 0, len(b.Rows))
		for _, row := range b.Rows {
			if _, ok := ids[row.ID]; ok {
				removed++
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == 0 {
			t.blocks.Delete(b)
		} else {
			t.blocks.ReplaceOrInsert(&Block{ID: b.ID, Rows: kept})
		}
	}
	if removed > 0 {
		t.idxMu.Lock()
		t.indexes = nil
		t.idxMu.Unlock()
	}
	return removed
}

// index returns the index declared on column, building the indexes of this version if needed.
func (t *table) index(column string, opts index.Options) index.Index {
	def, ok := t.schema.IndexOn(column)
	if !ok {
		return nil
	}
	t.idxMu.Lock()
	defer t.idxMu.Unlock()
	if t.indexes == nil {
		t.buildIndexesLocked(opts)
	}
	if idx, ok := t.indexes[column]; ok && idx.Kind() == def.Kind {
		return idx
	}
	return nil
}

func (t *table) buildIndexesLocked(opts index.Options) {
	t.indexes = make(map[string]index.Index, len(t.schema.Indexes))
	for _, def := range t.schema.Indexes {
		idx, err := index.New(def.Kind, opts)
		if err != nil {
			continue
		}
		col := t.schema.ColumnIndex(def.Column)
		t.scan(func(loc index.Location, row Row) bool {
			idx.Insert(row.Values[col], loc)
			return true
		})
		t.indexes[def.Column] = idx
	}
	indexBuildCounter.Inc()
}

// setSchema publishes a new schema for this version and drops the built indexes.
func (t *table) setSchema(s *TableSchema) {
	t.schema = s
	t.idxMu.Lock()
	t.indexes = nil
	t.idxMu.Unlock()
}

func sortLocations(locs []index.Location) []index.Location {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Block != locs[j].Block {
			return locs[i].Block < locs[j].Block
		}
		return locs[i].Offset < locs[j].Offset
	})
	return locs
}
