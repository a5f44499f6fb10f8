package storage

import (
	"strings"

	"github.com/pingcap-incubator/tinydb/kv/storage/index"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
)

// boundColumn is a column reference resolved against the tables of an operation.
type boundColumn struct {
	table  int
	column int
}

func resolveColumn(names []string, schemas []*TableSchema, ref string) (boundColumn, error) {
	if dot := strings.IndexByte(ref, '.'); dot >= 0 {
		tableName, columnName := ref[:dot], ref[dot+1:]
		for ti, name := range names {
			if name != tableName {
				continue
			}
			if ci := schemas[ti].ColumnIndex(columnName); ci >= 0 {
				return boundColumn{table: ti, column: ci}, nil
			}
			return boundColumn{}, notFound("column", ref)
		}
		return boundColumn{}, notFound("table", tableName)
	}

	var (
		found  []boundColumn
		tables []string
	)
	for ti, s := range schemas {
		if ci := s.ColumnIndex(ref); ci >= 0 {
			found = append(found, boundColumn{table: ti, column: ci})
			tables = append(tables, names[ti])
		}
	}
	switch len(found) {
	case 0:
		return boundColumn{}, notFound("column", ref)
	case 1:
		return found[0], nil
	}
	return boundColumn{}, &ErrAmbiguousColumn{Column: ref, Tables: tables}
}

// predicate is a compiled condition.
type predicate struct {
	left  boundColumn
	op    types.CompareOp
	value types.Datum
	right *boundColumn
}

// holds evaluates p over one tuple per table. Comparisons with NULL never hold.
func (p *predicate) holds(row []types.Tuple) bool {
	l := row[p.left.table][p.left.column]
	r := p.value
	if p.right != nil {
		r = row[p.right.table][p.right.column]
	}
	if l.IsNull() || r.IsNull() {
		return false
	}
	return p.op.Holds(l.Compare(r))
}

// lastTable is the highest table position p depends on.
func (p *predicate) lastTable() int {
	if p.right != nil && p.right.table > p.left.table {
		return p.right.table
	}
	return p.left.table
}

func (p *predicate) local() bool {
	return p.right == nil || p.right.table == p.left.table
}

func compilePredicates(names []string, schemas []*TableSchema, conds []types.Condition) ([]*predicate, error) {
	preds := make([]*predicate, 0, len(conds))
	for _, c := range conds {
		left, err := resolveColumn(names, schemas, c.Column)
		if err != nil {
			return nil, err
		}
		p := &predicate{left: left, op: c.Op, value: c.Value}
		if c.IsJoin() {
			right, err := resolveColumn(names, schemas, c.RightColumn)
			if err != nil {
				return nil, err
			}
			p.right = &right
		} else if v, err := c.Value.ConvertTo(schemas[left.table].Columns[left.column].Kind); err == nil {
			p.value = v
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func holdsAll(preds []*predicate, row []types.Tuple) bool {
	for _, p := range preds {
		if !p.holds(row) {
			return false
		}
	}
	return true
}

// indexLookup answers a condition of preds with an index of t, or reports that none applies.
func indexLookup(t *table, preds []*predicate, opts index.Options) ([]index.Location, bool) {
	for _, p := range preds {
		if p.right != nil || p.value.IsNull() {
			continue
		}
		idx := t.index(t.schema.Columns[p.left.column].Name, opts)
		if idx == nil {
			continue
		}
		if p.op == types.OpEQ {
			return idx.Search(p.value), true
		}
		ordered, ok := idx.(index.RangeIndex)
		if !ok {
			continue
		}
		bound := index.Bound{Value: p.value}
		switch p.op {
		case types.OpLT:
			return ordered.Range(index.Unbounded, bound), true
		case types.OpLE:
			bound.Inclusive = true
			return ordered.Range(index.Unbounded, bound), true
		case types.OpGT:
			return ordered.Range(bound, index.Unbounded), true
		case types.OpGE:
			bound.Inclusive = true
			return ordered.Range(bound, index.Unbounded), true
		}
	}
	return nil, false
}

// filterTable returns the rows of t, at position pos of the operation, matching the local
// predicates on it.
func filterTable(t *table, pos int, preds []*predicate, opts index.Options) []Row {
	row := make([]types.Tuple, pos+1)
	var out []Row
	if locs, ok := indexLookup(t, preds, opts); ok {
		for _, loc := range sortLocations(locs) {
			r, ok := t.at(loc)
			if !ok {
				continue
			}
			row[pos] = r.Values
			if holdsAll(preds, row) {
				out = append(out, r)
			}
		}
		return out
	}
	t.scan(func(_ index.Location, r Row) bool {
		row[pos] = r.Values
		if holdsAll(preds, row) {
			out = append(out, r)
		}
		return true
	})
	return out
}

func projection(names []string, schemas []*TableSchema, columns []string) ([]boundColumn, []string, error) {
	if len(columns) == 0 || len(columns) == 1 && columns[0] == "*" {
		var (
			cols   []boundColumn
			header []string
		)
		for ti, s := range schemas {
			for ci, c := range s.Columns {
				cols = append(cols, boundColumn{table: ti, column: ci})
				if len(schemas) == 1 {
					header = append(header, c.Name)
				} else {
					header = append(header, names[ti]+"."+c.Name)
				}
			}
		}
		return cols, header, nil
	}
	cols := make([]boundColumn, 0, len(columns))
	for _, ref := range columns {
		col, err := resolveColumn(names, schemas, ref)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
	}
	return cols, append([]string(nil), columns...), nil
}

// ReadBlock evaluates a retrieval over the tables visible to txn: the cross product of the
// tables, filtered by every condition and projected on the requested columns. Conditions on a
// single indexed column against a constant are answered by the index.
func (e *Engine) ReadBlock(r Retrieval, db string, txn bto.TxnID) (*Rows, error) {
	if len(r.Tables) == 0 {
		return nil, errors.New("retrieval without table")
	}
	seen := make(map[string]struct{}, len(r.Tables))
	for _, name := range r.Tables {
		if _, ok := seen[name]; ok {
			return nil, errors.Errorf("table %s listed twice", name)
		}
		seen[name] = struct{}{}
	}

	// The buffer lock is never taken under e.mu.
	buf := e.bufferOf(txn)
	e.mu.RLock()
	defer e.mu.RUnlock()
	tables, err := e.view(db, r.Tables, buf)
	if err != nil {
		return nil, err
	}
	schemas := make([]*TableSchema, len(tables))
	for i, t := range tables {
		schemas[i] = t.schema
	}
	preds, err := compilePredicates(r.Tables, schemas, r.Conditions)
	if err != nil {
		return nil, err
	}
	cols, header, err := projection(r.Tables, schemas, r.Columns)
	if err != nil {
		return nil, err
	}

	local := make([][]*predicate, len(tables))
	joins := make([][]*predicate, len(tables))
	for _, p := range preds {
		if p.local() {
			local[p.left.table] = append(local[p.left.table], p)
		} else {
			joins[p.lastTable()] = append(joins[p.lastTable()], p)
		}
	}

	combos := [][]types.Tuple{nil}
	for i, t := range tables {
		rows := filterTable(t, i, local[i], e.idxOpts)
		next := make([][]types.Tuple, 0, len(combos)*len(rows))
		for _, c := range combos {
			for _, row := range rows {
				combo := make([]types.Tuple, i+1)
				copy(combo, c)
				combo[i] = row.Values
				if holdsAll(joins[i], combo) {
					next = append(next, combo)
				}
			}
		}
		combos = next
	}

	result := &Rows{
		Columns:  header,
		Data:     make([]types.Tuple, 0, len(combos)),
		Identity: bto.ObjectKey(e.conf.Granularity, db, r.Tables, r.Conditions),
	}
	for _, combo := range combos {
		out := make(types.Tuple, len(cols))
		for i, col := range cols {
			out[i] = combo[col.table][col.column]
		}
		result.Data = append(result.Data, out)
	}
	result.Count = len(result.Data)
	rowsCounter.WithLabelValues("read").Add(float64(result.Count))
	return result, nil
}
