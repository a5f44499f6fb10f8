package storage

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
)

// matching returns the rows of t satisfying conds, which may only refer to t.
func (e *Engine) matching(t *table, conds []types.Condition) ([]Row, error) {
	preds, err := compilePredicates([]string{t.schema.Name}, []*TableSchema{t.schema}, conds)
	if err != nil {
		return nil, err
	}
	return filterTable(t, 0, preds, e.idxOpts), nil
}

// Affected materializes the buffer of txn for db.name and returns the rows matching conds as
// the transaction sees them, before it changes them.
func (e *Engine) Affected(db, name string, conds []types.Condition, txn bto.TxnID) (*TableSchema, []RowImage, error) {
	t, _, err := e.buffered(db, name, txn)
	if err != nil {
		return nil, nil, err
	}
	rows, err := e.matching(t, conds)
	if err != nil {
		return nil, nil, err
	}
	images := make([]RowImage, 0, len(rows))
	for _, r := range rows {
		images = append(images, RowImage{ID: r.ID, Values: r.Values.Clone()})
	}
	return t.schema, images, nil
}

// BoundAssignment is an Assignment resolved against a table schema.
type BoundAssignment struct {
	Column int
	Value  types.Datum
}

// BindAssignments resolves the columns of assignments, which may be qualified by the table
// name, and converts the values to the column types.
func (s *TableSchema) BindAssignments(assignments []Assignment) ([]BoundAssignment, error) {
	if len(assignments) == 0 {
		return nil, errors.New("update without assignment")
	}
	bound := make([]BoundAssignment, 0, len(assignments))
	for _, a := range assignments {
		col := s.ColumnIndex(unqualify(s.Name, a.Column))
		if col < 0 {
			return nil, notFound("column", s.Name+"."+a.Column)
		}
		v, err := a.Value.ConvertTo(s.Columns[col].Kind)
		if err != nil {
			return nil, errors.Annotatef(err, "column %s.%s", s.Name, a.Column)
		}
		bound = append(bound, BoundAssignment{Column: col, Value: v})
	}
	return bound, nil
}

func unqualify(tableName, column string) string {
	if len(column) > len(tableName)+1 && column[:len(tableName)] == tableName && column[len(tableName)] == '.' {
		return column[len(tableName)+1:]
	}
	return column
}

// WriteBlock updates the assigned columns of every row of w.Table matching its conditions in
// the buffer of txn and returns the number of rows changed. Nothing changes when the update
// would leave a primary key null or duplicated.
func (e *Engine) WriteBlock(w Write, db string, txn bto.TxnID) (int, error) {
	t, buf, err := e.buffered(db, w.Table, txn)
	if err != nil {
		return 0, err
	}
	assignments, err := t.schema.BindAssignments(w.Assignments)
	if err != nil {
		return 0, err
	}
	rows, err := e.matching(t, w.Conditions)
	if err != nil {
		return 0, err
	}
	if err = e.checkUpdateKeys(t, assignments, rows); err != nil {
		return 0, err
	}
	key := tableKey{db: db, table: w.Table}
	for _, r := range rows {
		for _, a := range assignments {
			if _, ok := t.update(r.ID, a.Column, a.Value); ok {
				buf.record(change{kind: changeUpdate, key: key, row: Row{ID: r.ID}, column: a.Column, value: a.Value})
			}
		}
	}
	rowsCounter.WithLabelValues("update").Add(float64(len(rows)))
	return len(rows), nil
}

// DeleteBlock removes the rows of d.Table matching its conditions from the buffer of txn and
// returns how many were removed.
func (e *Engine) DeleteBlock(d Delete, db string, txn bto.TxnID) (int, error) {
	t, buf, err := e.buffered(db, d.Table, txn)
	if err != nil {
		return 0, err
	}
	rows, err := e.matching(t, d.Conditions)
	if err != nil {
		return 0, err
	}
	ids := make(map[uint64]struct{}, len(rows))
	key := tableKey{db: db, table: d.Table}
	for _, r := range rows {
		ids[r.ID] = struct{}{}
		buf.record(change{kind: changeDelete, key: key, row: Row{ID: r.ID}})
	}
	n := t.remove(ids)
	rowsCounter.WithLabelValues("delete").Add(float64(n))
	return n, nil
}

// NormalizeInsert returns the full rows, converted to the column types, that i inserts.
func (e *Engine) NormalizeInsert(db string, i Insert) ([]types.Tuple, error) {
	s, err := e.Schema(db, i.Table)
	if err != nil {
		return nil, err
	}
	return normalizeRows(s, i)
}

func normalizeRows(s *TableSchema, i Insert) ([]types.Tuple, error) {
	positions := make([]int, 0, len(i.Columns))
	for _, c := range i.Columns {
		col := s.ColumnIndex(unqualify(s.Name, c))
		if col < 0 {
			return nil, notFound("column", s.Name+"."+c)
		}
		positions = append(positions, col)
	}
	rows := make([]types.Tuple, 0, len(i.Values))
	for _, values := range i.Values {
		row := values
		if len(positions) > 0 {
			if len(values) != len(positions) {
				return nil, errors.Errorf("%d columns but %d values", len(positions), len(values))
			}
			row = make(types.Tuple, len(s.Columns))
			for k, col := range positions {
				row[col] = values[k]
			}
		}
		coerced, err := s.coerce(row)
		if err != nil {
			return nil, err
		}
		rows = append(rows, coerced)
	}
	return rows, nil
}

// InsertData appends the rows of i to the buffer of txn and returns how many were inserted.
// Rows with a null or already present primary key are refused, and then none is inserted.
func (e *Engine) InsertData(i Insert, db string, txn bto.TxnID) (int, error) {
	t, buf, err := e.buffered(db, i.Table, txn)
	if err != nil {
		return 0, err
	}
	rows, err := normalizeRows(t.schema, i)
	if err != nil {
		return 0, err
	}
	if err = e.checkInsertKeys(t, rows); err != nil {
		return 0, err
	}
	key := tableKey{db: db, table: i.Table}
	for _, values := range rows {
		row := Row{ID: e.nextRowID(), Values: values}
		t.insert(row, e.conf.MaxRecordsPerBlock)
		buf.record(change{kind: changeInsert, key: key, row: row})
	}
	rowsCounter.WithLabelValues("insert").Add(float64(len(rows)))
	return len(rows), nil
}

// CreateIndex declares an index on the committed table. The change is published at once and
// also applies to the table version buffered by txn, if any.
func (e *Engine) CreateIndex(op CreateIndex, db string, txn bto.TxnID) error {
	e.mu.Lock()
	t, err := e.committedLocked(db, op.Table)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	column := unqualify(op.Table, op.Column)
	if t.schema.ColumnIndex(column) < 0 {
		e.mu.Unlock()
		return notFound("column", op.Table+"."+op.Column)
	}
	if _, ok := t.schema.IndexOn(column); ok {
		e.mu.Unlock()
		return &ErrAlreadyExists{Kind: "index", Name: op.Table + "." + column}
	}
	s := t.schema.clone()
	s.Indexes = append(s.Indexes, IndexDef{Column: column, Kind: op.Kind})
	if err = e.persistSchema(db, s); err != nil {
		e.mu.Unlock()
		return err
	}
	t.setSchema(s)
	e.mu.Unlock()

	if txn != bto.NoTxn {
		e.bufMu.Lock()
		if buf := e.buffers[txn]; buf != nil {
			if bt, ok := buf.tables[tableKey{db: db, table: op.Table}]; ok {
				bs := bt.schema.clone()
				bs.Indexes = append(bs.Indexes, IndexDef{Column: column, Kind: op.Kind})
				bt.setSchema(bs)
			}
		}
		e.bufMu.Unlock()
	}
	log.Infof("created %v index on %s.%s.%s", op.Kind, db, op.Table, column)
	return nil
}
