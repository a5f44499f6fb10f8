package storage

import (
	"fmt"

	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
)

// Rows are located by their primary key when the log is replayed, so it must be set and unique.

func duplicateKey(s *TableSchema, v types.Datum) error {
	return &ErrAlreadyExists{Kind: "primary key", Name: fmt.Sprintf("%s.%s=%s", s.Name, s.PrimaryKey, v)}
}

func nullKey(s *TableSchema) error {
	return errors.Errorf("primary key %s.%s must not be null", s.Name, s.PrimaryKey)
}

// checkInsertKeys verifies that rows, full rows of t, bring primary keys that are set and
// found neither in t nor twice in rows.
func (e *Engine) checkInsertKeys(t *table, rows []types.Tuple) error {
	pk := t.schema.PrimaryKeyIndex()
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		v := row[pk]
		if v.IsNull() {
			return nullKey(t.schema)
		}
		if _, ok := seen[v.HashKey()]; ok {
			return duplicateKey(t.schema, v)
		}
		seen[v.HashKey()] = struct{}{}
		if len(t.findByValue(pk, v, e.idxOpts)) > 0 {
			return duplicateKey(t.schema, v)
		}
	}
	return nil
}

// checkUpdateKeys verifies that assigning the primary key of rows keeps it set and unique.
func (e *Engine) checkUpdateKeys(t *table, assignments []BoundAssignment, rows []Row) error {
	pk := t.schema.PrimaryKeyIndex()
	for _, a := range assignments {
		if a.Column != pk || len(rows) == 0 {
			continue
		}
		if a.Value.IsNull() {
			return nullKey(t.schema)
		}
		if len(rows) > 1 {
			return duplicateKey(t.schema, a.Value)
		}
		for _, id := range t.findByValue(pk, a.Value, e.idxOpts) {
			if id != rows[0].ID {
				return duplicateKey(t.schema, a.Value)
			}
		}
	}
	return nil
}

// CheckInsert verifies the primary keys of rows, normalized by NormalizeInsert, against
// db.name as txn sees it.
func (e *Engine) CheckInsert(db, name string, rows []types.Tuple, txn bto.TxnID) error {
	buf := e.bufferOf(txn)
	e.mu.RLock()
	defer e.mu.RUnlock()
	tables, err := e.view(db, []string{name}, buf)
	if err != nil {
		return err
	}
	return e.checkInsertKeys(tables[0], rows)
}

// CheckWrite verifies that w keeps the primary keys of the rows it changes set and unique, as
// txn sees the table.
func (e *Engine) CheckWrite(w Write, db string, txn bto.TxnID) error {
	buf := e.bufferOf(txn)
	e.mu.RLock()
	defer e.mu.RUnlock()
	tables, err := e.view(db, []string{w.Table}, buf)
	if err != nil {
		return err
	}
	t := tables[0]
	assignments, err := t.schema.BindAssignments(w.Assignments)
	if err != nil {
		return err
	}
	rows, err := e.matching(t, w.Conditions)
	if err != nil {
		return err
	}
	return e.checkUpdateKeys(t, assignments, rows)
}
