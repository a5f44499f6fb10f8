package storage

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/recovery"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap/errors"
)

// ApplyInstructions applies redo or undo instructions to the view of txn, or to the committed
// store for NoTxn. Rows are located by primary key. Applying an instruction twice has the same
// effect as applying it once: updates set absolute values, upserts replace the row with the
// same key and removals of missing rows do nothing.
func (e *Engine) ApplyInstructions(txn bto.TxnID, instructions []recovery.Instruction) error {
	for _, ins := range instructions {
		var err error
		if txn == bto.NoTxn {
			e.mu.Lock()
			var t *table
			if t, err = e.committedLocked(ins.Descriptor.Database, ins.Descriptor.Table); err == nil {
				err = e.apply(t, ins, nil)
				e.dirty[tableKey{db: ins.Descriptor.Database, table: ins.Descriptor.Table}] = struct{}{}
			}
			e.mu.Unlock()
		} else {
			t, buf, berr := e.buffered(ins.Descriptor.Database, ins.Descriptor.Table, txn)
			if err = berr; err == nil {
				err = e.apply(t, ins, buf)
			}
		}
		if err != nil {
			return errors.Annotatef(err, "apply %v of txn %d", ins.Kind, ins.TxnID)
		}
	}
	return nil
}

func (e *Engine) apply(t *table, ins recovery.Instruction, buf *txnBuffer) error {
	d := ins.Descriptor
	key := tableKey{db: d.Database, table: d.Table}
	pk := t.schema.ColumnIndex(d.PrimaryKey)
	if pk < 0 {
		return notFound("column", d.Table+"."+d.PrimaryKey)
	}
	locator, err := ins.Locator.ConvertTo(t.schema.Columns[pk].Kind)
	if err != nil {
		return err
	}
	ids := t.findByValue(pk, locator, e.idxOpts)
	record := func(c change) {
		if buf != nil {
			buf.record(c)
		}
	}

	switch ins.Kind {
	case recovery.InstructionUpdate:
		col := t.schema.ColumnIndex(d.Column)
		if col < 0 {
			return notFound("column", d.Table+"."+d.Column)
		}
		if len(ins.Value) != 1 {
			return errors.Errorf("update of %s.%s carries %d values", d.Table, d.Column, len(ins.Value))
		}
		v, err := ins.Value[0].ConvertTo(t.schema.Columns[col].Kind)
		if err != nil {
			return err
		}
		for _, id := range ids {
			t.update(id, col, v)
			record(change{kind: changeUpdate, key: key, row: Row{ID: id}, column: col, value: v})
		}
	case recovery.InstructionUpsert:
		row, err := t.schema.coerce(ins.Value)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			r := Row{ID: e.nextRowID(), Values: row}
			t.insert(r, e.conf.MaxRecordsPerBlock)
			record(change{kind: changeInsert, key: key, row: r})
			break
		}
		for col, v := range row {
			t.update(ids[0], col, v)
			record(change{kind: changeUpdate, key: key, row: Row{ID: ids[0]}, column: col, value: v})
		}
	case recovery.InstructionRemove:
		set := make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
			record(change{kind: changeDelete, key: key, row: Row{ID: id}})
		}
		t.remove(set)
	}
	if len(ids) == 0 && ins.Kind != recovery.InstructionUpsert {
		log.Debugf("%v of txn %d matched no row of %s", ins.Kind, ins.TxnID, key)
	}
	return nil
}
