package server

import (
	"github.com/pingcap-incubator/tinydb/kv/recovery"
	"github.com/pingcap-incubator/tinydb/kv/storage"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
)

// Operation is a parsed statement.
type Operation interface {
	kind() string
	execute(s *Server, txn *Txn) (*Result, error)
}

// Result is the outcome of a statement: the rows of a Select, or the number of rows changed.
type Result struct {
	Rows     *storage.Rows
	Affected int
}

// The statements. Each one has the shape of the storage operation it becomes.
type (
	Select      storage.Retrieval
	Update      storage.Write
	Delete      storage.Delete
	Insert      storage.Insert
	CreateIndex storage.CreateIndex
)

func (s *Server) object(db string, tables []string, conds []types.Condition) bto.ObjectID {
	return bto.ObjectKey(s.conf.Granularity, db, tables, conds)
}

func (s *Server) validate(obj bto.ObjectID, txn *Txn, action bto.Action) error {
	d := s.cc.Validate(obj, txn.ID, action)
	if d.Allowed {
		return nil
	}
	return &ErrConflict{Txn: txn.ID, Blocker: d.Blocker, Object: obj, Action: action, Waiter: d.Waiter}
}

// latch validates a write of obj by txn and latches obj for the rest of the statement. The
// returned function releases the latch.
func (s *Server) latch(obj bto.ObjectID, txn *Txn) (func(), error) {
	objs := []bto.ObjectID{obj}
	s.latches.WaitForLatches(objs)
	if err := s.validate(obj, txn, bto.ActionWrite); err != nil {
		s.latches.ReleaseLatches(objs)
		return nil, err
	}
	return func() { s.latches.ReleaseLatches(objs) }, nil
}

func (s *Server) logData(txn *Txn, desc *recovery.Descriptor, oldValue, newValue types.Tuple) error {
	_, err := s.wal.WriteLogEntry(txn.ID, recovery.EventData, desc, oldValue, newValue)
	return err
}

func (op Select) kind() string { return "select" }

func (op Select) execute(s *Server, txn *Txn) (*Result, error) {
	r := storage.Retrieval(op)
	if err := s.validate(s.object(txn.Database, r.Tables, r.Conditions), txn, bto.ActionRead); err != nil {
		return nil, err
	}
	rows, err := s.engine.ReadBlock(r, txn.Database, txn.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Rows: rows, Affected: rows.Count}, nil
}

func (op Update) kind() string { return "update" }

// execute logs one DATA entry per changed column of every matching row before the buffer is
// changed.
func (op Update) execute(s *Server, txn *Txn) (*Result, error) {
	w := storage.Write(op)
	release, err := s.latch(s.object(txn.Database, []string{w.Table}, w.Conditions), txn)
	if err != nil {
		return nil, err
	}
	defer release()

	schema, images, err := s.engine.Affected(txn.Database, w.Table, w.Conditions, txn.ID)
	if err != nil {
		return nil, err
	}
	assignments, err := schema.BindAssignments(w.Assignments)
	if err != nil {
		return nil, err
	}
	if err = s.engine.CheckWrite(w, txn.Database, txn.ID); err != nil {
		return nil, err
	}
	pk := schema.PrimaryKeyIndex()
	for _, img := range images {
		for _, a := range assignments {
			desc := &recovery.Descriptor{
				Database:        txn.Database,
				Table:           w.Table,
				Column:          schema.Columns[a.Column].Name,
				PrimaryKey:      schema.PrimaryKey,
				PrimaryKeyValue: img.Values[pk],
			}
			if err = s.logData(txn, desc, types.Tuple{img.Values[a.Column]}, types.Tuple{a.Value}); err != nil {
				return nil, err
			}
			// Later entries of the row see this change, a new primary key included.
			img.Values[a.Column] = a.Value
		}
	}
	n, err := s.engine.WriteBlock(w, txn.Database, txn.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Affected: n}, nil
}

func (op Delete) kind() string { return "delete" }

func (op Delete) execute(s *Server, txn *Txn) (*Result, error) {
	d := storage.Delete(op)
	release, err := s.latch(s.object(txn.Database, []string{d.Table}, d.Conditions), txn)
	if err != nil {
		return nil, err
	}
	defer release()

	schema, images, err := s.engine.Affected(txn.Database, d.Table, d.Conditions, txn.ID)
	if err != nil {
		return nil, err
	}
	pk := schema.PrimaryKeyIndex()
	for _, img := range images {
		desc := &recovery.Descriptor{
			Database:        txn.Database,
			Table:           d.Table,
			PrimaryKey:      schema.PrimaryKey,
			PrimaryKeyValue: img.Values[pk],
		}
		if err = s.logData(txn, desc, img.Values, nil); err != nil {
			return nil, err
		}
	}
	n, err := s.engine.DeleteBlock(d, txn.Database, txn.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Affected: n}, nil
}

func (op Insert) kind() string { return "insert" }

// execute validates the insert as a write of the whole table.
func (op Insert) execute(s *Server, txn *Txn) (*Result, error) {
	i := storage.Insert(op)
	release, err := s.latch(s.object(txn.Database, []string{i.Table}, nil), txn)
	if err != nil {
		return nil, err
	}
	defer release()

	schema, err := s.engine.Schema(txn.Database, i.Table)
	if err != nil {
		return nil, err
	}
	rows, err := s.engine.NormalizeInsert(txn.Database, i)
	if err != nil {
		return nil, err
	}
	if err = s.engine.CheckInsert(txn.Database, i.Table, rows, txn.ID); err != nil {
		return nil, err
	}
	pk := schema.PrimaryKeyIndex()
	for _, row := range rows {
		desc := &recovery.Descriptor{
			Database:        txn.Database,
			Table:           i.Table,
			PrimaryKey:      schema.PrimaryKey,
			PrimaryKeyValue: row[pk],
		}
		if err = s.logData(txn, desc, nil, row); err != nil {
			return nil, err
		}
	}
	n, err := s.engine.InsertData(i, txn.Database, txn.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Affected: n}, nil
}

func (op CreateIndex) kind() string { return "create_index" }

// execute publishes the index at once. Index declarations are not logged.
func (op CreateIndex) execute(s *Server, txn *Txn) (*Result, error) {
	if err := s.engine.CreateIndex(storage.CreateIndex(op), txn.Database, txn.ID); err != nil {
		return nil, err
	}
	return &Result{}, nil
}
