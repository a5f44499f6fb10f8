package recovery

import (
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
)

// rollbackLocked walks the log backward to the START of txn, appends a compensating DATA
// entry for each change found and finally the ABORT entry itself.
func (m *Manager) rollbackLocked(txn bto.TxnID, abort *Entry) (*Result, error) {
	var changes []*Entry
	found := false
	visit := func(e *Entry) bool {
		if e.TxnID != txn {
			return false
		}
		switch e.Event {
		case EventStart:
			return true
		case EventData:
			changes = append(changes, e)
		}
		return false
	}

	for i := len(m.buffer) - 1; i >= 0 && !found; i-- {
		found = visit(m.buffer[i])
	}
	if !found {
		durable, err := m.readFileLocked()
		if err != nil {
			log.Errorf("read log for rollback of txn %d: %v", txn, err)
		}
		for i := len(durable) - 1; i >= 0 && !found; i-- {
			found = visit(durable[i])
		}
	}
	if !found {
		log.Warnf("START of txn %d not found, rolled back %d changes", txn, len(changes))
	}

	now := time.Now()
	result := &Result{Undo: make([]Instruction, 0, len(changes))}
	for _, e := range changes {
		comp := compensate(e, now)
		m.appendLocked(comp)
		result.Undo = append(result.Undo, redoOf(comp))
	}
	delete(m.active, txn)
	m.appendLocked(abort)
	return result, nil
}
