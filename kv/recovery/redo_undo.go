package recovery

import (
	"sort"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
)

// recoverLocked analyses the whole log from the last checkpoint. Transactions that were
// active at the checkpoint or started after it and then finished are redone. Transactions
// still active at the end of the log are the losers and are undone. The ABORT_SYSTEM entry
// is appended, followed by compensations and an ABORT for every loser, so running recovery
// twice yields no new work for the losers.
func (m *Manager) recoverLocked(abortSystem *Entry) (*Result, error) {
	durable, err := m.readFileLocked()
	if err != nil {
		log.Errorf("read log for recovery: %v", err)
	}
	all := make([]*Entry, 0, len(durable)+len(m.buffer))
	all = append(all, durable...)
	all = append(all, m.buffer...)

	cp := -1
	for i := len(durable) - 1; i >= 0; i-- {
		if durable[i].Event == EventCheckpoint {
			cp = i
			break
		}
	}

	active := make(map[bto.TxnID]struct{})
	if cp >= 0 {
		for _, txn := range all[cp].Active {
			active[txn] = struct{}{}
		}
	}
	finished := make(map[bto.TxnID]struct{})
	for _, e := range all[cp+1:] {
		switch e.Event {
		case EventStart:
			active[e.TxnID] = struct{}{}
		case EventCommit, EventAbort:
			delete(active, e.TxnID)
			finished[e.TxnID] = struct{}{}
		}
	}

	// Changes of the interesting transactions may precede the checkpoint, back to their START.
	low := scanStart(all, active, finished)

	result := &Result{}
	for _, e := range all[low:] {
		if _, ok := finished[e.TxnID]; ok && e.Event == EventData {
			result.Redo = append(result.Redo, redoOf(e))
		}
	}
	losers := make(map[bto.TxnID][]*Entry, len(active))
	for txn := range active {
		losers[txn] = nil
	}
	for i := len(all) - 1; i >= low; i-- {
		e := all[i]
		if _, ok := active[e.TxnID]; ok && e.Event == EventData {
			result.Undo = append(result.Undo, undoOf(e))
			losers[e.TxnID] = append(losers[e.TxnID], e)
		}
	}

	m.appendLocked(abortSystem)
	now := time.Now()
	for txn := range losers {
		result.Losers = append(result.Losers, txn)
	}
	sort.Slice(result.Losers, func(i, j int) bool { return result.Losers[i] < result.Losers[j] })
	for _, txn := range result.Losers {
		for _, e := range losers[txn] {
			m.appendLocked(compensate(e, now))
		}
		m.appendLocked(&Entry{TxnID: txn, Timestamp: now, Event: EventAbort})
		delete(m.active, txn)
	}
	log.Infof("recovery: checkpoint at %d, redo %d, undo %d, losers %v",
		cp, len(result.Redo), len(result.Undo), result.Losers)
	return result, nil
}

// scanStart returns the lowest index holding the START of a transaction in sets, or 0 when
// some START is missing.
func scanStart(all []*Entry, sets ...map[bto.TxnID]struct{}) int {
	pending := make(map[bto.TxnID]struct{})
	for _, set := range sets {
		for txn := range set {
			pending[txn] = struct{}{}
		}
	}
	low := len(all)
	for i := len(all) - 1; i >= 0 && len(pending) > 0; i-- {
		e := all[i]
		if e.Event != EventStart {
			continue
		}
		if _, ok := pending[e.TxnID]; ok {
			delete(pending, e.TxnID)
			low = i
		}
	}
	if len(pending) > 0 {
		return 0
	}
	return low
}
