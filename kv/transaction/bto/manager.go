// Package bto implements Basic Timestamp Ordering. Every transaction gets a timestamp at
// begin, and the issuance order of timestamps is the serialization order: a read or write of
// a data object is allowed only if no younger transaction has already performed a
// conflicting operation on it.
//
// A denied operation is not an error. The caller must abort its transaction, wait on the
// returned waiter until the conflicting transaction ends and retry with a fresh timestamp.
package bto

import (
	"sort"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/util/lockwaiter"
	"go.uber.org/atomic"
)

// TxnID is a transaction id. It doubles as the transaction's timestamp.
type TxnID uint64

// NoTxn is the id used by callers outside any transaction. Reads with NoTxn see the
// committed store and are never validated.
const NoTxn TxnID = 0

// Action is the kind of access being validated.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
)

func (a Action) String() string {
	if a == ActionWrite {
		return "write"
	}
	return "read"
}

// TimestampRecord holds the timestamps of the youngest transactions that read and wrote an
// object.
type TimestampRecord struct {
	ReadTS  TxnID `json:"read_ts"`
	WriteTS TxnID `json:"write_ts"`
}

// Decision is the outcome of a validation.
type Decision struct {
	Allowed bool
	TxnID   TxnID
	// Blocker is the younger transaction whose access caused the denial.
	Blocker TxnID
	// Waiter is set when the access is denied. It is released when Blocker ends.
	Waiter *lockwaiter.Waiter
}

// Manager is the concurrency control manager. There should only be one per database, shared
// by every client session.
type Manager struct {
	counter *atomic.Uint64

	mu      sync.Mutex
	records map[ObjectID]*TimestampRecord
	active  map[TxnID]struct{}

	waiters     *lockwaiter.Manager
	waitTimeout time.Duration
	// strict denies any access to an object whose last writer is still running.
	strict bool
}

// NewManager creates a manager. Denied transactions wait at most waitTimeout for their
// blocker, zero means no limit.
func NewManager(waitTimeout time.Duration) *Manager {
	return &Manager{
		counter:     atomic.NewUint64(0),
		records:     make(map[ObjectID]*TimestampRecord),
		active:      make(map[TxnID]struct{}),
		waiters:     lockwaiter.NewManager(),
		waitTimeout: waitTimeout,
	}
}

// Begin assigns the next timestamp. Timestamps are never reused.
func (m *Manager) Begin() TxnID {
	txn := TxnID(m.counter.Inc())
	m.mu.Lock()
	m.active[txn] = struct{}{}
	activeTxnGauge.Set(float64(len(m.active)))
	m.mu.Unlock()
	m.waiters.Register(uint64(txn))
	return txn
}

// SetStrict turns strict ordering on or off. Under strict ordering a transaction may not read
// or overwrite an object written by another transaction that has not ended yet; it is denied
// and waits for the writer like for any other conflict.
func (m *Manager) SetStrict(strict bool) {
	m.mu.Lock()
	m.strict = strict
	m.mu.Unlock()
}

// Advance makes every later timestamp greater than txn. It is used at startup so that ids
// found in the log are never handed out again.
func (m *Manager) Advance(txn TxnID) {
	for {
		cur := m.counter.Load()
		if cur >= uint64(txn) || m.counter.CAS(cur, uint64(txn)) {
			return
		}
	}
}

// Validate checks whether txn may perform action on obj, and records the access when it may.
func (m *Manager) Validate(obj ObjectID, txn TxnID, action Action) Decision {
	if txn == NoTxn {
		return Decision{Allowed: true, TxnID: txn}
	}

	m.mu.Lock()
	rec, ok := m.records[obj]
	if !ok {
		rec = new(TimestampRecord)
		m.records[obj] = rec
	}

	var blocker TxnID
	switch action {
	case ActionWrite:
		// A younger transaction already read or wrote this object.
		if youngest := maxTxn(rec.ReadTS, rec.WriteTS); txn < youngest {
			blocker = youngest
		} else if m.dirtyLocked(rec, txn) {
			blocker = rec.WriteTS
		} else {
			rec.WriteTS = txn
		}
	case ActionRead:
		// A younger transaction already wrote this object.
		if rec.WriteTS > txn || m.dirtyLocked(rec, txn) {
			blocker = rec.WriteTS
		} else {
			rec.ReadTS = maxTxn(rec.ReadTS, txn)
		}
	}
	m.mu.Unlock()

	if blocker == NoTxn {
		validationCounter.WithLabelValues(action.String(), "allow").Inc()
		return Decision{Allowed: true, TxnID: txn}
	}
	validationCounter.WithLabelValues(action.String(), "deny").Inc()
	log.Debugf("txn %d %s of object %x denied by txn %d", txn, action, obj, blocker)
	return Decision{
		Allowed: false,
		TxnID:   txn,
		Blocker: blocker,
		Waiter:  m.waiters.NewWaiter(uint64(txn), uint64(blocker), uint64(obj), m.waitTimeout),
	}
}

// End finishes txn, whatever its outcome, and wakes every transaction waiting on it.
func (m *Manager) End(txn TxnID) {
	m.mu.Lock()
	delete(m.active, txn)
	activeTxnGauge.Set(float64(len(m.active)))
	m.mu.Unlock()
	m.waiters.WakeUp(uint64(txn))
}

// CleanUp drops a waiter that gave up waiting.
func (m *Manager) CleanUp(w *lockwaiter.Waiter) {
	m.waiters.CleanUp(w)
}

// Waiting returns the number of transactions waiting for txn to end.
func (m *Manager) Waiting(txn TxnID) int {
	return m.waiters.Waiting(uint64(txn))
}

// Record returns a copy of the timestamps recorded for obj.
func (m *Manager) Record(obj ObjectID) TimestampRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[obj]; ok {
		return *rec
	}
	return TimestampRecord{}
}

// Active returns the running transactions in timestamp order.
func (m *Manager) Active() []TxnID {
	m.mu.Lock()
	txns := make([]TxnID, 0, len(m.active))
	for txn := range m.active {
		txns = append(txns, txn)
	}
	m.mu.Unlock()
	sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })
	return txns
}

// IsActive reports whether txn began and did not end.
func (m *Manager) IsActive(txn TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[txn]
	return ok
}

// GC drops the records that can no longer deny anybody: both timestamps are older than every
// running transaction and every future one. It returns the number of records removed.
func (m *Manager) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	horizon := TxnID(m.counter.Load()) + 1
	for txn := range m.active {
		if txn < horizon {
			horizon = txn
		}
	}
	removed := 0
	for obj, rec := range m.records {
		if rec.ReadTS < horizon && rec.WriteTS < horizon {
			delete(m.records, obj)
			removed++
		}
	}
	return removed
}

// dirtyLocked reports whether strict ordering forbids txn to access an object last written by
// a running transaction.
func (m *Manager) dirtyLocked(rec *TimestampRecord, txn TxnID) bool {
	if !m.strict || rec.WriteTS == NoTxn || rec.WriteTS == txn {
		return false
	}
	_, running := m.active[rec.WriteTS]
	return running
}

func maxTxn(a, b TxnID) TxnID {
	if a > b {
		return a
	}
	return b
}
