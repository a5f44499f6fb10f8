// Package recovery implements the write-ahead log of the database: every transaction
// lifecycle event and data change is appended to an in-memory buffer that is flushed to a
// durable log file by checkpoints. The log drives the rollback of a single transaction and
// the redo/undo recovery after a crash.
//
// The manager only builds redo and undo instructions. Applying them to storage is up to the
// caller.
package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap-incubator/tinydb/kv/util"
	"github.com/pingcap-incubator/tinydb/kv/util/worker"
	"github.com/pingcap/errors"
)

// ErrTxnNotActive is returned for an entry of a transaction that never started or already
// committed or aborted.
type ErrTxnNotActive struct {
	Txn   bto.TxnID
	Event Event
}

func (e *ErrTxnNotActive) Error() string {
	return fmt.Sprintf("%s entry of txn %d which is not active", e.Event, e.Txn)
}

// Flusher persists the state that a checkpoint must freeze together with the log.
type Flusher interface {
	Flush() error
}

// Manager is the failure recovery manager.
type Manager struct {
	// gate is held shared by log writers and exclusively by checkpoints, so a checkpoint
	// pauses every writer and sees a consistent cut.
	gate sync.RWMutex

	// mu guards the fields below.
	mu         sync.Mutex
	buffer     []*Entry
	active     map[bto.TxnID]struct{}
	path       string
	bufferSize int
	flusher    Flusher

	wg     *sync.WaitGroup
	ticker *worker.Worker
}

// NewManager creates a manager appending to the log file at path. A checkpoint runs as soon
// as bufferSize entries are buffered.
func NewManager(path string, bufferSize int) (*Manager, error) {
	if bufferSize <= 0 {
		return nil, errors.Errorf("invalid log buffer size %d", bufferSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	f.Close()
	return &Manager{
		active:     make(map[bto.TxnID]struct{}),
		path:       path,
		bufferSize: bufferSize,
		wg:         new(sync.WaitGroup),
	}, nil
}

// SetFlusher registers the state flushed by every checkpoint before the log.
func (m *Manager) SetFlusher(f Flusher) {
	m.mu.Lock()
	m.flusher = f
	m.mu.Unlock()
}

// Path returns the durable log location.
func (m *Manager) Path() string {
	return m.path
}

type checkpointTask struct{}

type checkpointHandler struct {
	m *Manager
}

func (h checkpointHandler) Handle(t worker.Task) {
	if _, ok := t.(checkpointTask); !ok {
		return
	}
	if err := h.m.Checkpoint(); err != nil {
		log.Errorf("periodic checkpoint failed: %v", err)
	}
}

// Start runs a checkpoint every interval in the background. A zero interval only keeps the
// size triggered checkpoints.
func (m *Manager) Start(interval time.Duration) {
	if interval <= 0 || m.ticker != nil {
		return
	}
	m.ticker = worker.NewWorker("checkpoint", m.wg)
	m.ticker.Start(checkpointHandler{m: m})
	m.ticker.Tick(interval, checkpointTask{})
}

// Close stops the background checkpoint and flushes what is left in the buffer.
func (m *Manager) Close() error {
	if m.ticker != nil {
		m.ticker.Stop()
		m.wg.Wait()
		m.ticker = nil
	}
	return m.Checkpoint()
}

// WriteLogEntry appends a log entry for txn. desc, oldValue and newValue are only used by DATA
// entries. START and COMMIT maintain the active set, ABORT rolls txn back and ABORT_SYSTEM
// runs crash recovery; both return the instructions to apply. The call blocks while a
// checkpoint is running, and runs one itself when the buffer is full.
func (m *Manager) WriteLogEntry(txn bto.TxnID, event Event, desc *Descriptor, oldValue, newValue types.Tuple) (*Result, error) {
	if event == EventCheckpoint {
		return nil, errors.New("checkpoint markers are written by Checkpoint")
	}
	if event == EventData && desc == nil {
		return nil, errors.New("data entry without descriptor")
	}

	m.gate.RLock()
	m.mu.Lock()
	var (
		result *Result
		err    error
	)
	e := &Entry{TxnID: txn, Timestamp: time.Now(), Event: event, Old: oldValue.Clone(), New: newValue.Clone()}
	if desc != nil {
		d := *desc
		e.Descriptor = &d
	}
	if event == EventData || event == EventCommit || event == EventAbort {
		if _, ok := m.active[txn]; !ok {
			m.mu.Unlock()
			m.gate.RUnlock()
			return nil, &ErrTxnNotActive{Txn: txn, Event: event}
		}
	}
	switch event {
	case EventStart:
		m.active[txn] = struct{}{}
		m.appendLocked(e)
	case EventCommit:
		delete(m.active, txn)
		m.appendLocked(e)
	case EventAbort:
		result, err = m.rollbackLocked(txn, e)
	case EventAbortSystem:
		result, err = m.recoverLocked(e)
	default:
		m.appendLocked(e)
	}
	full := len(m.buffer) >= m.bufferSize
	m.mu.Unlock()
	m.gate.RUnlock()

	if err != nil {
		return nil, err
	}
	if full {
		if cerr := m.Checkpoint(); cerr != nil {
			// The entry is buffered, durability is degraded until a later checkpoint succeeds.
			log.Errorf("checkpoint after txn %d %s failed: %v", txn, event, cerr)
		}
	}
	return result, nil
}

// Commit appends the COMMIT entry of txn and runs publish before any checkpoint can start,
// so a checkpoint never sees the commit record without the committed data or the opposite.
// publish must not write log entries, and is not run for a transaction that is not active.
func (m *Manager) Commit(txn bto.TxnID, publish func() error) error {
	m.gate.RLock()
	m.mu.Lock()
	if _, ok := m.active[txn]; !ok {
		m.mu.Unlock()
		m.gate.RUnlock()
		return &ErrTxnNotActive{Txn: txn, Event: EventCommit}
	}
	delete(m.active, txn)
	m.appendLocked(&Entry{TxnID: txn, Timestamp: time.Now(), Event: EventCommit})
	full := len(m.buffer) >= m.bufferSize
	m.mu.Unlock()
	var err error
	if publish != nil {
		err = publish()
	}
	m.gate.RUnlock()

	if full {
		if cerr := m.Checkpoint(); cerr != nil {
			log.Errorf("checkpoint after commit of txn %d failed: %v", txn, cerr)
		}
	}
	return err
}

func (m *Manager) appendLocked(e *Entry) {
	m.buffer = append(m.buffer, e)
	logEntryCounter.WithLabelValues(e.Event.String()).Inc()
}

// Active returns the transactions that started and did not commit or abort.
func (m *Manager) Active() []bto.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() []bto.TxnID {
	txns := make([]bto.TxnID, 0, len(m.active))
	for txn := range m.active {
		txns = append(txns, txn)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })
	return txns
}

// Buffered returns a copy of the entries not flushed yet.
func (m *Manager) Buffered() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Entry(nil), m.buffer...)
}

// ReadLog returns the durable entries followed by the buffered ones.
func (m *Manager) ReadLog() ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	durable, err := m.readFileLocked()
	if err != nil {
		return nil, err
	}
	return append(durable, m.buffer...), nil
}

func (m *Manager) readFileLocked() ([]*Entry, error) {
	if !util.FileExists(m.path) {
		return nil, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return readEntries(f)
}
