// Package storage implements the storage engine: a catalog of databases and tables whose rows
// are kept in fixed-capacity blocks, per-transaction copy-on-write buffers, secondary indexes
// and the persistence of the committed store.
//
// A transaction reads its own buffer for the tables it has written and the committed store for
// the others. Its first write to a table clones the committed version, sharing every block
// until one is changed. CommitBuffer replays the row-level changes of the buffer onto the
// latest committed version, so transactions writing different rows of a table never lose each
// other's updates.
package storage

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/config"
	"github.com/pingcap-incubator/tinydb/kv/storage/index"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap-incubator/tinydb/kv/util/engine_util"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

type tableKey struct {
	db    string
	table string
}

func (k tableKey) String() string {
	return k.db + "." + k.table
}

type changeKind int

const (
	changeInsert changeKind = iota
	changeUpdate
	changeDelete
)

// change is one row-level mutation recorded by a transaction buffer.
type change struct {
	kind   changeKind
	key    tableKey
	row    Row
	column int
	value  types.Datum
}

type txnBuffer struct {
	tables  map[tableKey]*table
	changes []change
}

func (b *txnBuffer) record(c change) {
	b.changes = append(b.changes, c)
}

// Engine is the storage engine.
type Engine struct {
	conf    *config.Config
	idxOpts index.Options

	// mu guards the committed store.
	mu        sync.RWMutex
	databases map[string]map[string]*table
	// dirty holds the committed tables changed since the last flush.
	dirty map[tableKey]struct{}

	bufMu   sync.Mutex
	buffers map[bto.TxnID]*txnBuffer

	rowID atomic.Uint64
	// db persists the committed store, nil for a memory-only engine.
	db *badger.DB
}

// NewEngine creates an engine. With a non-empty conf.DBPath the committed store is loaded
// from and flushed to the badger database under it.
func NewEngine(conf *config.Config) (*Engine, error) {
	e := &Engine{
		conf:      conf,
		idxOpts:   index.Options{BTreeOrder: conf.BTreeOrder, HashBuckets: conf.HashBuckets},
		databases: make(map[string]map[string]*table),
		dirty:     make(map[tableKey]struct{}),
		buffers:   make(map[bto.TxnID]*txnBuffer),
	}
	if conf.DBPath == "" {
		return e, nil
	}
	db, err := engine_util.CreateDB(filepath.Join(conf.DBPath, "store"), conf.SyncWrites)
	if err != nil {
		return nil, err
	}
	e.db = db
	if err = e.load(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the badger database without flushing.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return errors.WithStack(e.db.Close())
}

// CreateDatabase adds an empty database to the catalog.
func (e *Engine) CreateDatabase(name string) error {
	if name == "" {
		return errors.New("database without name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.databases[name]; ok {
		return &ErrAlreadyExists{Kind: "database", Name: name}
	}
	if err := e.persistDatabase(name); err != nil {
		return err
	}
	e.databases[name] = make(map[string]*table)
	log.Infof("created database %s", name)
	return nil
}

// CreateTable adds an empty table to database db. The primary key gets a B+Tree index unless
// the schema declares one.
func (e *Engine) CreateTable(db string, schema TableSchema) error {
	s := schema.clone()
	if err := s.validate(); err != nil {
		return err
	}
	for _, def := range s.Indexes {
		if s.ColumnIndex(def.Column) < 0 {
			return notFound("column", s.Name+"."+def.Column)
		}
	}
	if _, ok := s.IndexOn(s.PrimaryKey); !ok {
		s.Indexes = append([]IndexDef{{Column: s.PrimaryKey, Kind: index.KindBPlusTree}}, s.Indexes...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	tables, ok := e.databases[db]
	if !ok {
		return notFound("database", db)
	}
	if _, ok := tables[s.Name]; ok {
		return &ErrAlreadyExists{Kind: "table", Name: db + "." + s.Name}
	}
	if err := e.persistSchema(db, s); err != nil {
		return err
	}
	tables[s.Name] = newTable(s)
	log.Infof("created table %s.%s", db, s.Name)
	return nil
}

// Databases lists the database names in order.
func (e *Engine) Databases() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.databases))
	for name := range e.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tables lists the tables of db in order.
func (e *Engine) Tables(db string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tables, ok := e.databases[db]
	if !ok {
		return nil, notFound("database", db)
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Schema returns the committed schema of db.table.
func (e *Engine) Schema(db, name string) (*TableSchema, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, err := e.committedLocked(db, name)
	if err != nil {
		return nil, err
	}
	return t.schema, nil
}

func (e *Engine) committedLocked(db, name string) (*table, error) {
	tables, ok := e.databases[db]
	if !ok {
		return nil, notFound("database", db)
	}
	t, ok := tables[name]
	if !ok {
		return nil, notFound("table", db+"."+name)
	}
	return t, nil
}

func (e *Engine) bufferOf(txn bto.TxnID) *txnBuffer {
	if txn == bto.NoTxn {
		return nil
	}
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return e.buffers[txn]
}

// view returns the versions of tables visible through buf, the buffer of the reading
// transaction if it has one. The caller holds e.mu for reading.
func (e *Engine) view(db string, names []string, buf *txnBuffer) ([]*table, error) {
	tables := make([]*table, len(names))
	for i, name := range names {
		if buf != nil {
			if t, ok := buf.tables[tableKey{db: db, table: name}]; ok {
				tables[i] = t
				continue
			}
		}
		t, err := e.committedLocked(db, name)
		if err != nil {
			return nil, err
		}
		tables[i] = t
	}
	return tables, nil
}

// buffered returns the buffered version of db.table for txn, cloning the committed one on the
// first call.
func (e *Engine) buffered(db, name string, txn bto.TxnID) (*table, *txnBuffer, error) {
	if txn == bto.NoTxn {
		return nil, nil, errors.New("write outside a transaction")
	}
	key := tableKey{db: db, table: name}
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	buf := e.buffers[txn]
	if buf != nil {
		if t, ok := buf.tables[key]; ok {
			return t, buf, nil
		}
	}

	e.mu.Lock()
	committed, err := e.committedLocked(db, name)
	var t *table
	if err == nil {
		t = committed.clone()
	}
	e.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	if buf == nil {
		buf = &txnBuffer{tables: make(map[tableKey]*table)}
		e.buffers[txn] = buf
		bufferCounter.WithLabelValues("created").Inc()
	}
	buf.tables[key] = t
	return t, buf, nil
}

// HasBuffer reports whether txn has written anything.
func (e *Engine) HasBuffer(txn bto.TxnID) bool {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	_, ok := e.buffers[txn]
	return ok
}

// CommitBuffer publishes the changes of txn to the committed store and drops its buffer. It is
// a no-op for a transaction that never wrote.
func (e *Engine) CommitBuffer(txn bto.TxnID) error {
	e.bufMu.Lock()
	buf := e.buffers[txn]
	delete(e.buffers, txn)
	e.bufMu.Unlock()
	if buf == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range buf.changes {
		e.replayLocked(c)
	}
	bufferCounter.WithLabelValues("committed").Inc()
	log.Debugf("txn %d committed %d changes", txn, len(buf.changes))
	return nil
}

func (e *Engine) replayLocked(c change) {
	t, err := e.committedLocked(c.key.db, c.key.table)
	if err != nil {
		log.Warnf("drop change on %s: %v", c.key, err)
		return
	}
	switch c.kind {
	case changeInsert:
		t.insert(c.row, e.conf.MaxRecordsPerBlock)
	case changeUpdate:
		if _, ok := t.update(c.row.ID, c.column, c.value); !ok {
			// Deleted by a transaction committed in between.
			log.Debugf("skip update of missing row %d in %s", c.row.ID, c.key)
		}
	case changeDelete:
		t.remove(map[uint64]struct{}{c.row.ID: {}})
	}
	e.dirty[c.key] = struct{}{}
}

// DiscardBuffer drops the buffer of txn.
func (e *Engine) DiscardBuffer(txn bto.TxnID) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	if _, ok := e.buffers[txn]; ok {
		delete(e.buffers, txn)
		bufferCounter.WithLabelValues("discarded").Inc()
	}
}

func (e *Engine) nextRowID() uint64 {
	return e.rowID.Inc()
}
