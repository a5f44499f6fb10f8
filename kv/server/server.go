// Package server is the query processor of tinydb. It drives every statement of a transaction
// through validation by the timestamp-ordering manager, the write-ahead log and the storage
// engine, and restarts transactions denied by the protocol.
package server

import (
	"sort"
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/config"
	"github.com/pingcap-incubator/tinydb/kv/recovery"
	"github.com/pingcap-incubator/tinydb/kv/storage"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/transaction/latches"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
)

// Server composes the concurrency control manager, the recovery manager and the storage
// engine. It is safe for concurrent use by many client sessions.
type Server struct {
	conf    *config.Config
	cc      *bto.Manager
	wal     *recovery.Manager
	engine  *storage.Engine
	latches *latches.Latches

	// recovered is the outcome of the recovery run by Open.
	recovered *recovery.Result

	mu     sync.Mutex
	txns   map[bto.TxnID]*Txn
	closed bool
}

// Open loads the committed store, runs crash recovery over the log and starts the periodic
// checkpoint.
func Open(conf *config.Config) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log.SetLevelByString(conf.LogLevel)

	engine, err := storage.NewEngine(conf)
	if err != nil {
		return nil, err
	}
	wal, err := recovery.NewManager(conf.WALPath(), conf.LogBufferSize)
	if err != nil {
		engine.Close()
		return nil, err
	}
	wal.SetFlusher(engine)

	cc := bto.NewManager(conf.WaitTimeout.Duration)
	cc.SetStrict(conf.StrictOrdering)
	s := &Server{
		conf:    conf,
		cc:      cc,
		wal:     wal,
		engine:  engine,
		latches: latches.NewLatches(),
		txns:    make(map[bto.TxnID]*Txn),
	}
	if s.recovered, err = s.Recover(); err != nil {
		engine.Close()
		return nil, errors.Annotate(err, "recover")
	}
	wal.Start(conf.CheckpointInterval.Duration)
	log.Infof("tinydb opened at %s, log %s", conf.DBPath, wal.Path())
	return s, nil
}

// Engine returns the storage engine, for catalog changes and statistics.
func (s *Server) Engine() *storage.Engine {
	return s.engine
}

// Log returns the recovery manager.
func (s *Server) Log() *recovery.Manager {
	return s.wal
}

// Recovered returns what the recovery run at startup did.
func (s *Server) Recovered() *recovery.Result {
	return s.recovered
}

// Active lists the open transactions in order.
func (s *Server) Active() []bto.TxnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]bto.TxnID, 0, len(s.txns))
	for id := range s.txns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TxnInfo describes an open transaction.
type TxnInfo struct {
	ID       bto.TxnID `json:"id"`
	Database string    `json:"database"`
	// Wrote is set once the transaction changed a table.
	Wrote   bool `json:"wrote"`
	Waiters int  `json:"waiters"`
}

// TxnInfo returns the state of the open transaction id, false if there is none.
func (s *Server) TxnInfo(id bto.TxnID) (TxnInfo, bool) {
	s.mu.Lock()
	txn := s.txns[id]
	s.mu.Unlock()
	if txn == nil || !s.cc.IsActive(id) {
		return TxnInfo{}, false
	}
	return TxnInfo{
		ID:       id,
		Database: txn.Database,
		Wrote:    s.engine.HasBuffer(id),
		Waiters:  s.cc.Waiting(id),
	}, true
}

// Timestamps returns the timestamps recorded for the data object statements on tables of db
// with conds access.
func (s *Server) Timestamps(db string, tables []string, conds []types.Condition) bto.TimestampRecord {
	return s.cc.Record(s.object(db, tables, conds))
}

// Recover runs crash recovery: it logs ABORT_SYSTEM, applies the redo instructions and then
// the undo instructions to the committed store, ends the running transactions recovery
// aborted, and checkpoints the result. Transaction ids
// found in the log are never handed out again.
func (s *Server) Recover() (*recovery.Result, error) {
	res, err := s.wal.WriteLogEntry(bto.NoTxn, recovery.EventAbortSystem, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	if err = s.engine.ApplyInstructions(bto.NoTxn, res.Redo); err != nil {
		return nil, errors.Annotate(err, "redo")
	}
	if err = s.engine.ApplyInstructions(bto.NoTxn, res.Undo); err != nil {
		return nil, errors.Annotate(err, "undo")
	}
	if len(res.Redo)+len(res.Undo) > 0 {
		log.Infof("recovery redid %d changes, undid %d changes of txns %v", len(res.Redo), len(res.Undo), res.Losers)
	}
	for _, id := range res.Losers {
		s.mu.Lock()
		txn := s.txns[id]
		s.mu.Unlock()
		if txn != nil {
			s.abandon(txn)
		}
	}

	entries, err := s.wal.ReadLog()
	if err != nil {
		return nil, err
	}
	var last bto.TxnID
	for _, e := range entries {
		if e.TxnID > last {
			last = e.TxnID
		}
	}
	s.cc.Advance(last)
	return res, s.Checkpoint()
}

// Checkpoint flushes the committed store and the log buffer, and drops the timestamp records
// no transaction can conflict with anymore.
func (s *Server) Checkpoint() error {
	if err := s.wal.Checkpoint(); err != nil {
		return err
	}
	if n := s.cc.GC(); n > 0 {
		log.Debugf("dropped %d timestamp records", n)
	}
	return nil
}

// Shutdown rolls back every open transaction, which wakes the transactions waiting on them,
// then writes a final checkpoint and closes the store. The host process calls it when it is
// asked to stop. Later calls do nothing.
func (s *Server) Shutdown(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*Txn, 0, len(s.txns))
	for _, txn := range s.txns {
		open = append(open, txn)
	}
	s.mu.Unlock()

	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	log.Warnf("shutting down (%s), rolling back %d open transactions", reason, len(open))
	for _, txn := range open {
		if err := s.Rollback(txn); err != nil {
			log.Errorf("rollback txn %d on shutdown: %v", txn.ID, err)
		}
	}

	err := s.wal.Close()
	if cerr := s.engine.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close is Shutdown for a regular stop.
func (s *Server) Close() error {
	return s.Shutdown("close")
}
