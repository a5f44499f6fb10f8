package server

import (
	"context"
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/recovery"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/util/lockwaiter"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Txn is a running transaction. Its statements must be run by one goroutine, but it may be
// rolled back from another one, by Shutdown or Recover.
type Txn struct {
	ID       bto.TxnID
	Database string

	// mu is held by a running statement, commit or rollback.
	mu       sync.Mutex
	finished atomic.Bool
}

// finish marks txn finished and reports whether it was running.
func (txn *Txn) finish() bool {
	return txn.finished.CAS(false, true)
}

// Finished reports whether txn was committed or rolled back.
func (txn *Txn) Finished() bool {
	return txn.finished.Load()
}

// Begin starts a transaction on database db and logs its START entry.
func (s *Server) Begin(ctx context.Context, db string) (*Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	txn := &Txn{ID: s.cc.Begin(), Database: db}
	s.txns[txn.ID] = txn
	s.mu.Unlock()

	if _, err := s.wal.WriteLogEntry(txn.ID, recovery.EventStart, nil, nil, nil); err != nil {
		s.end(txn)
		return nil, err
	}
	return txn, nil
}

// Execute runs one statement in txn. A statement denied by the timestamp-ordering protocol
// fails with an *ErrConflict and leaves txn to be rolled back.
func (s *Server) Execute(ctx context.Context, txn *Txn, op Operation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.Finished() {
		return nil, ErrTxnFinished
	}
	statementCounter.WithLabelValues(op.kind()).Inc()
	return op.execute(s, txn)
}

// Commit logs the COMMIT entry of txn, publishes its buffer and ends it. No checkpoint can
// separate the two first steps.
func (s *Server) Commit(txn *Txn) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if !txn.finish() {
		return ErrTxnFinished
	}
	err := s.wal.Commit(txn.ID, func() error {
		return s.engine.CommitBuffer(txn.ID)
	})
	if err != nil {
		s.engine.DiscardBuffer(txn.ID)
	}
	s.end(txn)
	if err != nil {
		txnCounter.WithLabelValues("commit_failed").Inc()
		return err
	}
	txnCounter.WithLabelValues("commit").Inc()
	return nil
}

// Rollback logs the ABORT of txn, drops its buffer and ends txn. Every change of txn lives in
// its buffer only, so dropping the buffer reverses all of them and the undo instructions of
// the ABORT are not applied.
func (s *Server) Rollback(txn *Txn) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if !txn.finish() {
		return ErrTxnFinished
	}
	res, err := s.wal.WriteLogEntry(txn.ID, recovery.EventAbort, nil, nil, nil)
	if err == nil {
		log.Debugf("txn %d rolled back %d changes", txn.ID, len(res.Undo))
	}
	s.engine.DiscardBuffer(txn.ID)
	s.end(txn)
	txnCounter.WithLabelValues("rollback").Inc()
	return err
}

// abandon ends txn after recovery aborted it in the log and undid its changes.
func (s *Server) abandon(txn *Txn) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if !txn.finish() {
		return
	}
	s.engine.DiscardBuffer(txn.ID)
	s.end(txn)
	txnCounter.WithLabelValues("recovered").Inc()
}

func (s *Server) end(txn *Txn) {
	s.cc.End(txn.ID)
	s.mu.Lock()
	delete(s.txns, txn.ID)
	s.mu.Unlock()
}

// RunTxn runs fn in a transaction on db and commits it. When a statement of fn is denied, the
// transaction is rolled back, waits for the conflicting transaction to end and fn runs again
// in a new transaction with a fresh timestamp, at most MaxRetries times. Any other error of
// fn rolls back and is returned.
func (s *Server) RunTxn(ctx context.Context, db string, fn func(txn *Txn) error) error {
	for attempt := 0; ; attempt++ {
		txn, err := s.Begin(ctx, db)
		if err != nil {
			return err
		}
		if err = fn(txn); err == nil {
			return s.Commit(txn)
		}
		if rerr := s.Rollback(txn); rerr != nil && rerr != ErrTxnFinished {
			log.Warnf("rollback txn %d: %v", txn.ID, rerr)
		}

		conflict, ok := errors.Cause(err).(*ErrConflict)
		if !ok {
			return err
		}
		if attempt >= s.conf.MaxRetries {
			return errors.Annotatef(err, "gave up after %d retries", attempt)
		}
		retryCounter.Inc()
		log.Infof("txn %d denied by txn %d, retry %d", txn.ID, conflict.Blocker, attempt+1)
		result := conflict.Waiter.Wait(ctx)
		if !result.Released() {
			s.cc.CleanUp(conflict.Waiter)
			if result.Position == lockwaiter.WaitCanceled {
				return ctx.Err()
			}
			log.Warnf("txn %d timed out waiting for txn %d", txn.ID, conflict.Blocker)
		}
	}
}

// Exec runs op alone in its own transaction, with the retries of RunTxn.
func (s *Server) Exec(ctx context.Context, db string, op Operation) (*Result, error) {
	var res *Result
	err := s.RunTxn(ctx, db, func(txn *Txn) error {
		var err error
		res, err = s.Execute(ctx, txn, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
