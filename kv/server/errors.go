package server

import (
	"fmt"

	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/util/lockwaiter"
	"github.com/pingcap/errors"
)

// ErrConflict is returned when the timestamp-ordering protocol denies a statement. The
// transaction must be rolled back, wait on Waiter and restart with a fresh timestamp; RunTxn
// does all of this.
type ErrConflict struct {
	Txn     bto.TxnID
	Blocker bto.TxnID
	Object  bto.ObjectID
	Action  bto.Action
	Waiter  *lockwaiter.Waiter
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("txn %d %s of object %x denied by txn %d", e.Txn, e.Action, uint64(e.Object), e.Blocker)
}

var (
	// ErrTxnFinished is returned when a committed or rolled back transaction is used.
	ErrTxnFinished = errors.New("transaction already finished")
	// ErrShutdown is returned by Begin once the server is shutting down.
	ErrShutdown = errors.New("server is shut down")
)

// IsConflict reports whether err is caused by an ErrConflict.
func IsConflict(err error) bool {
	_, ok := errors.Cause(err).(*ErrConflict)
	return ok
}
