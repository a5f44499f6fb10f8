package server

import (
	"context"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydb/kv/config"
	"github.com/pingcap-incubator/tinydb/kv/recovery"
	"github.com/pingcap-incubator/tinydb/kv/storage"
	"github.com/pingcap-incubator/tinydb/kv/storage/index"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDB = "bank"

func newTestConfig(t *testing.T) (*config.Config, func()) {
	dir, err := ioutil.TempDir("", "tinydb-server")
	require.Nil(t, err)
	conf := config.NewTestConfig()
	conf.DBPath = dir
	conf.LogBufferSize = 100
	return conf, func() { os.RemoveAll(dir) }
}

func openTestServer(t *testing.T, conf *config.Config) *Server {
	s, err := Open(conf)
	require.Nil(t, err)
	return s
}

// setupBank creates bank.account with balances 100 for accounts 1 to n.
func setupBank(t *testing.T, s *Server, n int) {
	require.Nil(t, s.Engine().CreateDatabase(testDB))
	require.Nil(t, s.Engine().CreateTable(testDB, storage.TableSchema{
		Name: "account",
		Columns: []storage.Column{
			{Name: "id", Kind: types.KindInt},
			{Name: "balance", Kind: types.KindInt},
		},
		PrimaryKey: "id",
	}))
	values := make([]types.Tuple, 0, n)
	for i := 1; i <= n; i++ {
		values = append(values, types.Tuple{types.NewIntDatum(int64(i)), types.NewIntDatum(100)})
	}
	res, err := s.Exec(context.Background(), testDB, Insert{Table: "account", Values: values})
	require.Nil(t, err)
	require.Equal(t, n, res.Affected)
}

func byID(id int) []types.Condition {
	return []types.Condition{{Column: "id", Op: types.OpEQ, Value: types.NewIntDatum(int64(id))}}
}

func setBalance(id, balance int) Update {
	return Update{
		Table:       "account",
		Assignments: []storage.Assignment{{Column: "balance", Value: types.NewIntDatum(int64(balance))}},
		Conditions:  byID(id),
	}
}

func balanceOf(t *testing.T, s *Server, id int) int64 {
	rows, err := s.Engine().ReadBlock(storage.Retrieval{Tables: []string{"account"}, Columns: []string{"balance"}, Conditions: byID(id)}, testDB, bto.NoTxn)
	require.Nil(t, err)
	require.Equal(t, 1, rows.Count)
	return rows.Data[0][0].GetInt64()
}

func countEvents(entries []*recovery.Entry, txn bto.TxnID, event recovery.Event) int {
	n := 0
	for _, e := range entries {
		if e.TxnID == txn && e.Event == event {
			n++
		}
	}
	return n
}

func TestExecuteAndCommit(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 3)
	ctx := context.Background()

	txn, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	res, err := s.Execute(ctx, txn, setBalance(2, 70))
	require.Nil(t, err)
	assert.Equal(t, 1, res.Affected)
	res, err = s.Execute(ctx, txn, Select{Tables: []string{"account"}, Columns: []string{"balance"}, Conditions: byID(2)})
	require.Nil(t, err)
	assert.Equal(t, int64(70), res.Rows.Data[0][0].GetInt64())
	assert.Equal(t, int64(100), balanceOf(t, s, 2))

	require.Nil(t, s.Commit(txn))
	assert.Equal(t, int64(70), balanceOf(t, s, 2))
	assert.True(t, txn.Finished())
	assert.Equal(t, ErrTxnFinished, s.Commit(txn))
	_, err = s.Execute(ctx, txn, setBalance(2, 1))
	assert.Equal(t, ErrTxnFinished, err)

	entries, err := s.Log().ReadLog()
	require.Nil(t, err)
	assert.Equal(t, 1, countEvents(entries, txn.ID, recovery.EventStart))
	assert.Equal(t, 1, countEvents(entries, txn.ID, recovery.EventData))
	assert.Equal(t, 1, countEvents(entries, txn.ID, recovery.EventCommit))
	for _, e := range entries {
		if e.TxnID == txn.ID && e.Event == recovery.EventData {
			assert.Equal(t, "balance", e.Descriptor.Column)
			assert.Equal(t, types.Tuple{types.NewIntDatum(100)}, e.Old)
			assert.Equal(t, types.Tuple{types.NewIntDatum(70)}, e.New)
		}
	}
}

func TestDeleteAndInsertAreLogged(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 3)
	ctx := context.Background()

	var id bto.TxnID
	err := s.RunTxn(ctx, testDB, func(txn *Txn) error {
		id = txn.ID
		if _, err := s.Execute(ctx, txn, Delete{Table: "account", Conditions: byID(1)}); err != nil {
			return err
		}
		_, err := s.Execute(ctx, txn, Insert{
			Table:   "account",
			Columns: []string{"id"},
			Values:  []types.Tuple{{types.NewIntDatum(9)}},
		})
		return err
	})
	require.Nil(t, err)

	res, err := s.Exec(ctx, testDB, Select{Tables: []string{"account"}, Columns: []string{"id"}})
	require.Nil(t, err)
	assert.Equal(t, 3, res.Rows.Count)
	assert.Equal(t, int64(9), res.Rows.Data[2][0].GetInt64())

	entries, err := s.Log().ReadLog()
	require.Nil(t, err)
	var data []*recovery.Entry
	for _, e := range entries {
		if e.TxnID == id && e.Event == recovery.EventData {
			data = append(data, e)
		}
	}
	require.Len(t, data, 2)
	assert.True(t, data[0].Descriptor.WholeRow())
	assert.Equal(t, types.Tuple{types.NewIntDatum(1), types.NewIntDatum(100)}, data[0].Old)
	assert.Len(t, data[0].New, 0)
	assert.Len(t, data[1].Old, 0)
	assert.Equal(t, types.Tuple{types.NewIntDatum(9), types.Datum{}}, data[1].New)
}

func TestRollback(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 3)
	ctx := context.Background()

	txn, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	_, err = s.Execute(ctx, txn, setBalance(1, 0))
	require.Nil(t, err)
	_, err = s.Execute(ctx, txn, Delete{Table: "account", Conditions: byID(3)})
	require.Nil(t, err)
	require.Nil(t, s.Rollback(txn))
	assert.Equal(t, ErrTxnFinished, s.Rollback(txn))

	assert.Equal(t, int64(100), balanceOf(t, s, 1))
	assert.Equal(t, int64(100), balanceOf(t, s, 3))
	assert.False(t, s.Engine().HasBuffer(txn.ID))

	entries, err := s.Log().ReadLog()
	require.Nil(t, err)
	// Two changes and their two compensations.
	assert.Equal(t, 4, countEvents(entries, txn.ID, recovery.EventData))
	assert.Equal(t, 1, countEvents(entries, txn.ID, recovery.EventAbort))
	assert.NotContains(t, s.Log().Active(), txn.ID)
}

func TestOlderReadOfYoungerWriteConflicts(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 2)
	ctx := context.Background()

	older, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	younger, err := s.Begin(ctx, testDB)
	require.Nil(t, err)

	_, err = s.Execute(ctx, younger, setBalance(1, 5))
	require.Nil(t, err)
	_, err = s.Execute(ctx, older, Select{Tables: []string{"account"}, Conditions: byID(1)})
	require.NotNil(t, err)
	assert.True(t, IsConflict(err))
	conflict := errors.Cause(err).(*ErrConflict)
	assert.Equal(t, younger.ID, conflict.Blocker)
	assert.Equal(t, older.ID, conflict.Txn)

	// Another data object does not conflict.
	_, err = s.Execute(ctx, older, Select{Tables: []string{"account"}, Conditions: byID(2)})
	assert.Nil(t, err)

	require.Nil(t, s.Rollback(older))
	require.Nil(t, s.Commit(younger))
	assert.True(t, conflict.Waiter.Wait(ctx).Released())
}

func TestRunTxnRetriesAfterConflict(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 2)
	ctx := context.Background()

	var (
		attempts int
		wg       sync.WaitGroup
		seen     int64
	)
	err := s.RunTxn(ctx, testDB, func(txn *Txn) error {
		attempts++
		if attempts == 1 {
			// A younger transaction writes the row first and commits a little later.
			younger, err := s.Begin(ctx, testDB)
			require.Nil(t, err)
			_, err = s.Execute(ctx, younger, setBalance(1, 42))
			require.Nil(t, err)
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(50 * time.Millisecond)
				assert.Nil(t, s.Commit(younger))
			}()
		}
		res, err := s.Execute(ctx, txn, Select{Tables: []string{"account"}, Columns: []string{"balance"}, Conditions: byID(1)})
		if err != nil {
			return err
		}
		seen = res.Rows.Data[0][0].GetInt64()
		return nil
	})
	wg.Wait()
	require.Nil(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(42), seen)
}

func TestRunTxnReturnsOtherErrors(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 1)
	ctx := context.Background()

	attempts := 0
	err := s.RunTxn(ctx, testDB, func(txn *Txn) error {
		attempts++
		_, err := s.Execute(ctx, txn, setBalance(1, 0))
		require.Nil(t, err)
		_, err = s.Execute(ctx, txn, Select{Tables: []string{"missing"}})
		return err
	})
	assert.IsType(t, &storage.ErrNotFound{}, errors.Cause(err))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int64(100), balanceOf(t, s, 1))
}

func TestCreateIndexStatement(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 5)
	ctx := context.Background()

	_, err := s.Exec(ctx, testDB, CreateIndex{Table: "account", Column: "balance", Kind: index.KindHash})
	require.Nil(t, err)
	_, err = s.Exec(ctx, testDB, setBalance(4, 7))
	require.Nil(t, err)
	res, err := s.Exec(ctx, testDB, Select{
		Tables:     []string{"account"},
		Columns:    []string{"id"},
		Conditions: []types.Condition{{Column: "balance", Op: types.OpEQ, Value: types.NewIntDatum(7)}},
	})
	require.Nil(t, err)
	require.Equal(t, 1, res.Rows.Count)
	assert.Equal(t, int64(4), res.Rows.Data[0][0].GetInt64())
}

func TestConcurrentTransfers(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	conf.MaxRetries = 100
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 4)
	ctx := context.Background()

	transfer := func(from, to int) error {
		return s.RunTxn(ctx, testDB, func(txn *Txn) error {
			read := func(id int) (int64, error) {
				res, err := s.Execute(ctx, txn, Select{Tables: []string{"account"}, Columns: []string{"balance"}, Conditions: byID(id)})
				if err != nil {
					return 0, err
				}
				return res.Rows.Data[0][0].GetInt64(), nil
			}
			a, err := read(from)
			if err != nil {
				return err
			}
			b, err := read(to)
			if err != nil {
				return err
			}
			if _, err = s.Execute(ctx, txn, setBalance(from, int(a-10))); err != nil {
				return err
			}
			_, err = s.Execute(ctx, txn, setBalance(to, int(b+10)))
			return err
		})
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- transfer(i%4+1, (i+1)%4+1)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.Nil(t, err)
	}

	var total int64
	for id := 1; id <= 4; id++ {
		total += balanceOf(t, s, id)
	}
	assert.Equal(t, int64(400), total)
}

func TestRecoveryUndoesLosersAfterCrash(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	setupBank(t, s, 2)
	ctx := context.Background()

	_, err := s.Exec(ctx, testDB, setBalance(1, 50))
	require.Nil(t, err)
	loser, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	_, err = s.Execute(ctx, loser, setBalance(2, 0))
	require.Nil(t, err)
	require.Nil(t, s.Checkpoint())

	// Crash: nothing is flushed or rolled back.
	require.Nil(t, s.Engine().Close())

	s = openTestServer(t, conf)
	defer s.Close()
	assert.Equal(t, int64(50), balanceOf(t, s, 1))
	assert.Equal(t, int64(100), balanceOf(t, s, 2))

	entries, err := s.Log().ReadLog()
	require.Nil(t, err)
	assert.Equal(t, 1, countEvents(entries, loser.ID, recovery.EventAbort))
	assert.Len(t, s.Log().Active(), 0)

	// A second recovery has nothing left to undo.
	res, err := s.Recover()
	require.Nil(t, err)
	assert.Len(t, res.Losers, 0)
	assert.Len(t, res.Undo, 0)

	// Ids of the previous run are not reused.
	txn, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	assert.True(t, txn.ID > loser.ID)
	require.Nil(t, s.Rollback(txn))
}

func TestRecoveryRedoesCommittedChanges(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	defer s.Close()
	setupBank(t, s, 2)
	ctx := context.Background()

	_, err := s.Exec(ctx, testDB, setBalance(1, 60))
	require.Nil(t, err)
	loser, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	_, err = s.Execute(ctx, loser, setBalance(2, 0))
	require.Nil(t, err)

	res, err := s.Recover()
	require.Nil(t, err)
	assert.Equal(t, []bto.TxnID{loser.ID}, res.Losers)
	require.Len(t, res.Undo, 1)
	assert.Equal(t, types.Tuple{types.NewIntDatum(100)}, res.Undo[0].Value)
	assert.NotEmpty(t, res.Redo)
	// Redo is idempotent: the committed values are unchanged.
	assert.Equal(t, int64(60), balanceOf(t, s, 1))
	assert.Equal(t, int64(100), balanceOf(t, s, 2))

	// Recovery aborted the loser, it can neither commit nor run statements anymore.
	assert.True(t, loser.Finished())
	assert.Equal(t, ErrTxnFinished, s.Commit(loser))
	assert.Equal(t, ErrTxnFinished, s.Rollback(loser))
	_, err = s.Execute(ctx, loser, setBalance(2, 0))
	assert.Equal(t, ErrTxnFinished, err)
	assert.False(t, s.Engine().HasBuffer(loser.ID))
	assert.Len(t, s.Active(), 0)
	assert.Equal(t, int64(100), balanceOf(t, s, 2))

	entries, err := s.Log().ReadLog()
	require.Nil(t, err)
	assert.Equal(t, 1, countEvents(entries, loser.ID, recovery.EventAbort))
	assert.Equal(t, 0, countEvents(entries, loser.ID, recovery.EventCommit))

	// The slot it held is free again.
	_, err = s.Exec(ctx, testDB, setBalance(2, 70))
	require.Nil(t, err)
	assert.Equal(t, int64(70), balanceOf(t, s, 2))
}

func TestRecoveryKeepsCommittedRowOfSameKey(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	setupBank(t, s, 1)
	ctx := context.Background()

	loser, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	_, err = s.Execute(ctx, loser, Insert{Table: "account", Values: []types.Tuple{{types.NewIntDatum(1), types.NewIntDatum(999)}}})
	assert.IsType(t, &storage.ErrAlreadyExists{}, errors.Cause(err))
	_, err = s.Execute(ctx, loser, Insert{Table: "account", Values: []types.Tuple{{types.NewIntDatum(2), types.NewIntDatum(5)}}})
	require.Nil(t, err)
	_, err = s.Execute(ctx, loser, Update{
		Table:       "account",
		Assignments: []storage.Assignment{{Column: "id", Value: types.NewIntDatum(1)}},
		Conditions:  byID(2),
	})
	assert.IsType(t, &storage.ErrAlreadyExists{}, errors.Cause(err))
	require.Nil(t, s.Checkpoint())

	entries, err := s.Log().ReadLog()
	require.Nil(t, err)
	assert.Equal(t, 1, countEvents(entries, loser.ID, recovery.EventData))

	// Crash with the loser running.
	require.Nil(t, s.Engine().Close())

	s = openTestServer(t, conf)
	defer s.Close()
	res, err := s.Exec(ctx, testDB, Select{Tables: []string{"account"}})
	require.Nil(t, err)
	require.Equal(t, 1, res.Rows.Count)
	assert.Equal(t, int64(1), res.Rows.Data[0][0].GetInt64())
	assert.Equal(t, int64(100), res.Rows.Data[0][1].GetInt64())
}

func TestShutdownRollsBackOpenTransactions(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	setupBank(t, s, 2)
	ctx := context.Background()

	txn, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	_, err = s.Execute(ctx, txn, setBalance(1, 1))
	require.Nil(t, err)

	require.Nil(t, s.Shutdown("test"))
	assert.True(t, txn.Finished())
	assert.Equal(t, ErrTxnFinished, s.Commit(txn))
	_, err = s.Begin(ctx, testDB)
	assert.Equal(t, ErrShutdown, err)
	require.Nil(t, s.Shutdown("again"))

	s = openTestServer(t, conf)
	defer s.Close()
	assert.Equal(t, int64(100), balanceOf(t, s, 1))
	entries, err := s.Log().ReadLog()
	require.Nil(t, err)
	assert.Equal(t, 1, countEvents(entries, txn.ID, recovery.EventAbort))
}

func TestShutdownWaitsForRunningStatement(t *testing.T) {
	conf, clean := newTestConfig(t)
	defer clean()
	s := openTestServer(t, conf)
	setupBank(t, s, 1)
	ctx := context.Background()

	txn, err := s.Begin(ctx, testDB)
	require.Nil(t, err)
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			_, err := s.Execute(ctx, txn, setBalance(1, i))
			if i == 0 {
				close(started)
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()
	<-started
	require.Nil(t, s.Shutdown("test"))
	assert.Equal(t, ErrTxnFinished, <-done)
	assert.False(t, s.Engine().HasBuffer(txn.ID))

	s = openTestServer(t, conf)
	defer s.Close()
	assert.Equal(t, int64(100), balanceOf(t, s, 1))

	// Nothing of txn is logged after its ABORT.
	entries, err := s.Log().ReadLog()
	require.Nil(t, err)
	aborted := false
	for _, e := range entries {
		if e.TxnID != txn.ID {
			continue
		}
		assert.False(t, aborted, "%s logged after the ABORT", e.Event)
		if e.Event == recovery.EventAbort {
			aborted = true
		}
	}
	assert.True(t, aborted)
}
