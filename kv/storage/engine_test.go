package storage

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/pingcap-incubator/tinydb/kv/config"
	"github.com/pingcap-incubator/tinydb/kv/recovery"
	"github.com/pingcap-incubator/tinydb/kv/storage/index"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDB = "bank"

var accountSchema = TableSchema{
	Name: "account",
	Columns: []Column{
		{Name: "id", Kind: types.KindInt},
		{Name: "name", Kind: types.KindString},
		{Name: "balance", Kind: types.KindFloat},
	},
	PrimaryKey: "id",
}

func newTestEngine(t *testing.T, dbPath string) *Engine {
	conf := config.NewTestConfig()
	conf.DBPath = dbPath
	e, err := NewEngine(conf)
	require.Nil(t, err)
	return e
}

func account(id int) types.Tuple {
	return types.Tuple{
		types.NewIntDatum(int64(id)),
		types.NewStringDatum(fmt.Sprintf("n%d", id)),
		types.NewFloatDatum(float64(id * 10)),
	}
}

// setupAccounts creates bank.account holding accounts 1 to n, committed by txn 1.
func setupAccounts(t *testing.T, e *Engine, n int) {
	require.Nil(t, e.CreateDatabase(testDB))
	require.Nil(t, e.CreateTable(testDB, accountSchema))
	values := make([]types.Tuple, 0, n)
	for i := 1; i <= n; i++ {
		values = append(values, account(i))
	}
	inserted, err := e.InsertData(Insert{Table: "account", Values: values}, testDB, 1)
	require.Nil(t, err)
	require.Equal(t, n, inserted)
	require.Nil(t, e.CommitBuffer(1))
}

func cond(column string, op types.CompareOp, v interface{}) types.Condition {
	return types.Condition{Column: column, Op: op, Value: types.NewDatum(v)}
}

func read(t *testing.T, e *Engine, txn bto.TxnID, columns []string, conds ...types.Condition) *Rows {
	rows, err := e.ReadBlock(Retrieval{Tables: []string{"account"}, Columns: columns, Conditions: conds}, testDB, txn)
	require.Nil(t, err)
	return rows
}

func ids(rows *Rows) []int64 {
	out := make([]int64, 0, len(rows.Data))
	for _, r := range rows.Data {
		out = append(out, r[0].GetInt64())
	}
	return out
}

func TestCatalog(t *testing.T) {
	e := newTestEngine(t, "")
	require.Nil(t, e.CreateDatabase(testDB))
	assert.IsType(t, &ErrAlreadyExists{}, e.CreateDatabase(testDB))
	assert.IsType(t, &ErrNotFound{}, e.CreateTable("shop", accountSchema))
	require.Nil(t, e.CreateTable(testDB, accountSchema))
	assert.IsType(t, &ErrAlreadyExists{}, e.CreateTable(testDB, accountSchema))

	bad := accountSchema
	bad.Name = "broken"
	bad.PrimaryKey = "missing"
	assert.NotNil(t, e.CreateTable(testDB, bad))

	assert.Equal(t, []string{testDB}, e.Databases())
	tables, err := e.Tables(testDB)
	require.Nil(t, err)
	assert.Equal(t, []string{"account"}, tables)

	s, err := e.Schema(testDB, "account")
	require.Nil(t, err)
	def, ok := s.IndexOn("id")
	require.True(t, ok)
	assert.Equal(t, index.KindBPlusTree, def.Kind)
	// The caller's schema is not modified.
	assert.Len(t, accountSchema.Indexes, 0)
}

func TestReadFilters(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 10)

	rows := read(t, e, bto.NoTxn, nil, cond("balance", types.OpGT, 50))
	assert.Equal(t, []string{"id", "name", "balance"}, rows.Columns)
	assert.Equal(t, []int64{6, 7, 8, 9, 10}, ids(rows))
	assert.Equal(t, 5, rows.Count)

	rows = read(t, e, bto.NoTxn, []string{"name"}, cond("id", types.OpEQ, 3))
	require.Equal(t, 1, rows.Count)
	assert.Equal(t, "n3", rows.Data[0][0].GetString())

	rows = read(t, e, bto.NoTxn, []string{"id"}, cond("account.id", types.OpLE, 2))
	assert.Equal(t, []int64{1, 2}, ids(rows))

	// A string constant is converted to the column type.
	rows = read(t, e, bto.NoTxn, []string{"id"}, cond("id", types.OpGE, "9"))
	assert.Equal(t, []int64{9, 10}, ids(rows))

	rows = read(t, e, bto.NoTxn, []string{"id"}, cond("id", types.OpGT, 2), cond("balance", types.OpLT, 50))
	assert.Equal(t, []int64{3, 4}, ids(rows))

	_, err := e.ReadBlock(Retrieval{Tables: []string{"account"}, Columns: []string{"missing"}}, testDB, bto.NoTxn)
	assert.IsType(t, &ErrNotFound{}, err)
	_, err = e.ReadBlock(Retrieval{Tables: []string{"account", "account"}}, testDB, bto.NoTxn)
	assert.NotNil(t, err)
	_, err = e.ReadBlock(Retrieval{}, testDB, bto.NoTxn)
	assert.NotNil(t, err)
}

func TestComparisonWithNull(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 3)
	_, err := e.InsertData(Insert{
		Table:   "account",
		Columns: []string{"id", "name"},
		Values:  []types.Tuple{{types.NewIntDatum(4), types.NewStringDatum("n4")}},
	}, testDB, 2)
	require.Nil(t, err)
	require.Nil(t, e.CommitBuffer(2))

	assert.Equal(t, 4, read(t, e, bto.NoTxn, nil).Count)
	assert.Equal(t, []int64{1, 2, 3}, ids(read(t, e, bto.NoTxn, nil, cond("balance", types.OpLT, 1000))))
	assert.Equal(t, []int64{1, 2, 3}, ids(read(t, e, bto.NoTxn, nil, cond("balance", types.OpNE, 0))))
	assert.Equal(t, 0, read(t, e, bto.NoTxn, nil, cond("balance", types.OpEQ, nil)).Count)
}

func TestJoin(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 6)
	require.Nil(t, e.CreateTable(testDB, TableSchema{
		Name: "owner",
		Columns: []Column{
			{Name: "id", Kind: types.KindInt},
			{Name: "account", Kind: types.KindInt},
			{Name: "city", Kind: types.KindString},
		},
		PrimaryKey: "id",
	}))
	_, err := e.InsertData(Insert{Table: "owner", Values: []types.Tuple{
		{types.NewIntDatum(1), types.NewIntDatum(2), types.NewStringDatum("paris")},
		{types.NewIntDatum(2), types.NewIntDatum(5), types.NewStringDatum("rome")},
		{types.NewIntDatum(3), types.NewIntDatum(2), types.NewStringDatum("oslo")},
	}}, testDB, 2)
	require.Nil(t, err)
	require.Nil(t, e.CommitBuffer(2))

	join := types.Condition{Column: "account.id", Op: types.OpEQ, RightColumn: "owner.account"}
	rows, err := e.ReadBlock(Retrieval{
		Tables:     []string{"account", "owner"},
		Columns:    []string{"city", "account.name"},
		Conditions: []types.Condition{join},
	}, testDB, bto.NoTxn)
	require.Nil(t, err)
	require.Equal(t, 3, rows.Count)
	assert.Equal(t, []string{"city", "account.name"}, rows.Columns)
	assert.Equal(t, types.Tuple{types.NewStringDatum("paris"), types.NewStringDatum("n2")}, rows.Data[0])
	assert.Equal(t, types.Tuple{types.NewStringDatum("oslo"), types.NewStringDatum("n2")}, rows.Data[1])
	assert.Equal(t, types.Tuple{types.NewStringDatum("rome"), types.NewStringDatum("n5")}, rows.Data[2])

	rows, err = e.ReadBlock(Retrieval{
		Tables:     []string{"account", "owner"},
		Conditions: []types.Condition{join, cond("city", types.OpNE, "oslo")},
	}, testDB, bto.NoTxn)
	require.Nil(t, err)
	assert.Equal(t, 2, rows.Count)
	assert.Equal(t, []string{"account.id", "account.name", "account.balance", "owner.id", "owner.account", "owner.city"}, rows.Columns)

	// Without conditions the result is the cross product.
	rows, err = e.ReadBlock(Retrieval{Tables: []string{"account", "owner"}, Columns: []string{"owner.id"}}, testDB, bto.NoTxn)
	require.Nil(t, err)
	assert.Equal(t, 18, rows.Count)

	_, err = e.ReadBlock(Retrieval{Tables: []string{"account", "owner"}, Columns: []string{"id"}}, testDB, bto.NoTxn)
	assert.IsType(t, &ErrAmbiguousColumn{}, err)
}

func TestRetrievalIdentity(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 2)
	a := read(t, e, bto.NoTxn, []string{"id"}, cond("id", types.OpEQ, 1))
	b := read(t, e, bto.NoTxn, []string{"name"}, cond("id", types.OpEQ, 1))
	c := read(t, e, bto.NoTxn, []string{"id"}, cond("id", types.OpEQ, 2))
	assert.Equal(t, a.Identity, b.Identity)
	assert.NotEqual(t, a.Identity, c.Identity)
}

func TestBufferIsolation(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 10)

	n, err := e.WriteBlock(Write{
		Table:       "account",
		Assignments: []Assignment{{Column: "balance", Value: types.NewIntDatum(0)}},
		Conditions:  []types.Condition{cond("id", types.OpEQ, 1)},
	}, testDB, 2)
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, e.HasBuffer(2))

	// Uncommitted changes are only visible to their transaction.
	assert.Equal(t, 10.0, read(t, e, bto.NoTxn, []string{"balance"}, cond("id", types.OpEQ, 1)).Data[0][0].GetFloat64())
	assert.Equal(t, 0.0, read(t, e, 2, []string{"balance"}, cond("id", types.OpEQ, 1)).Data[0][0].GetFloat64())
	assert.Equal(t, 10.0, read(t, e, 3, []string{"balance"}, cond("id", types.OpEQ, 1)).Data[0][0].GetFloat64())

	n, err = e.DeleteBlock(Delete{Table: "account", Conditions: []types.Condition{cond("id", types.OpEQ, 2)}}, testDB, 3)
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, read(t, e, 2, nil, cond("id", types.OpEQ, 2)).Count)
	assert.Equal(t, 0, read(t, e, 3, nil, cond("id", types.OpEQ, 2)).Count)

	// Both transactions commit; neither loses the other's change.
	require.Nil(t, e.CommitBuffer(3))
	require.Nil(t, e.CommitBuffer(2))
	assert.False(t, e.HasBuffer(2))
	rows := read(t, e, bto.NoTxn, []string{"id", "balance"}, cond("id", types.OpLE, 3))
	require.Equal(t, 2, rows.Count)
	assert.Equal(t, types.Tuple{types.NewIntDatum(1), types.NewFloatDatum(0)}, rows.Data[0])
	assert.Equal(t, int64(3), rows.Data[1][0].GetInt64())
	assert.Equal(t, 9, read(t, e, bto.NoTxn, nil).Count)
}

func TestCommitUpdateOfRowDeletedMeanwhile(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 3)
	_, err := e.WriteBlock(Write{
		Table:       "account",
		Assignments: []Assignment{{Column: "name", Value: types.NewStringDatum("x")}},
		Conditions:  []types.Condition{cond("id", types.OpEQ, 3)},
	}, testDB, 2)
	require.Nil(t, err)
	_, err = e.DeleteBlock(Delete{Table: "account", Conditions: []types.Condition{cond("id", types.OpEQ, 3)}}, testDB, 3)
	require.Nil(t, err)
	require.Nil(t, e.CommitBuffer(3))
	require.Nil(t, e.CommitBuffer(2))
	assert.Equal(t, []int64{1, 2}, ids(read(t, e, bto.NoTxn, nil)))
}

func TestInsertWithColumns(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 0)
	n, err := e.InsertData(Insert{
		Table:   "account",
		Columns: []string{"balance", "id"},
		Values: []types.Tuple{
			{types.NewStringDatum("1.5"), types.NewIntDatum(7)},
			{types.NewIntDatum(3), types.NewFloatDatum(8)},
		},
	}, testDB, 2)
	require.Nil(t, err)
	assert.Equal(t, 2, n)
	rows := read(t, e, 2, nil)
	require.Equal(t, 2, rows.Count)
	assert.Equal(t, types.Tuple{types.NewIntDatum(7), types.Datum{}, types.NewFloatDatum(1.5)}, rows.Data[0])
	assert.Equal(t, types.Tuple{types.NewIntDatum(8), types.Datum{}, types.NewFloatDatum(3)}, rows.Data[1])

	_, err = e.InsertData(Insert{Table: "account", Columns: []string{"id"}, Values: []types.Tuple{{}}}, testDB, 2)
	assert.NotNil(t, err)
	_, err = e.InsertData(Insert{Table: "account", Values: []types.Tuple{{types.NewStringDatum("abc"), types.Datum{}, types.Datum{}}}}, testDB, 2)
	assert.NotNil(t, err)

	full, err := e.NormalizeInsert(testDB, Insert{Table: "account", Columns: []string{"name"}, Values: []types.Tuple{{types.NewIntDatum(5)}}})
	require.Nil(t, err)
	assert.Equal(t, []types.Tuple{{types.Datum{}, types.NewStringDatum("5"), types.Datum{}}}, full)
}

func TestWriteOutsideTransaction(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 1)
	_, err := e.WriteBlock(Write{Table: "account", Assignments: []Assignment{{Column: "name", Value: types.NewStringDatum("x")}}}, testDB, bto.NoTxn)
	assert.NotNil(t, err)
	_, err = e.DeleteBlock(Delete{Table: "account"}, testDB, bto.NoTxn)
	assert.NotNil(t, err)
	_, err = e.InsertData(Insert{Table: "account", Values: []types.Tuple{account(2)}}, testDB, bto.NoTxn)
	assert.NotNil(t, err)
	_, err = e.WriteBlock(Write{Table: "account"}, testDB, 2)
	assert.NotNil(t, err)
}

func TestDiscardBuffer(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 2)
	_, err := e.InsertData(Insert{Table: "account", Values: []types.Tuple{account(3)}}, testDB, 2)
	require.Nil(t, err)
	assert.Equal(t, 3, read(t, e, 2, nil).Count)
	e.DiscardBuffer(2)
	assert.False(t, e.HasBuffer(2))
	assert.Equal(t, 2, read(t, e, 2, nil).Count)
	require.Nil(t, e.CommitBuffer(2))
	assert.Equal(t, 2, read(t, e, bto.NoTxn, nil).Count)
}

func TestAffected(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 5)
	s, images, err := e.Affected(testDB, "account", []types.Condition{cond("balance", types.OpGE, 40)}, 2)
	require.Nil(t, err)
	assert.Equal(t, "account", s.Name)
	require.Len(t, images, 2)
	assert.Equal(t, account(4), images[0].Values)
	assert.Equal(t, account(5), images[1].Values)
	assert.True(t, e.HasBuffer(2))
}

func accountInstruction(kind recovery.InstructionKind, column string, id int, value types.Tuple) recovery.Instruction {
	return recovery.Instruction{
		Kind: kind,
		Descriptor: recovery.Descriptor{
			Database:        testDB,
			Table:           "account",
			Column:          column,
			PrimaryKey:      "id",
			PrimaryKeyValue: types.NewIntDatum(int64(id)),
		},
		Locator: types.NewIntDatum(int64(id)),
		Value:   value,
	}
}

func TestApplyInstructionsIsIdempotent(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 3)

	ins := []recovery.Instruction{
		accountInstruction(recovery.InstructionUpdate, "balance", 1, types.Tuple{types.NewIntDatum(99)}),
		accountInstruction(recovery.InstructionUpsert, "", 20, account(20)),
		accountInstruction(recovery.InstructionUpsert, "", 2, types.Tuple{types.NewIntDatum(2), types.NewStringDatum("two"), types.NewFloatDatum(2)}),
		accountInstruction(recovery.InstructionRemove, "", 3, nil),
	}
	for i := 0; i < 2; i++ {
		require.Nil(t, e.ApplyInstructions(bto.NoTxn, ins))
		rows := read(t, e, bto.NoTxn, nil)
		require.Equal(t, 3, rows.Count)
		assert.Equal(t, types.Tuple{types.NewIntDatum(1), types.NewStringDatum("n1"), types.NewFloatDatum(99)}, rows.Data[0])
		assert.Equal(t, types.Tuple{types.NewIntDatum(2), types.NewStringDatum("two"), types.NewFloatDatum(2)}, rows.Data[1])
		assert.Equal(t, account(20), rows.Data[2])
	}

	// Within a transaction the instructions only change its buffer.
	require.Nil(t, e.ApplyInstructions(4, []recovery.Instruction{accountInstruction(recovery.InstructionRemove, "", 20, nil)}))
	assert.Equal(t, 2, read(t, e, 4, nil).Count)
	assert.Equal(t, 3, read(t, e, bto.NoTxn, nil).Count)

	bad := accountInstruction(recovery.InstructionUpdate, "missing", 1, types.Tuple{types.NewIntDatum(1)})
	assert.NotNil(t, e.ApplyInstructions(bto.NoTxn, []recovery.Instruction{bad}))
}

func TestCreateIndex(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 10)
	_, err := e.InsertData(Insert{Table: "account", Values: []types.Tuple{account(11)}}, testDB, 2)
	require.Nil(t, err)

	require.Nil(t, e.CreateIndex(CreateIndex{Table: "account", Column: "account.name", Kind: index.KindHash}, testDB, 2))
	assert.IsType(t, &ErrAlreadyExists{}, e.CreateIndex(CreateIndex{Table: "account", Column: "name", Kind: index.KindHash}, testDB, 2))
	assert.IsType(t, &ErrNotFound{}, e.CreateIndex(CreateIndex{Table: "account", Column: "missing", Kind: index.KindHash}, testDB, 2))
	require.Nil(t, e.CreateIndex(CreateIndex{Table: "account", Column: "balance", Kind: index.KindBPlusTree}, testDB, bto.NoTxn))

	s, err := e.Schema(testDB, "account")
	require.Nil(t, err)
	def, ok := s.IndexOn("name")
	require.True(t, ok)
	assert.Equal(t, index.KindHash, def.Kind)

	assert.Equal(t, []int64{4}, ids(read(t, e, bto.NoTxn, nil, cond("name", types.OpEQ, "n4"))))
	assert.Equal(t, []int64{11}, ids(read(t, e, 2, nil, cond("name", types.OpEQ, "n11"))))
	assert.Equal(t, []int64{9, 10}, ids(read(t, e, bto.NoTxn, nil, cond("balance", types.OpGT, 85))))

	// Indexes follow updates and deletes.
	_, err = e.WriteBlock(Write{
		Table:       "account",
		Assignments: []Assignment{{Column: "name", Value: types.NewStringDatum("renamed")}},
		Conditions:  []types.Condition{cond("name", types.OpEQ, "n4")},
	}, testDB, 2)
	require.Nil(t, err)
	_, err = e.DeleteBlock(Delete{Table: "account", Conditions: []types.Condition{cond("id", types.OpLT, 3)}}, testDB, 2)
	require.Nil(t, err)
	require.Nil(t, e.CommitBuffer(2))
	assert.Equal(t, 0, read(t, e, bto.NoTxn, nil, cond("name", types.OpEQ, "n4")).Count)
	assert.Equal(t, []int64{4}, ids(read(t, e, bto.NoTxn, nil, cond("name", types.OpEQ, "renamed"))))
	assert.Equal(t, []int64{3, 4}, ids(read(t, e, bto.NoTxn, nil, cond("id", types.OpLE, 4))))
	assert.Equal(t, []int64{5}, ids(read(t, e, bto.NoTxn, nil, cond("id", types.OpEQ, 5))))
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 10)
	st, err := e.Stats(testDB, "account")
	require.Nil(t, err)
	assert.Equal(t, 10, st.TupleCount)
	assert.Equal(t, 58, st.TupleSize)
	assert.Equal(t, 4, st.BlockingFactor)
	assert.Equal(t, 3, st.BlockCount)
	assert.Equal(t, map[string]int{"id": 10, "name": 10, "balance": 10}, st.DistinctValues)
	assert.InDelta(t, 2.5/3, st.MeanFill, 1e-9)

	_, err = e.Stats(testDB, "missing")
	assert.IsType(t, &ErrNotFound{}, err)
}

func TestPersistence(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinydb-storage")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	e := newTestEngine(t, dir)
	setupAccounts(t, e, 10)
	require.Nil(t, e.CreateIndex(CreateIndex{Table: "account", Column: "name", Kind: index.KindHash}, testDB, bto.NoTxn))
	require.Nil(t, e.Flush())
	require.Nil(t, e.Close())

	e = newTestEngine(t, dir)
	assert.Equal(t, []string{testDB}, e.Databases())
	rows := read(t, e, bto.NoTxn, nil)
	require.Equal(t, 10, rows.Count)
	assert.Equal(t, account(7), rows.Data[6])
	s, err := e.Schema(testDB, "account")
	require.Nil(t, err)
	def, ok := s.IndexOn("name")
	require.True(t, ok)
	assert.Equal(t, index.KindHash, def.Kind)

	_, err = e.DeleteBlock(Delete{Table: "account", Conditions: []types.Condition{cond("id", types.OpGT, 8)}}, testDB, 2)
	require.Nil(t, err)
	_, err = e.InsertData(Insert{Table: "account", Values: []types.Tuple{account(11)}}, testDB, 2)
	require.Nil(t, err)
	require.Nil(t, e.CommitBuffer(2))
	require.Nil(t, e.Flush())
	require.Nil(t, e.Close())

	e = newTestEngine(t, dir)
	defer e.Close()
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 11}, ids(read(t, e, bto.NoTxn, nil)))
	st, err := e.Stats(testDB, "account")
	require.Nil(t, err)
	assert.Equal(t, 3, st.BlockCount)
	// Row ids are not reused after a reload.
	assert.True(t, e.nextRowID() > 11)
}

func TestPrimaryKeyIsUniqueAndSet(t *testing.T) {
	e := newTestEngine(t, "")
	setupAccounts(t, e, 3)

	_, err := e.InsertData(Insert{Table: "account", Values: []types.Tuple{account(4), account(2)}}, testDB, 2)
	assert.IsType(t, &ErrAlreadyExists{}, err)
	_, err = e.InsertData(Insert{Table: "account", Values: []types.Tuple{account(5), account(5)}}, testDB, 2)
	assert.IsType(t, &ErrAlreadyExists{}, err)
	_, err = e.InsertData(Insert{Table: "account", Columns: []string{"name"}, Values: []types.Tuple{{types.NewStringDatum("x")}}}, testDB, 2)
	assert.NotNil(t, err)
	assert.Equal(t, 3, read(t, e, 2, nil).Count)

	// The buffer of the transaction counts too.
	_, err = e.InsertData(Insert{Table: "account", Values: []types.Tuple{account(4)}}, testDB, 2)
	require.Nil(t, err)
	assert.IsType(t, &ErrAlreadyExists{}, e.CheckInsert(testDB, "account", []types.Tuple{account(4)}, 2))
	assert.Nil(t, e.CheckInsert(testDB, "account", []types.Tuple{account(4)}, 3))

	setID := func(v types.Datum, conds ...types.Condition) Write {
		return Write{Table: "account", Assignments: []Assignment{{Column: "id", Value: v}}, Conditions: conds}
	}
	_, err = e.WriteBlock(setID(types.NewIntDatum(1), cond("id", types.OpEQ, 2)), testDB, 2)
	assert.IsType(t, &ErrAlreadyExists{}, err)
	_, err = e.WriteBlock(setID(types.NewIntDatum(9), cond("id", types.OpGT, 1)), testDB, 2)
	assert.IsType(t, &ErrAlreadyExists{}, err)
	_, err = e.WriteBlock(setID(types.Datum{}, cond("id", types.OpEQ, 2)), testDB, 2)
	assert.NotNil(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(read(t, e, 2, nil)))

	// Keeping its own key or taking a free one is fine.
	assert.Nil(t, e.CheckWrite(setID(types.NewIntDatum(2), cond("id", types.OpEQ, 2)), testDB, 2))
	n, err := e.WriteBlock(setID(types.NewIntDatum(9), cond("id", types.OpEQ, 2)), testDB, 2)
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1, 9, 3, 4}, ids(read(t, e, 2, nil)))
}
