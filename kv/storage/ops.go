package storage

import (
	"github.com/pingcap-incubator/tinydb/kv/storage/index"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
)

// Retrieval selects Columns from the cross product of Tables filtered by the conjunction of
// Conditions. An empty Columns, or "*", selects every column.
type Retrieval struct {
	Tables     []string
	Columns    []string
	Conditions []types.Condition
}

// Assignment sets Column to Value.
type Assignment struct {
	Column string
	Value  types.Datum
}

// Write updates the rows of Table matching Conditions.
type Write struct {
	Table       string
	Assignments []Assignment
	Conditions  []types.Condition
}

// Delete removes the rows of Table matching Conditions.
type Delete struct {
	Table      string
	Conditions []types.Condition
}

// Insert adds Values to Table. When Columns is set each value lists those columns only and
// the others are NULL.
type Insert struct {
	Table   string
	Columns []string
	Values  []types.Tuple
}

// CreateIndex declares an index of Kind on Table.Column.
type CreateIndex struct {
	Table  string
	Column string
	Kind   index.Kind
}

// Rows is the result of a retrieval.
type Rows struct {
	Columns []string
	Data    []types.Tuple
	Count   int
	// Identity names the retrieved row-set as a timestamp-ordering data object.
	Identity bto.ObjectID
}

// RowImage is a row as seen by a transaction before it changes it.
type RowImage struct {
	ID     uint64
	Values types.Tuple
}
