package storage

import (
	"github.com/google/btree"
	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinydb/kv/types"
)

// Sizes in bytes a value of each column type is accounted for.
var typeSize = map[types.Kind]int{
	types.KindInt:    4,
	types.KindFloat:  4,
	types.KindString: 50,
}

// Stats describes a committed table for cost estimation.
type Stats struct {
	TupleCount int `json:"tuple_count"`
	// TupleSize is the size of one row in bytes.
	TupleSize int `json:"tuple_size"`
	// BlockingFactor is the number of rows a block holds.
	BlockingFactor int `json:"blocking_factor"`
	BlockCount     int `json:"block_count"`
	// DistinctValues counts the distinct values of each column.
	DistinctValues map[string]int `json:"distinct_values"`
	// MeanFill is the mean ratio of used row slots per block.
	MeanFill float64 `json:"mean_fill"`
}

// Stats computes the statistics of the committed version of db.name.
func (e *Engine) Stats(db, name string) (*Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, err := e.committedLocked(db, name)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		TupleCount:     t.rowCount(),
		BlockingFactor: e.conf.MaxRecordsPerBlock,
		BlockCount:     t.blockCount(),
		DistinctValues: make(map[string]int, len(t.schema.Columns)),
	}
	for _, c := range t.schema.Columns {
		st.TupleSize += typeSize[c.Kind]
	}

	distinct := make([]map[string]struct{}, len(t.schema.Columns))
	for i := range distinct {
		distinct[i] = make(map[string]struct{})
	}
	var fill stats.Float64Data
	t.blocks.Ascend(func(item btree.Item) bool {
		b := item.(*Block)
		fill = append(fill, float64(len(b.Rows))/float64(st.BlockingFactor))
		for _, row := range b.Rows {
			for i, v := range row.Values {
				distinct[i][v.HashKey()] = struct{}{}
			}
		}
		return true
	})
	for i, c := range t.schema.Columns {
		st.DistinctValues[c.Name] = len(distinct[i])
	}
	if len(fill) > 0 {
		if st.MeanFill, err = stats.Mean(fill); err != nil {
			return nil, err
		}
	}
	return st, nil
}
