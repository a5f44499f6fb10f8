package bto

import (
	"sort"
	"strings"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinydb/kv/config"
	"github.com/pingcap-incubator/tinydb/kv/types"
)

// ObjectID identifies a data object validated by the timestamp-ordering protocol. Equal
// inputs always produce equal ids, so repeated reads and writes of the same object share one
// timestamp record.
type ObjectID uint64

// ObjectKey derives the identity of the row-set selected by conds over tables. Under the
// predicate granularity the columns read or written do not take part in the identity, so a
// read and a later write over the same predicate collide.
func ObjectKey(granularity, database string, tables []string, conds []types.Condition) ObjectID {
	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)
	parts := []string{database, strings.Join(sorted, ",")}
	if granularity != config.GranularityTable {
		parts = append(parts, types.Fingerprint(conds))
	}
	return ObjectID(farm.Fingerprint64([]byte(strings.Join(parts, "\x00"))))
}
