package engine_util

import (
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// CreateDB opens the badger database backing the table store in dir.
func CreateDB(dir string, syncWrites bool) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = syncWrites
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", dir)
	}
	return db, nil
}
