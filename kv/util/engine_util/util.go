package engine_util

import (
	"github.com/coocood/badger"
)

// KeyWithCF prefixes key with its column family, badger has no native column families.
func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func GetCF(db *badger.DB, cf string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(KeyWithCF(cf, key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(val)
		return err
	})
	return
}

func PutCF(engine *badger.DB, cf string, key []byte, val []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Set(KeyWithCF(cf, key), val)
	})
}

// ScanCF calls fn for every key of cf starting with prefix, in key order. The key passed to fn
// has the column family stripped, key and value are only valid during the call.
func ScanCF(db *badger.DB, cf string, prefix []byte, fn func(key, val []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		it := NewCFIterator(cf, txn)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.Value()
			if err != nil {
				return err
			}
			if err = fn(item.Key(), val); err != nil {
				return err
			}
		}
		return nil
	})
}
