package storage

import (
	"time"

	"github.com/google/btree"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap-incubator/tinydb/kv/util/codec"
	"github.com/pingcap-incubator/tinydb/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// Layout of the badger store:
//
//	catalog: db                      -> toml database record
//	catalog: db table                -> toml table schema
//	block:   db table blockID        -> row count, then per row: row id, column count, datums
//	meta:    "row-id"                -> highest row id handed out
//
// Names are encoded with codec.EncodeBytes so the keys of a table sort after its database and
// the blocks of a table sort by id.

var rowIDKey = []byte("row-id")

func catalogKey(db string, table ...string) []byte {
	key := codec.EncodeBytes(nil, []byte(db))
	for _, t := range table {
		key = codec.EncodeBytes(key, []byte(t))
	}
	return key
}

func blockKey(db, table string, id uint64) []byte {
	return codec.EncodeUint(catalogKey(db, table), id)
}

func encodeBlock(b *Block) []byte {
	buf := codec.EncodeUint(nil, uint64(len(b.Rows)))
	for _, row := range b.Rows {
		buf = codec.EncodeUint(buf, row.ID)
		buf = codec.EncodeUint(buf, uint64(len(row.Values)))
		for _, d := range row.Values {
			buf = codec.EncodeDatum(buf, d)
		}
	}
	return buf
}

func decodeBlock(id uint64, data []byte) (*Block, error) {
	data, n, err := codec.DecodeUint(data)
	if err != nil {
		return nil, err
	}
	b := &Block{ID: id, Rows: make([]Row, 0, n)}
	for i := uint64(0); i < n; i++ {
		var rowID, cols uint64
		if data, rowID, err = codec.DecodeUint(data); err != nil {
			return nil, err
		}
		if data, cols, err = codec.DecodeUint(data); err != nil {
			return nil, err
		}
		row := Row{ID: rowID, Values: make(types.Tuple, cols)}
		for c := range row.Values {
			if data, row.Values[c], err = codec.DecodeDatum(data); err != nil {
				return nil, err
			}
		}
		b.Rows = append(b.Rows, row)
	}
	if len(data) != 0 {
		return nil, errors.Errorf("block %d has %d trailing bytes", id, len(data))
	}
	return b, nil
}

func (e *Engine) persistDatabase(name string) error {
	if e.db == nil {
		return nil
	}
	val, err := encodeCatalogValue(&databaseRecord{Name: name})
	if err != nil {
		return err
	}
	return errors.WithStack(engine_util.PutCF(e.db, engine_util.CfCatalog, catalogKey(name), val))
}

func (e *Engine) persistSchema(db string, s *TableSchema) error {
	if e.db == nil {
		return nil
	}
	val, err := encodeCatalogValue(s)
	if err != nil {
		return err
	}
	return errors.WithStack(engine_util.PutCF(e.db, engine_util.CfCatalog, catalogKey(db, s.Name), val))
}

// load reads the catalog and the blocks of every table from badger.
func (e *Engine) load() error {
	err := engine_util.ScanCF(e.db, engine_util.CfCatalog, nil, func(key, val []byte) error {
		rest, db, err := codec.DecodeBytes(key)
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			var rec databaseRecord
			if err = decodeCatalogValue(val, &rec); err != nil {
				return err
			}
			e.databases[rec.Name] = make(map[string]*table)
			return nil
		}
		s := new(TableSchema)
		if err = decodeCatalogValue(val, s); err != nil {
			return err
		}
		tables, ok := e.databases[string(db)]
		if !ok {
			return errors.Errorf("table %s of unknown database %s", s.Name, db)
		}
		tables[s.Name] = newTable(s)
		return nil
	})
	if err != nil {
		return errors.Annotate(err, "load catalog")
	}

	var maxRowID uint64
	for db, tables := range e.databases {
		for name, t := range tables {
			prefix := catalogKey(db, name)
			err = engine_util.ScanCF(e.db, engine_util.CfBlock, prefix, func(key, val []byte) error {
				_, id, err := codec.DecodeUint(key[len(prefix):])
				if err != nil {
					return err
				}
				b, err := decodeBlock(id, val)
				if err != nil {
					return err
				}
				t.blocks.ReplaceOrInsert(b)
				for _, row := range b.Rows {
					t.rows.ReplaceOrInsert(rowRef{row: row.ID, block: b.ID})
					if row.ID > maxRowID {
						maxRowID = row.ID
					}
				}
				return nil
			})
			if err != nil {
				return errors.Annotatef(err, "load table %s.%s", db, name)
			}
			log.Infof("loaded table %s.%s, %d rows in %d blocks", db, name, t.rowCount(), t.blockCount())
		}
	}

	stored, err := engine_util.GetCF(e.db, engine_util.CfMeta, rowIDKey)
	if err == nil {
		var id uint64
		if _, id, err = codec.DecodeUint(stored); err == nil && id > maxRowID {
			maxRowID = id
		}
	}
	e.rowID.Store(maxRowID)
	return nil
}

// Flush writes the committed tables changed since the last flush to badger. Each table is
// written in one batch with its stale blocks removed.
func (e *Engine) Flush() error {
	if e.db == nil {
		return nil
	}
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.dirty {
		t, err := e.committedLocked(key.db, key.table)
		if err != nil {
			delete(e.dirty, key)
			continue
		}
		if err = e.flushTable(key, t); err != nil {
			return errors.Annotatef(err, "flush %s", key)
		}
		delete(e.dirty, key)
	}
	err := engine_util.PutCF(e.db, engine_util.CfMeta, rowIDKey, codec.EncodeUint(nil, e.rowID.Load()))
	if err != nil {
		return errors.WithStack(err)
	}
	flushDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (e *Engine) flushTable(key tableKey, t *table) error {
	prefix := catalogKey(key.db, key.table)
	live := make(map[uint64]struct{}, t.blockCount())
	batch := new(engine_util.WriteBatch)
	t.blocks.Ascend(func(item btree.Item) bool {
		b := item.(*Block)
		live[b.ID] = struct{}{}
		batch.SetCF(engine_util.CfBlock, blockKey(key.db, key.table, b.ID), encodeBlock(b))
		return true
	})
	err := engine_util.ScanCF(e.db, engine_util.CfBlock, prefix, func(k, _ []byte) error {
		_, id, err := codec.DecodeUint(k[len(prefix):])
		if err != nil {
			return err
		}
		if _, ok := live[id]; !ok {
			batch.DeleteCF(engine_util.CfBlock, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debugf("flush %s: %d entries, %d bytes", key, batch.Len(), batch.Size())
	return batch.WriteToDB(e.db)
}
