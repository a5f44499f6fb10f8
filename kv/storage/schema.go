package storage

import (
	"bytes"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinydb/kv/storage/index"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
)

// Column describes one column of a table.
type Column struct {
	Name string     `toml:"name"`
	Kind types.Kind `toml:"kind"`
}

// IndexDef declares a secondary index on a column.
type IndexDef struct {
	Column string     `toml:"column"`
	Kind   index.Kind `toml:"kind"`
}

// TableSchema is the catalog entry of a table. A schema is never modified once published,
// changes replace it with a copy.
type TableSchema struct {
	Name       string     `toml:"name"`
	Columns    []Column   `toml:"columns"`
	PrimaryKey string     `toml:"primary-key"`
	Indexes    []IndexDef `toml:"indexes"`
}

// ColumnIndex returns the position of column name, or -1.
func (s *TableSchema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// PrimaryKeyIndex returns the position of the primary key column.
func (s *TableSchema) PrimaryKeyIndex() int {
	return s.ColumnIndex(s.PrimaryKey)
}

// IndexOn returns the index declared on column.
func (s *TableSchema) IndexOn(column string) (IndexDef, bool) {
	for _, def := range s.Indexes {
		if def.Column == column {
			return def, true
		}
	}
	return IndexDef{}, false
}

func (s *TableSchema) validate() error {
	if s.Name == "" {
		return errors.New("table without name")
	}
	if len(s.Columns) == 0 {
		return errors.Errorf("table %s has no column", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if _, ok := seen[c.Name]; ok {
			return errors.Errorf("duplicate column %s in table %s", c.Name, s.Name)
		}
		switch c.Kind {
		case types.KindInt, types.KindFloat, types.KindString:
		default:
			return errors.Errorf("column %s.%s has unsupported type %v", s.Name, c.Name, c.Kind)
		}
		seen[c.Name] = struct{}{}
	}
	if s.PrimaryKeyIndex() < 0 {
		return notFound("column", s.Name+"."+s.PrimaryKey)
	}
	return nil
}

func (s *TableSchema) clone() *TableSchema {
	c := *s
	c.Columns = append([]Column(nil), s.Columns...)
	c.Indexes = append([]IndexDef(nil), s.Indexes...)
	return &c
}

// coerce converts row to the column types of the schema.
func (s *TableSchema) coerce(row types.Tuple) (types.Tuple, error) {
	if len(row) != len(s.Columns) {
		return nil, errors.Errorf("table %s has %d columns, got %d values", s.Name, len(s.Columns), len(row))
	}
	out := make(types.Tuple, len(row))
	for i, d := range row {
		v, err := d.ConvertTo(s.Columns[i].Kind)
		if err != nil {
			return nil, errors.Annotatef(err, "column %s.%s", s.Name, s.Columns[i].Name)
		}
		out[i] = v
	}
	return out, nil
}

type databaseRecord struct {
	Name string `toml:"name"`
}

func encodeCatalogValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func decodeCatalogValue(data []byte, v interface{}) error {
	_, err := toml.Decode(string(data), v)
	return errors.WithStack(err)
}
