package types

import (
	"sort"
	"strings"

	"github.com/pingcap/errors"
)

// CompareOp is a binary comparison operator used in conditions.
type CompareOp int

// Comparison operators.
const (
	OpEQ CompareOp = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
)

var opNames = [...]string{"=", "!=", "<", "<=", ">", ">="}

func (op CompareOp) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "?"
}

// ParseCompareOp converts an operator symbol into a CompareOp.
func ParseCompareOp(s string) (CompareOp, error) {
	if s == "<>" {
		return OpNE, nil
	}
	for i, name := range opNames {
		if name == s {
			return CompareOp(i), nil
		}
	}
	return 0, errors.Errorf("unknown operator %q", s)
}

// Holds applies op to the result of a three-way comparison.
func (op CompareOp) Holds(cmp int) bool {
	switch op {
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	}
	return false
}

// Condition is one conjunct of a WHERE clause: `Column Op Value`, or `Column Op RightColumn`
// when RightColumn is set (join predicates). Column names may be qualified as `table.column`.
type Condition struct {
	Column      string
	Op          CompareOp
	Value       Datum
	RightColumn string
}

// IsJoin reports whether the condition compares two columns.
func (c Condition) IsJoin() bool {
	return c.RightColumn != ""
}

func (c Condition) String() string {
	if c.IsJoin() {
		return c.Column + c.Op.String() + c.RightColumn
	}
	return c.Column + c.Op.String() + c.Value.HashKey()
}

// Fingerprint renders a conjunction independent of the order its conditions were written in.
func Fingerprint(conds []Condition) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, c.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}
