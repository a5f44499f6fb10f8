package types

import (
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

// Tuple is an ordered list of datums: a full row, or a single column value.
type Tuple []Datum

// Clone returns a copy of t that shares no backing array with it.
func (t Tuple) Clone() Tuple {
	if t == nil {
		return nil
	}
	c := make(Tuple, len(t))
	copy(c, t)
	return c
}

// Equal compares two tuples datum by datum.
func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equal(o[i]) || t[i].Kind() != o[i].Kind() {
			return false
		}
	}
	return true
}

// EncodeText renders t in the log text form: space separated `kind:payload` tokens, e.g.
// `i:1 f:2.5 s:"a b" n:`. Strings are Go-quoted, so payloads never contain a bare separator.
func (t Tuple) EncodeText() string {
	var sb strings.Builder
	for i, d := range t {
		if i > 0 {
			sb.WriteByte(' ')
		}
		switch d.k {
		case KindInt:
			sb.WriteString("i:")
			sb.WriteString(strconv.FormatInt(d.i, 10))
		case KindFloat:
			sb.WriteString("f:")
			sb.WriteString(strconv.FormatFloat(d.f, 'g', -1, 64))
		case KindString:
			sb.WriteString("s:")
			sb.WriteString(strconv.Quote(d.s))
		default:
			sb.WriteString("n:")
		}
	}
	return sb.String()
}

// DecodeTupleText parses the output of Tuple.EncodeText. The empty string decodes to a nil tuple.
func DecodeTupleText(s string) (Tuple, error) {
	var t Tuple
	for len(s) > 0 {
		if len(s) < 2 || s[1] != ':' {
			return nil, errors.Errorf("bad datum token %q", s)
		}
		kind := s[0]
		s = s[2:]
		var payload string
		if kind == 's' {
			end, err := quotedEnd(s)
			if err != nil {
				return nil, err
			}
			payload, s = s[:end], s[end:]
		} else if sp := strings.IndexByte(s, ' '); sp >= 0 {
			payload, s = s[:sp], s[sp:]
		} else {
			payload, s = s, ""
		}
		if len(s) > 0 {
			if s[0] != ' ' {
				return nil, errors.Errorf("missing separator before %q", s)
			}
			s = s[1:]
		}

		switch kind {
		case 'n':
			if payload != "" {
				return nil, errors.Errorf("null datum with payload %q", payload)
			}
			t = append(t, Datum{})
		case 'i':
			i, err := strconv.ParseInt(payload, 10, 64)
			if err != nil {
				return nil, errors.Trace(err)
			}
			t = append(t, NewIntDatum(i))
		case 'f':
			f, err := strconv.ParseFloat(payload, 64)
			if err != nil {
				return nil, errors.Trace(err)
			}
			t = append(t, NewFloatDatum(f))
		case 's':
			str, err := strconv.Unquote(payload)
			if err != nil {
				return nil, errors.Annotatef(err, "unquote %s", payload)
			}
			t = append(t, NewStringDatum(str))
		default:
			return nil, errors.Errorf("unknown datum kind %q", kind)
		}
	}
	return t, nil
}

// quotedEnd returns the index just past the closing quote of the Go string literal that s
// starts with.
func quotedEnd(s string) (int, error) {
	if len(s) == 0 || s[0] != '"' {
		return 0, errors.Errorf("expected quoted string at %q", s)
	}
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i + 1, nil
		}
	}
	return 0, errors.Errorf("unterminated string %q", s)
}
