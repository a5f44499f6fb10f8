package codec

import (
	"encoding/binary"
	"math"

	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
)

const (
	signMask uint64 = 0x8000000000000000

	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

// Datum flags, written before every encoded datum.
const (
	NilFlag    byte = 0
	BytesFlag  byte = 1
	IntFlag    byte = 3
	FloatFlag  byte = 5
	maxFlagLen      = 1
)

var pads = make([]byte, encGroupSize)

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//   [1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//   [1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
// Refer: https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format
func EncodeBytes(b []byte, data []byte) []byte {
	dLen := len(data)
	if cap(b)-len(b) < (dLen/encGroupSize+1)*(encGroupSize+1) {
		nb := make([]byte, len(b), len(b)+(dLen/encGroupSize+1)*(encGroupSize+1))
		copy(nb, b)
		b = nb
	}
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			b = append(b, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			b = append(b, data[idx:]...)
			b = append(b, pads[:padCount]...)
		}
		b = append(b, encMarker-byte(padCount))
	}
	return b
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			// Check validity of padding bytes.
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}

// EncodeInt appends the memcomparable form of v: big endian with the sign bit flipped.
func EncodeInt(b []byte, v int64) []byte {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], uint64(v)^signMask)
	return append(b, data[:]...)
}

// DecodeInt decodes a value encoded by EncodeInt.
func DecodeInt(b []byte) ([]byte, int64, error) {
	if len(b) < 8 {
		return nil, 0, errors.New("insufficient bytes to decode value")
	}
	u := binary.BigEndian.Uint64(b[:8])
	return b[8:], int64(u ^ signMask), nil
}

// EncodeUint appends v in big endian, which keeps unsigned values ordered.
func EncodeUint(b []byte, v uint64) []byte {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], v)
	return append(b, data[:]...)
}

// DecodeUint decodes a value encoded by EncodeUint.
func DecodeUint(b []byte) ([]byte, uint64, error) {
	if len(b) < 8 {
		return nil, 0, errors.New("insufficient bytes to decode value")
	}
	return b[8:], binary.BigEndian.Uint64(b[:8]), nil
}

func encodeFloatToCmpUint64(f float64) uint64 {
	u := math.Float64bits(f)
	if f >= 0 {
		u |= signMask
	} else {
		u = ^u
	}
	return u
}

func decodeCmpUint64ToFloat(u uint64) float64 {
	if u&signMask > 0 {
		u &= ^signMask
	} else {
		u = ^u
	}
	return math.Float64frombits(u)
}

// EncodeFloat appends the memcomparable form of f.
func EncodeFloat(b []byte, f float64) []byte {
	return EncodeUint(b, encodeFloatToCmpUint64(f))
}

// DecodeFloat decodes a value encoded by EncodeFloat.
func DecodeFloat(b []byte) ([]byte, float64, error) {
	b, u, err := DecodeUint(b)
	return b, decodeCmpUint64ToFloat(u), errors.Trace(err)
}

// EncodeDatum appends the flag and the memcomparable payload of d.
func EncodeDatum(b []byte, d types.Datum) []byte {
	switch d.Kind() {
	case types.KindInt:
		b = append(b, IntFlag)
		return EncodeInt(b, d.GetInt64())
	case types.KindFloat:
		b = append(b, FloatFlag)
		return EncodeFloat(b, d.GetFloat64())
	case types.KindString:
		b = append(b, BytesFlag)
		return EncodeBytes(b, []byte(d.GetString()))
	}
	return append(b, NilFlag)
}

// DecodeDatum decodes one datum written by EncodeDatum and returns the leftover bytes.
func DecodeDatum(b []byte) ([]byte, types.Datum, error) {
	if len(b) < maxFlagLen {
		return nil, types.Datum{}, errors.New("invalid encoded key")
	}
	flag := b[0]
	b = b[maxFlagLen:]
	var (
		d   types.Datum
		err error
	)
	switch flag {
	case NilFlag:
	case IntFlag:
		var v int64
		b, v, err = DecodeInt(b)
		d = types.NewIntDatum(v)
	case FloatFlag:
		var v float64
		b, v, err = DecodeFloat(b)
		d = types.NewFloatDatum(v)
	case BytesFlag:
		var v []byte
		b, v, err = DecodeBytes(b)
		d = types.NewStringDatum(string(v))
	default:
		return nil, d, errors.Errorf("invalid encoded key flag %v", flag)
	}
	if err != nil {
		return nil, types.Datum{}, errors.Trace(err)
	}
	return b, d, nil
}

// EncodeTuple appends every datum of t in order.
func EncodeTuple(b []byte, t types.Tuple) []byte {
	for _, d := range t {
		b = EncodeDatum(b, d)
	}
	return b
}

// DecodeTuple decodes datums until b is exhausted.
func DecodeTuple(b []byte) (types.Tuple, error) {
	var t types.Tuple
	for len(b) > 0 {
		var (
			d   types.Datum
			err error
		)
		b, d, err = DecodeDatum(b)
		if err != nil {
			return nil, err
		}
		t = append(t, d)
	}
	return t, nil
}
