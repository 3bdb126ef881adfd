package tuple

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/google/uuid"
)

// Type codes. Their numeric order defines the order between element types.
const (
	nilCode     = 0x00
	bytesCode   = 0x01
	stringCode  = 0x02
	nestedCode  = 0x05
	negIntStart = 0x0c // 8-byte negative integer
	intZeroCode = 0x14
	posIntEnd   = 0x1c // 8-byte positive integer
	doubleCode  = 0x21
	falseCode   = 0x26
	trueCode    = 0x27
	uuidCode    = 0x30

	escapeByte = 0xFF
)

// Append appends the packed form of t to buf.
func Append(buf []byte, t Tuple) []byte {
	for _, e := range t {
		buf = appendElem(buf, e, false)
	}
	return buf
}

// Pack returns the packed form of a tuple made of elems.
func Pack(elems ...any) []byte {
	return Append(nil, Tuple(elems))
}

func appendElem(buf []byte, e any, nested bool) []byte {
	switch v := normalize(e).(type) {
	case nil:
		if nested {
			return append(buf, nilCode, escapeByte)
		}
		return append(buf, nilCode)
	case []byte:
		return appendEscaped(append(buf, bytesCode), v)
	case string:
		buf = append(buf, stringCode)
		for i := 0; i < len(v); i++ {
			buf = append(buf, v[i])
			if v[i] == 0 {
				buf = append(buf, escapeByte)
			}
		}
		return append(buf, 0)
	case Tuple:
		buf = append(buf, nestedCode)
		for _, ne := range v {
			buf = appendElem(buf, ne, true)
		}
		return append(buf, 0)
	case int64:
		return appendInt(buf, v)
	case uint64:
		buf = append(buf, posIntEnd)
		return binary.BigEndian.AppendUint64(buf, v)
	case float64:
		return append(append(buf, doubleCode), floatBits(v)...)
	case bool:
		if v {
			return append(buf, trueCode)
		}
		return append(buf, falseCode)
	case uuid.UUID:
		return append(append(buf, uuidCode), v[:]...)
	default:
		panic(fmt.Errorf("tuple: unsupported element type %T", e))
	}
}

func appendEscaped(buf []byte, b []byte) []byte {
	for _, c := range b {
		buf = append(buf, c)
		if c == 0 {
			buf = append(buf, escapeByte)
		}
	}
	return append(buf, 0)
}

// appendInt writes a minimal-length big-endian integer. Negative values are
// stored in one's complement so that they sort below zero and each other.
func appendInt(buf []byte, v int64) []byte {
	if v == 0 {
		return append(buf, intZeroCode)
	}
	var mag uint64
	if v > 0 {
		mag = uint64(v)
	} else {
		mag = uint64(-(v + 1)) + 1
	}
	n := (bits.Len64(mag) + 7) / 8
	u := uint64(v)
	if v > 0 {
		buf = append(buf, byte(intZeroCode+n))
	} else {
		buf = append(buf, byte(intZeroCode-n))
		u = (u + sizeMask(n)) & sizeMask(n)
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], u)
	return append(buf, tmp[8-n:]...)
}

func sizeMask(n int) uint64 {
	if n >= 8 {
		return math.MaxUint64
	}
	return (uint64(1) << (8 * n)) - 1
}

func floatBits(f float64) []byte {
	var b [8]byte
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		u = ^u
	} else {
		u |= 1 << 63
	}
	binary.BigEndian.PutUint64(b[:], u)
	return b[:]
}
