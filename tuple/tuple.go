// Package tuple implements an order-preserving binary encoding of typed tuples.
//
// Packed tuples compare byte-wise in the same order as the tuples compare
// element by element, so they can be used directly as keys of an ordered
// key-value store, and a packed tuple is always a prefix of the packed form
// of any longer tuple that starts with the same elements.
//
// Supported element types are nil, []byte, string, all integer types, float32
// and float64, bool, uuid.UUID and nested Tuple. Unpack returns integers as
// int64 (or uint64 when the value does not fit) and floats as float64.
package tuple

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Tuple is an ordered sequence of typed elements.
type Tuple []any

// Pack returns the order-preserving encoding of t.
func (t Tuple) Pack() []byte {
	return Append(nil, t)
}

// With returns a new tuple consisting of t followed by elems.
func (t Tuple) With(elems ...any) Tuple {
	r := make(Tuple, 0, len(t)+len(elems))
	r = append(r, t...)
	return append(r, elems...)
}

// HasPrefix reports whether t starts with the elements of prefix.
func (t Tuple) HasPrefix(prefix Tuple) bool {
	if len(prefix) > len(t) {
		return false
	}
	return Compare(t[:len(prefix)], prefix) == 0
}

// Equal reports whether a and b contain equal elements.
func Equal(a, b Tuple) bool {
	return len(a) == len(b) && Compare(a, b) == 0
}

func (t Tuple) String() string {
	var buf strings.Builder
	buf.WriteByte('(')
	for i, e := range t {
		if i > 0 {
			buf.WriteString(", ")
		}
		writeElem(&buf, e)
	}
	buf.WriteByte(')')
	return buf.String()
}

func writeElem(buf *strings.Builder, e any) {
	switch v := normalize(e).(type) {
	case nil:
		buf.WriteString("nil")
	case []byte:
		fmt.Fprintf(buf, "b%q", v)
	case string:
		buf.WriteString(strconv.Quote(v))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
	case float64:
		buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case uuid.UUID:
		buf.WriteString(v.String())
	case Tuple:
		buf.WriteString(v.String())
	default:
		fmt.Fprintf(buf, "%v", v)
	}
}

// normalize maps every supported element to the canonical type Unpack
// would return for it.
func normalize(e any) any {
	switch v := e.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return normUint(uint64(v))
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return normUint(v)
	case float32:
		return float64(v)
	case []any:
		return Tuple(v)
	default:
		return e
	}
}

func normUint(v uint64) any {
	if v <= math.MaxInt64 {
		return int64(v)
	}
	return v
}

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal to
// or after b. The order matches the byte order of the packed forms.
func Compare(a, b Tuple) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := compareElem(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareElem(a, b any) int {
	a, b = normalize(a), normalize(b)
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch av := a.(type) {
	case nil:
		return 0
	case []byte:
		return bytes.Compare(av, b.([]byte))
	case string:
		return strings.Compare(av, b.(string))
	case Tuple:
		return Compare(av, b.(Tuple))
	case int64, uint64:
		return compareInts(a, b)
	case float64:
		return bytes.Compare(floatBits(av), floatBits(b.(float64)))
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case uuid.UUID:
		bv := b.(uuid.UUID)
		return bytes.Compare(av[:], bv[:])
	default:
		panic(fmt.Errorf("tuple: unsupported element type %T", a))
	}
}

func compareInts(a, b any) int {
	ai, aSmall := a.(int64)
	bi, bSmall := b.(int64)
	switch {
	case aSmall && bSmall:
		return cmpInt(ai, bi)
	case aSmall:
		return -1
	case bSmall:
		return 1
	default:
		au, bu := a.(uint64), b.(uint64)
		switch {
		case au < bu:
			return -1
		case au > bu:
			return 1
		}
		return 0
	}
}

func cmpInt[T int | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func typeRank(e any) int {
	switch e.(type) {
	case nil:
		return nilCode
	case []byte:
		return bytesCode
	case string:
		return stringCode
	case Tuple:
		return nestedCode
	case int64, uint64:
		return intZeroCode
	case float64:
		return doubleCode
	case bool:
		return falseCode
	case uuid.UUID:
		return uuidCode
	default:
		panic(fmt.Errorf("tuple: unsupported element type %T", e))
	}
}
