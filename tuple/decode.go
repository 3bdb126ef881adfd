package tuple

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// Unpack decodes a packed tuple. Malformed input yields a *DecodeError.
func Unpack(data []byte) (Tuple, error) {
	t, off, err := decodeTuple(data, 0, false)
	if err != nil {
		return nil, err
	}
	if off != len(data) {
		return nil, decodeErrf(data, off, "trailing bytes after tuple")
	}
	return t, nil
}

// UnpackPrefixed strips prefix from key and unpacks the rest.
func UnpackPrefixed(prefix, key []byte) (Tuple, error) {
	if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
		return nil, decodeErrf(key, 0, "key does not start with prefix %x", prefix)
	}
	return Unpack(key[len(prefix):])
}

func decodeTuple(data []byte, off int, nested bool) (Tuple, int, error) {
	t := Tuple{}
	for off < len(data) {
		code := data[off]
		if nested && code == nilCode {
			if off+1 < len(data) && data[off+1] == escapeByte {
				t = append(t, nil)
				off += 2
				continue
			}
			return t, off + 1, nil
		}
		var e any
		var err error
		e, off, err = decodeElem(data, off)
		if err != nil {
			return nil, off, err
		}
		t = append(t, e)
	}
	if nested {
		return nil, off, decodeErrf(data, off, "unterminated nested tuple")
	}
	return t, off, nil
}

func decodeElem(data []byte, off int) (any, int, error) {
	start := off
	code := data[off]
	off++
	switch {
	case code == nilCode:
		return nil, off, nil

	case code == bytesCode, code == stringCode:
		b, next, err := decodeEscaped(data, off)
		if err != nil {
			return nil, next, err
		}
		if code == stringCode {
			return string(b), next, nil
		}
		return b, next, nil

	case code == nestedCode:
		return decodeNested(data, off)

	case code >= negIntStart && code <= posIntEnd:
		return decodeInt(data, start, code)

	case code == doubleCode:
		if len(data)-off < 8 {
			return nil, off, decodeErrf(data, start, "truncated float")
		}
		u := binary.BigEndian.Uint64(data[off:])
		if u&(1<<63) != 0 {
			u &^= 1 << 63
		} else {
			u = ^u
		}
		return math.Float64frombits(u), off + 8, nil

	case code == falseCode:
		return false, off, nil
	case code == trueCode:
		return true, off, nil

	case code == uuidCode:
		if len(data)-off < 16 {
			return nil, off, decodeErrf(data, start, "truncated uuid")
		}
		var u uuid.UUID
		copy(u[:], data[off:off+16])
		return u, off + 16, nil

	default:
		return nil, off, decodeErrf(data, start, "unknown type code 0x%02x", code)
	}
}

func decodeNested(data []byte, off int) (any, int, error) {
	t, next, err := decodeTuple(data, off, true)
	if err != nil {
		return nil, next, err
	}
	return t, next, nil
}

func decodeEscaped(data []byte, off int) ([]byte, int, error) {
	start := off
	var out []byte
	for off < len(data) {
		c := data[off]
		if c == 0 {
			if off+1 < len(data) && data[off+1] == escapeByte {
				out = append(out, 0)
				off += 2
				continue
			}
			if out == nil {
				out = []byte{}
			}
			return out, off + 1, nil
		}
		out = append(out, c)
		off++
	}
	return nil, off, decodeErrf(data, start-1, "unterminated byte string")
}

func decodeInt(data []byte, start int, code byte) (any, int, error) {
	off := start + 1
	if code == intZeroCode {
		return int64(0), off, nil
	}
	neg := code < intZeroCode
	n := int(code) - intZeroCode
	if neg {
		n = intZeroCode - int(code)
	}
	if len(data)-off < n {
		return nil, off, decodeErrf(data, start, "truncated %d-byte integer", n)
	}
	var tmp [8]byte
	copy(tmp[8-n:], data[off:off+n])
	u := binary.BigEndian.Uint64(tmp[:])
	off += n
	if neg {
		return int64(u - sizeMask(n)), off, nil
	}
	return normUint(u), off, nil
}
