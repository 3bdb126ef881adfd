package tuple

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// ErrNoSuccessor is returned by Strinc for keys made only of 0xFF bytes.
var ErrNoSuccessor = errors.New("tuple: key has no successor")

// FirstKeyOf returns the inclusive lower bound of the keys nested under prefix.
func FirstKeyOf(prefix []byte) []byte {
	return append(slices.Clip(prefix), 0x00)
}

// LastKeyOf returns the exclusive upper bound of the keys nested under prefix.
func LastKeyOf(prefix []byte) []byte {
	return append(slices.Clip(prefix), 0xFF)
}

// Strinc returns the first key that does not start with prefix and sorts
// after every key that does.
func Strinc(prefix []byte) ([]byte, error) {
	n := len(prefix)
	for n > 0 && prefix[n-1] == 0xFF {
		n--
	}
	if n == 0 {
		return nil, ErrNoSuccessor
	}
	r := slices.Clone(prefix[:n])
	r[n-1]++
	return r, nil
}

// EncodeToString returns the hex form of a packed key, used for cursors.
func EncodeToString(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodeFromString reverses EncodeToString.
func DecodeFromString(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Data: []byte(s), Off: 0, Msg: "invalid hex key", Err: err}
	}
	return b, nil
}

// DecodeError describes malformed packed data.
type DecodeError struct {
	Data []byte
	Off  int
	Msg  string
	Err  error
}

func decodeErrf(data []byte, off int, format string, args ...any) error {
	return &DecodeError{Data: data, Off: off, Msg: fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Error() string {
	const prefixLen = 48
	const suffixLen = 16
	n := len(e.Data)
	var dump string
	if n <= prefixLen+suffixLen {
		dump = fmt.Sprintf("(%d) %x", n, e.Data)
	} else {
		dump = fmt.Sprintf("(%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	if e.Err != nil {
		return fmt.Sprintf("tuple: %s at offset %d: %v: %s", e.Msg, e.Off, e.Err, dump)
	}
	return fmt.Sprintf("tuple: %s at offset %d: %s", e.Msg, e.Off, dump)
}
