package entdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/entdb/kv"
	"github.com/andreyvit/entdb/tuple"
)

var (
	ErrAlreadyExists      = errors.New("entdb: already exists")
	ErrUniqueViolation    = errors.New("entdb: unique index violation")
	ErrValidation         = errors.New("entdb: validation failed")
	ErrReadOnly           = errors.New("entdb: transaction is read-only")
	ErrTxCompleted        = errors.New("entdb: transaction already completed")
	ErrTxBound            = errors.New("entdb: transaction is bound to another database")
	ErrDirectoryExhausted = errors.New("entdb: directory ordinals exhausted")
	ErrInvalidCursor      = errors.New("entdb: invalid cursor")
	ErrTooManyAttempts    = errors.New("entdb: too many transaction attempts")
	ErrStreamClosed       = errors.New("entdb: stream closed")
	ErrNotInSchema        = errors.New("entdb: not part of the database schema")
	ErrNotUnique          = errors.New("entdb: index is not unique")
)

// IsConflict reports whether err is a store conflict, the only kind of error
// InTx retries.
func IsConflict(err error) bool {
	return kv.IsConflict(err)
}

// IsConstraint reports whether err is a duplicate create or a unique index
// violation.
func IsConstraint(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrUniqueViolation)
}

// IsReadOnly reports whether err is a mutation attempted through a read-only,
// ephemeral or completed transaction.
func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

// DataError describes malformed stored bytes.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// KindError is an error concerning a specific kind, index or entity.
type KindError struct {
	Kind  string
	Index string
	ID    tuple.Tuple
	Msg   string
	Err   error
}

func kindErrf(kind, index string, id tuple.Tuple, err error, format string, args ...any) error {
	return &KindError{kind, index, id, fmt.Sprintf(format, args...), err}
}

func (e *KindError) Unwrap() error {
	return e.Err
}

func (e *KindError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Kind)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.ID != nil {
		buf.WriteByte('/')
		buf.WriteString(e.ID.String())
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
