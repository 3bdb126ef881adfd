package entdb

import (
	"bytes"
	"slices"

	"github.com/andreyvit/entdb/tuple"
)

// Subspace is a directory: a logical path together with the short binary
// prefix allocated for it.
type Subspace struct {
	path   tuple.Tuple
	prefix []byte
}

func newSubspace(path tuple.Tuple, prefix []byte) Subspace {
	return Subspace{path: path, prefix: prefix}
}

func (s Subspace) Path() tuple.Tuple { return s.path }

// Bytes returns the raw key prefix. Callers must not modify it.
func (s Subspace) Bytes() []byte { return s.prefix }

// Pack returns the key of t inside the subspace.
func (s Subspace) Pack(t tuple.Tuple) []byte {
	return tuple.Append(slices.Clip(s.prefix), t)
}

// Unpack returns the tuple of a key inside the subspace.
func (s Subspace) Unpack(key []byte) (tuple.Tuple, error) {
	return tuple.UnpackPrefixed(s.prefix, key)
}

func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Range returns the half-open bounds of all keys inside the subspace.
func (s Subspace) Range() (begin, end []byte) {
	return tuple.FirstKeyOf(s.prefix), tuple.LastKeyOf(s.prefix)
}

func (s Subspace) String() string {
	return s.path.String() + "@" + hexstr(s.prefix)
}
