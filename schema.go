package entdb

import (
	"fmt"
	"strings"

	"github.com/andreyvit/entdb/tuple"
)

// Schema is the static list of kinds and atomic spaces a DB serves. It is
// built once at startup and frozen by Open.
type Schema struct {
	kinds       []*kindBase
	kindsByName map[string]*kindBase
	atomics     []*AtomicSpace
	frozen      bool
}

func NewSchema() *Schema {
	return &Schema{
		kindsByName: make(map[string]*kindBase),
	}
}

func (scm *Schema) KindNames() []string {
	names := make([]string, len(scm.kinds))
	for i, k := range scm.kinds {
		names[i] = k.name
	}
	return names
}

func (scm *Schema) freeze() {
	scm.frozen = true
}

func (scm *Schema) mustBeMutable(what string) {
	if scm.frozen {
		panic(fmt.Errorf("cannot add %s: schema already used by a DB", what))
	}
}

func validateName(what, name string) {
	if name == "" {
		panic(fmt.Errorf("%s name cannot be empty", what))
	}
	if strings.HasPrefix(name, "__") {
		panic(fmt.Errorf("%s name %q uses the reserved __ prefix", what, name))
	}
}

// kindBase is the untyped part of a kind, shared by DB-level code.
type kindBase struct {
	schema     *Schema
	name       string
	pos        int
	versioned  bool
	timestamps bool
	liveStream bool
	indexes    []*indexBase
}

func (k *kindBase) Name() string {
	return k.name
}

func (k *kindBase) String() string {
	return k.name
}

func (k *kindBase) path() tuple.Tuple {
	return tuple.Tuple{"entity", k.name}
}

func (k *kindBase) topic() string {
	return "entdb.created." + k.name
}

func (k *kindBase) errf(index string, id tuple.Tuple, err error, format string, args ...any) error {
	return kindErrf(k.name, index, id, err, format, args...)
}

// Validator checks a candidate value before it is written. Returning an
// error aborts the flush.
type Validator[T any] func(id tuple.Tuple, v *T) error

type KindOptions[T any] struct {
	// Versioned kinds keep a version counter that is bumped by every flush
	// that changes the stored value.
	Versioned bool
	// Timestamps enables createdAt and updatedAt bookkeeping.
	Timestamps bool
	// LiveStream makes creations observable through Kind.Stream.
	LiveStream bool

	Validators []Validator[T]
}

// Kind is a typed entity kind, the factory for its entities.
type Kind[T any] struct {
	kindBase
	validators []Validator[T]
	indexes    []*Index[T]
}

// AddKind declares a kind of entities with values of type T, which must be
// encodable with msgpack.
func AddKind[T any](scm *Schema, name string, opt KindOptions[T]) *Kind[T] {
	validateName("kind", name)
	scm.mustBeMutable("kind " + name)
	if scm.kindsByName[name] != nil {
		panic(fmt.Errorf("duplicate kind %q", name))
	}
	k := &Kind[T]{
		kindBase: kindBase{
			schema:     scm,
			name:       name,
			pos:        len(scm.kinds),
			versioned:  opt.Versioned,
			timestamps: opt.Timestamps,
			liveStream: opt.LiveStream,
		},
		validators: opt.Validators,
	}
	scm.kinds = append(scm.kinds, &k.kindBase)
	scm.kindsByName[name] = &k.kindBase
	return k
}

func (k *Kind[T]) Indexes() []*Index[T] {
	return k.indexes
}

type indexBase struct {
	name   string
	pos    int
	unique bool
}

func (idx *indexBase) Name() string {
	return idx.name
}

func (idx *indexBase) IsUnique() bool {
	return idx.unique
}

func (idx *indexBase) path(k *kindBase) tuple.Tuple {
	return k.path().With("__indexes", idx.name)
}

// Index is a secondary index over a kind. Entries are keyed by the tuple
// returned from the key function; non-unique entries also carry the id.
type Index[T any] struct {
	indexBase
	kind *Kind[T]
	key  func(id tuple.Tuple, v *T) tuple.Tuple
	pred func(v *T) bool
}

func AddIndex[T any](k *Kind[T], name string, key func(id tuple.Tuple, v *T) tuple.Tuple) *Index[T] {
	validateName("index", name)
	k.schema.mustBeMutable("index " + k.name + "." + name)
	for _, other := range k.indexes {
		if other.name == name {
			panic(fmt.Errorf("duplicate index %s.%s", k.name, name))
		}
	}
	idx := &Index[T]{
		indexBase: indexBase{
			name: name,
			pos:  len(k.indexes),
		},
		kind: k,
		key:  key,
	}
	k.indexes = append(k.indexes, idx)
	k.kindBase.indexes = append(k.kindBase.indexes, &idx.indexBase)
	return idx
}

// Unique makes the index reject two entities with the same key.
func (idx *Index[T]) Unique() *Index[T] {
	idx.kind.schema.mustBeMutable("unique flag to " + idx.FullName())
	idx.unique = true
	return idx
}

// Where makes the index partial: only values matching pred get an entry.
func (idx *Index[T]) Where(pred func(v *T) bool) *Index[T] {
	idx.kind.schema.mustBeMutable("predicate to " + idx.FullName())
	idx.pred = pred
	return idx
}

func (idx *Index[T]) Kind() *Kind[T] {
	return idx.kind
}

func (idx *Index[T]) FullName() string {
	return idx.kind.name + "." + idx.name
}

func (idx *Index[T]) matches(v *T) bool {
	if v == nil {
		return false
	}
	return idx.pred == nil || idx.pred(v)
}

// AtomicSpace is a named directory of atomic counters and flags.
type AtomicSpace struct {
	schema *Schema
	name   string
	pos    int
}

func AddAtomics(scm *Schema, name string) *AtomicSpace {
	validateName("atomic space", name)
	scm.mustBeMutable("atomic space " + name)
	for _, other := range scm.atomics {
		if other.name == name {
			panic(fmt.Errorf("duplicate atomic space %q", name))
		}
	}
	a := &AtomicSpace{
		schema: scm,
		name:   name,
		pos:    len(scm.atomics),
	}
	scm.atomics = append(scm.atomics, a)
	return a
}

func (a *AtomicSpace) Name() string {
	return a.name
}

func (a *AtomicSpace) path() tuple.Tuple {
	return tuple.Tuple{"atomic", a.name}
}
