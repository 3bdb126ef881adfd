package entdb

import (
	"context"

	"github.com/andreyvit/entdb/tuple"
)

// lock binds tx before taking the in-process lock of the kind, so that
// stores with a single writer are always entered before any kind lock.
func (k *Kind[T]) lock(ctx context.Context, tx *Tx, exclusive bool) (*kindState, func(), error) {
	ks, err := tx.db.kindState(&k.kindBase)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.bind(ctx); err != nil {
		return nil, nil, k.errf("", nil, err, "")
	}
	if exclusive {
		ks.lock.Lock()
		return ks, ks.lock.Unlock, nil
	}
	ks.lock.RLock()
	return ks, ks.lock.RUnlock, nil
}

// Create makes a new entity with the given id and writes it right away. It
// fails with ErrAlreadyExists when the id is taken in the view of tx,
// including by an entity created earlier in the same transaction, and with
// ErrUniqueViolation or ErrValidation when the value cannot be stored. A
// failed Create leaves no trace in tx.
func (k *Kind[T]) Create(ctx context.Context, tx *Tx, id tuple.Tuple, value T) (*Entity[T], error) {
	if len(id) == 0 {
		return nil, k.errf("", id, nil, "empty id")
	}
	if err := tx.checkWritable(); err != nil {
		return nil, k.errf("", id, err, "")
	}
	ks, unlock, err := k.lock(ctx, tx, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	packedID := id.Pack()
	key := entityKey{k.pos, string(packedID)}
	if _, found := tx.cached(key); found {
		return nil, k.errf("", id, ErrAlreadyExists, "")
	}
	raw, err := tx.Get(ctx, ks.sub.Pack(id))
	if err != nil {
		return nil, k.errf("", id, err, "")
	}
	if raw != nil {
		return nil, k.errf("", id, ErrAlreadyExists, "")
	}

	e := &Entity[T]{
		kind:  k,
		tx:    tx,
		id:    id,
		key:   key,
		value: value,
		isNew: true,
		dirty: true,
	}
	tx.putCached(key, e)
	if err := e.Flush(ctx); err != nil {
		tx.dropCached(key)
		return nil, err
	}
	return e, nil
}

// FindByID returns the entity with the given id, or nil if there is none.
// Within one transaction it always returns the same *Entity for an id.
func (k *Kind[T]) FindByID(ctx context.Context, tx *Tx, id tuple.Tuple) (*Entity[T], error) {
	ks, unlock, err := k.lock(ctx, tx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	packedID := id.Pack()
	if v, found := tx.cached(entityKey{k.pos, string(packedID)}); found {
		return v.(*Entity[T]), nil
	}
	raw, err := tx.Get(ctx, ks.sub.Pack(id))
	if err != nil {
		return nil, k.errf("", id, err, "")
	}
	if raw == nil {
		return nil, nil
	}
	var rec record
	if err := rec.decode(raw); err != nil {
		return nil, k.errf("", id, err, "")
	}
	return k.materialize(tx, id, packedID, rec)
}

// Exists reports whether an entity with the id is visible to tx.
func (k *Kind[T]) Exists(ctx context.Context, tx *Tx, id tuple.Tuple) (bool, error) {
	e, err := k.FindByID(ctx, tx, id)
	return e != nil, err
}

// FindOrCreate returns the existing entity or creates one with value.
func (k *Kind[T]) FindOrCreate(ctx context.Context, tx *Tx, id tuple.Tuple, value T) (*Entity[T], error) {
	e, err := k.FindByID(ctx, tx, id)
	if err != nil || e != nil {
		return e, err
	}
	return k.Create(ctx, tx, id, value)
}

// FindAll returns every entity of the kind in id order.
func (k *Kind[T]) FindAll(ctx context.Context, tx *Tx) ([]*Entity[T], error) {
	return k.scan(ctx, tx, k.All(), scanParams{})
}

// FindRange returns entities whose id starts with prefix. A limit of 0 means
// no limit.
func (k *Kind[T]) FindRange(ctx context.Context, tx *Tx, prefix tuple.Tuple, limit int, reverse bool) ([]*Entity[T], error) {
	return k.scan(ctx, tx, k.Prefix(prefix), scanParams{limit: limit, reverse: reverse})
}

// FindFromIndex returns entities whose index key starts with prefix, in index
// order. A limit of 0 means no limit.
func (k *Kind[T]) FindFromIndex(ctx context.Context, tx *Tx, idx *Index[T], prefix tuple.Tuple, limit int, reverse bool) ([]*Entity[T], error) {
	return k.scan(ctx, tx, idx.Prefix(prefix), scanParams{limit: limit, reverse: reverse})
}

// FindFromUniqueIndex returns the entity with the given unique index key, or
// nil.
func (k *Kind[T]) FindFromUniqueIndex(ctx context.Context, tx *Tx, idx *Index[T], key tuple.Tuple) (*Entity[T], error) {
	if idx.kind != k {
		return nil, k.errf(idx.name, nil, ErrNotInSchema, "index of kind %s", idx.kind.name)
	}
	if !idx.unique {
		return nil, k.errf(idx.name, nil, ErrNotUnique, "")
	}
	if err := tx.FlushPending(ctx); err != nil {
		return nil, err
	}
	ks, unlock, err := k.lock(ctx, tx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	raw, err := tx.Get(ctx, ks.indexSubs[idx.pos].Pack(key))
	if err != nil {
		return nil, k.errf(idx.name, nil, err, "")
	}
	if raw == nil {
		return nil, nil
	}
	id, rec, err := k.decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return k.materialize(tx, id, rec.ID, rec)
}
