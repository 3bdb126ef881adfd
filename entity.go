package entdb

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/entdb/tuple"
)

// Entity is the in-memory form of one record, owned by the transaction that
// created or loaded it. Changes are buffered and written on flush, which
// happens at the latest right before the transaction commits.
//
// An Entity must not be mutated after its transaction completes, but its
// value stays readable.
type Entity[T any] struct {
	kind *Kind[T]
	tx   *Tx
	id   tuple.Tuple
	key  entityKey

	value T

	// last flushed state; old is nil until the entity exists durably
	rec record
	old *T

	isNew   bool
	dirty   bool
	pending bool
}

func (e *Entity[T]) ID() tuple.Tuple {
	return e.id
}

// Value returns a shallow copy of the working value.
func (e *Entity[T]) Value() T {
	return e.value
}

func (e *Entity[T]) Meta() RecordMeta {
	return e.rec.meta()
}

// IsNew reports whether the entity has not been flushed yet.
func (e *Entity[T]) IsNew() bool {
	return e.isNew
}

func (e *Entity[T]) IsDirty() bool {
	return e.dirty
}

func (e *Entity[T]) Kind() *Kind[T] {
	return e.kind
}

func (e *Entity[T]) String() string {
	return e.kind.name + "/" + e.id.String()
}

// Mutate applies fn to the working value and schedules a flush.
func (e *Entity[T]) Mutate(fn func(v *T)) error {
	if err := e.tx.checkWritable(); err != nil {
		return e.kind.errf("", e.id, err, "")
	}
	fn(&e.value)
	return e.markDirty()
}

// Set replaces the working value and schedules a flush.
func (e *Entity[T]) Set(v T) error {
	if err := e.tx.checkWritable(); err != nil {
		return e.kind.errf("", e.id, err, "")
	}
	e.value = v
	return e.markDirty()
}

func (e *Entity[T]) markDirty() error {
	e.dirty = true
	if e.pending {
		return nil
	}
	if err := e.tx.addPendingWrite(e.key, e.Flush); err != nil {
		return e.kind.errf("", e.id, err, "")
	}
	e.pending = true
	return nil
}

// Flush writes the entity and its index entries if the value has changed.
// On failure nothing is written and the entity stays dirty.
func (e *Entity[T]) Flush(ctx context.Context) error {
	if !e.dirty {
		e.pending = false
		return nil
	}
	k := e.kind
	tx := e.tx
	if err := tx.checkWritable(); err != nil {
		return k.errf("", e.id, err, "")
	}
	ks, err := tx.db.kindState(&k.kindBase)
	if err != nil {
		return err
	}

	data, err := encodeData(nil, &e.value)
	if err != nil {
		return k.errf("", e.id, err, "")
	}
	if !e.isNew && bytes.Equal(data, e.rec.Data) {
		e.dirty, e.pending = false, false
		return nil
	}

	// decoding gives validators and the snapshot a value that shares no
	// memory with the working copy
	cand := new(T)
	if err := decodeData(data, cand); err != nil {
		return k.errf("", e.id, err, "")
	}

	next := record{
		Flags:     rfVer1,
		Version:   e.rec.Version,
		CreatedAt: e.rec.CreatedAt,
		UpdatedAt: e.rec.UpdatedAt,
		ID:        []byte(e.key.id),
		Data:      data,
	}
	if k.versioned {
		next.Flags |= rfVersioned
		next.Version++
	}
	if k.timestamps {
		next.Flags |= rfTimestamps
		now := tx.db.now().UnixMilli()
		if e.isNew || e.rec.Flags&rfTimestamps == 0 {
			next.CreatedAt = now
		}
		next.UpdatedAt = now
	}

	if err := k.validate(e.id, cand); err != nil {
		return err
	}

	encoded := next.encode(nil)
	plan, err := k.planIndexes(ctx, tx, ks, e.id, e.key.id, e.old, cand, encoded)
	if err != nil {
		return err
	}

	if err := tx.Set(ctx, ks.sub.Pack(e.id), encoded); err != nil {
		return k.errf("", e.id, err, "write")
	}
	if err := k.applyIndexPlan(ctx, tx, plan); err != nil {
		return err
	}

	wasNew := e.isNew
	e.rec = next
	e.old = cand
	e.isNew = false
	e.dirty, e.pending = false, false

	tx.db.metrics.flushes.WithLabelValues(k.name).Inc()
	if tx.db.cfg.Verbose {
		tx.logger.WithFields(logrus.Fields{
			"kind":    k.name,
			"id":      e.id.String(),
			"new":     wasNew,
			"version": next.Version,
		}).Debug("entdb: flushed")
	}

	if wasNew && k.liveStream {
		if err := tx.Add(ctx, ks.marker, markerIncrement); err != nil {
			return k.errf("", e.id, err, "stream marker")
		}
		db := tx.db
		topic := k.topic()
		payload := tuple.Append(nil, e.id)
		tx.AfterCommit(func(ctx context.Context) {
			db.broker.Publish(topic, payload)
		})
	}
	return nil
}

var markerIncrement = []byte{1, 0, 0, 0, 0, 0, 0, 0}

func (k *Kind[T]) validate(id tuple.Tuple, v *T) error {
	var result *multierror.Error
	for _, f := range k.validators {
		if err := f(id, v); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return k.errf("", id, fmt.Errorf("%w: %w", ErrValidation, err), "")
	}
	return nil
}

// materialize returns the cached entity for the id or builds one from a
// stored record and caches it.
func (k *Kind[T]) materialize(tx *Tx, id tuple.Tuple, packedID []byte, rec record) (*Entity[T], error) {
	key := entityKey{k.pos, string(packedID)}
	if v, ok := tx.cached(key); ok {
		return v.(*Entity[T]), nil
	}
	e := &Entity[T]{
		kind: k,
		tx:   tx,
		id:   id,
		key:  key,
		rec:  rec,
		old:  new(T),
	}
	e.rec.ID = []byte(key.id)
	e.rec.Data = bytes.Clone(rec.Data)
	if err := decodeData(e.rec.Data, &e.value); err != nil {
		return nil, k.errf("", id, err, "")
	}
	if err := decodeData(e.rec.Data, e.old); err != nil {
		return nil, k.errf("", id, err, "")
	}
	tx.putCached(key, e)
	return e, nil
}

func (k *Kind[T]) decodeRecord(raw []byte) (tuple.Tuple, record, error) {
	var rec record
	if err := rec.decode(raw); err != nil {
		return nil, rec, k.errf("", nil, err, "")
	}
	id, err := tuple.Unpack(rec.ID)
	if err != nil {
		return nil, rec, k.errf("", nil, err, "record id")
	}
	return id, rec, nil
}
