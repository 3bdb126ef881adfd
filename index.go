package entdb

import (
	"bytes"
	"context"

	"github.com/andreyvit/entdb/tuple"
)

type indexOp int

const (
	indexNoop indexOp = iota
	indexDelete
	indexCreate
	indexReplace
	indexRewrite
)

func (op indexOp) String() string {
	switch op {
	case indexNoop:
		return "noop"
	case indexDelete:
		return "delete"
	case indexCreate:
		return "create"
	case indexReplace:
		return "replace"
	case indexRewrite:
		return "rewrite"
	default:
		return "unknown"
	}
}

// indexTransition is what a flush does to the entry of one index.
type indexTransition struct {
	index  string
	op     indexOp
	oldKey []byte
	newKey []byte
	value  []byte
}

// entryKey returns the index entry key of a value. Unique entries are keyed
// by the index fields alone, non-unique ones also include the id.
func (idx *Index[T]) entryKey(sub Subspace, id tuple.Tuple, v *T) []byte {
	fields := idx.key(id, v)
	if !idx.unique {
		fields = fields.With(id...)
	}
	return sub.Pack(fields)
}

// transition derives the index operation from the old and new values. A nil
// old value means the entity is new.
func (idx *Index[T]) transition(sub Subspace, id tuple.Tuple, old, cand *T) indexTransition {
	t := indexTransition{index: idx.name}
	oldIn, newIn := idx.matches(old), idx.matches(cand)
	if oldIn {
		t.oldKey = idx.entryKey(sub, id, old)
	}
	if newIn {
		t.newKey = idx.entryKey(sub, id, cand)
	}
	switch {
	case !oldIn && !newIn:
		t.op = indexNoop
	case oldIn && !newIn:
		t.op = indexDelete
	case !oldIn && newIn:
		t.op = indexCreate
	case bytes.Equal(t.oldKey, t.newKey):
		t.op = indexRewrite
	default:
		t.op = indexReplace
	}
	return t
}

// planIndexes computes the transitions of every index and verifies unique
// slots. It performs no writes, so a violation leaves the transaction
// untouched.
func (k *Kind[T]) planIndexes(ctx context.Context, tx *Tx, ks *kindState, id tuple.Tuple, packedID string, old, cand *T, value []byte) ([]indexTransition, error) {
	if len(k.indexes) == 0 {
		return nil, nil
	}
	plan := make([]indexTransition, 0, len(k.indexes))
	for _, idx := range k.indexes {
		t := idx.transition(ks.indexSubs[idx.pos], id, old, cand)
		if t.op == indexNoop {
			continue
		}
		t.value = value
		if idx.unique && (t.op == indexCreate || t.op == indexReplace) {
			if err := k.checkUniqueSlot(ctx, tx, idx, id, packedID, t.newKey); err != nil {
				return nil, err
			}
		}
		plan = append(plan, t)
	}
	return plan, nil
}

func (k *Kind[T]) checkUniqueSlot(ctx context.Context, tx *Tx, idx *Index[T], id tuple.Tuple, packedID string, key []byte) error {
	existing, err := tx.Get(ctx, key)
	if err != nil {
		return k.errf(idx.name, id, err, "")
	}
	if existing == nil {
		return nil
	}
	var rec record
	if err := rec.decode(existing); err != nil {
		return k.errf(idx.name, id, err, "")
	}
	if string(rec.ID) == packedID {
		return nil
	}
	owner, _ := tuple.Unpack(rec.ID)
	return k.errf(idx.name, id, ErrUniqueViolation, "key %x is taken by %v", key, owner)
}

func (k *Kind[T]) applyIndexPlan(ctx context.Context, tx *Tx, plan []indexTransition) error {
	for _, t := range plan {
		if t.oldKey != nil && (t.op == indexDelete || t.op == indexReplace) {
			if err := tx.Clear(ctx, t.oldKey); err != nil {
				return k.errf(t.index, nil, err, "delete entry")
			}
		}
		if t.newKey != nil && t.op != indexDelete {
			if err := tx.Set(ctx, t.newKey, t.value); err != nil {
				return k.errf(t.index, nil, err, "write entry")
			}
		}
		tx.db.metrics.indexWrites.WithLabelValues(k.name, t.index, t.op.String()).Inc()
	}
	return nil
}
