package entdb

import (
	"context"
	"encoding/binary"

	"github.com/andreyvit/entdb/tuple"
)

// AtomicInteger is a 64-bit counter updated with the store's native atomic
// add, so concurrent increments never conflict.
type AtomicInteger struct {
	space *AtomicSpace
	id    tuple.Tuple
}

// AtomicBoolean is a flag stored as a presence byte and flipped with an
// atomic XOR.
type AtomicBoolean struct {
	space *AtomicSpace
	id    tuple.Tuple
}

func (a *AtomicSpace) Integer(id ...any) AtomicInteger {
	return AtomicInteger{a, tuple.Tuple(id)}
}

func (a *AtomicSpace) Boolean(id ...any) AtomicBoolean {
	return AtomicBoolean{a, tuple.Tuple(id)}
}

func (a *AtomicSpace) key(db *DB, id tuple.Tuple) ([]byte, error) {
	if a.schema != db.schema {
		return nil, kindErrf(a.name, "", id, ErrNotInSchema, "")
	}
	return db.atomics[a.pos].Pack(id), nil
}

func (v AtomicInteger) String() string {
	return v.space.name + "/" + v.id.String()
}

// Get returns the current value, 0 if it was never set.
func (v AtomicInteger) Get(ctx context.Context, tx *Tx) (int64, error) {
	key, err := v.space.key(tx.db, v.id)
	if err != nil {
		return 0, err
	}
	raw, err := tx.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, kindErrf(v.space.name, "", v.id, dataErrf(raw, 0, nil, "invalid atomic integer"), "")
	}
	return int64(binary.LittleEndian.Uint64(raw)), nil
}

func (v AtomicInteger) Set(ctx context.Context, tx *Tx, n int64) error {
	key, err := v.space.key(tx.db, v.id)
	if err != nil {
		return err
	}
	return tx.Set(ctx, key, binary.LittleEndian.AppendUint64(nil, uint64(n)))
}

// Add atomically adds delta, which may be negative.
func (v AtomicInteger) Add(ctx context.Context, tx *Tx, delta int64) error {
	key, err := v.space.key(tx.db, v.id)
	if err != nil {
		return err
	}
	return tx.Add(ctx, key, binary.LittleEndian.AppendUint64(nil, uint64(delta)))
}

func (v AtomicInteger) Increment(ctx context.Context, tx *Tx) error {
	return v.Add(ctx, tx, 1)
}

func (v AtomicInteger) Decrement(ctx context.Context, tx *Tx) error {
	return v.Add(ctx, tx, -1)
}

var atomicTrue = []byte{0x01}

func (v AtomicBoolean) String() string {
	return v.space.name + "/" + v.id.String()
}

// Get reports whether the flag is set. An absent flag is false.
func (v AtomicBoolean) Get(ctx context.Context, tx *Tx) (bool, error) {
	key, err := v.space.key(tx.db, v.id)
	if err != nil {
		return false, err
	}
	raw, err := tx.Get(ctx, key)
	if err != nil {
		return false, err
	}
	switch {
	case raw == nil:
		return false, nil
	case len(raw) == 1 && raw[0] <= 1:
		return raw[0] == 1, nil
	default:
		return false, kindErrf(v.space.name, "", v.id, dataErrf(raw, 0, nil, "invalid atomic boolean"), "")
	}
}

func (v AtomicBoolean) Set(ctx context.Context, tx *Tx, value bool) error {
	key, err := v.space.key(tx.db, v.id)
	if err != nil {
		return err
	}
	if !value {
		return tx.Clear(ctx, key)
	}
	return tx.Set(ctx, key, atomicTrue)
}

// Invert atomically flips the flag.
func (v AtomicBoolean) Invert(ctx context.Context, tx *Tx) error {
	key, err := v.space.key(tx.db, v.id)
	if err != nil {
		return err
	}
	return tx.BitXor(ctx, key, atomicTrue)
}
