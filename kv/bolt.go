package kv

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var boltBucket = []byte("kv")

// BoltOptions tunes the Bolt backend.
type BoltOptions struct {
	// IsTesting disables fsync and uses a small initial mmap.
	IsTesting bool
	MmapSize  int
	Timeout   time.Duration
}

// Bolt is a Store backed by a single Bolt bucket. Bolt serializes writers,
// so its transactions never fail with ErrConflict. It does not implement
// Watcher; callers fall back to polling.
type Bolt struct {
	bdb *bbolt.DB
}

var _ Store = (*Bolt)(nil)

func OpenBolt(path string, opt BoltOptions) (*Bolt, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("kv: %w", err)
	}
	return &Bolt{bdb: bdb}, nil
}

// DB exposes the underlying Bolt database.
func (s *Bolt) DB() *bbolt.DB {
	return s.bdb
}

func (s *Bolt) Begin(ctx context.Context, writable bool) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		if err == bbolt.ErrDatabaseNotOpen {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("kv: %w", err)
	}
	return &boltTx{btx: btx, b: btx.Bucket(boltBucket)}, nil
}

func (s *Bolt) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx  *bbolt.Tx
	b    *bbolt.Bucket
	done bool
}

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(tx.b.Get(key)), nil
}

// SnapshotGet is Get: Bolt has no read conflicts to skip.
func (tx *boltTx) SnapshotGet(ctx context.Context, key []byte) ([]byte, error) {
	return tx.Get(ctx, key)
}

func (tx *boltTx) GetRange(ctx context.Context, begin, end []byte, opt RangeOptions) ([]KeyValue, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bytes.Compare(begin, end) >= 0 {
		return nil, nil
	}

	var result []KeyValue
	c := tx.b.Cursor()
	var k, v []byte
	if opt.Reverse {
		k, v = c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	} else {
		k, v = c.Seek(begin)
	}
	for k != nil {
		if opt.Reverse {
			if bytes.Compare(k, begin) < 0 {
				break
			}
		} else if bytes.Compare(k, end) >= 0 {
			break
		}
		result = append(result, KeyValue{Key: slices.Clone(k), Value: slices.Clone(v)})
		if opt.Limit > 0 && len(result) >= opt.Limit {
			break
		}
		if opt.Reverse {
			k, v = c.Prev()
		} else {
			k, v = c.Next()
		}
	}
	return result, nil
}

func (tx *boltTx) writable() error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.btx.Writable() {
		return ErrReadOnly
	}
	return nil
}

func (tx *boltTx) Set(key, value []byte) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if value == nil {
		value = []byte{}
	}
	return tx.b.Put(slices.Clone(key), slices.Clone(value))
}

func (tx *boltTx) Clear(key []byte) error {
	if err := tx.writable(); err != nil {
		return err
	}
	return tx.b.Delete(key)
}

func (tx *boltTx) atomic(key []byte, op opKind, param []byte) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	v := applyAtomic(op, tx.b.Get(key), param)
	return tx.b.Put(slices.Clone(key), v)
}

func (tx *boltTx) Add(key, param []byte) error    { return tx.atomic(key, opAdd, param) }
func (tx *boltTx) BitOr(key, param []byte) error  { return tx.atomic(key, opOr, param) }
func (tx *boltTx) BitXor(key, param []byte) error { return tx.atomic(key, opXor, param) }

func (tx *boltTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if !tx.btx.Writable() {
		return tx.btx.Rollback()
	}
	return tx.btx.Commit()
}

func (tx *boltTx) Cancel() error {
	tx.done = true
	// The only error Rollback returns is ErrTxClosed, which just means we've
	// already committed.
	err := tx.btx.Rollback()
	if err != nil && err != bbolt.ErrTxClosed {
		return err
	}
	return nil
}
