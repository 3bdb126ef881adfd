package entdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/andreyvit/entdb/kv"
	"github.com/andreyvit/entdb/tuple"
)

const (
	ordinalWidth = 3
	maxOrdinal   = 1<<(8*ordinalWidth) - 1
)

var (
	counterTuple = tuple.Tuple{"counter"}
	pathsTuple   = tuple.Tuple{"paths"}
	claimsTuple  = tuple.Tuple{"claims"}
)

// DirectoryEntry is a registered path to prefix mapping.
type DirectoryEntry struct {
	Path    tuple.Tuple
	Ordinal uint32
	Prefix  []byte
}

func prefixOf(root byte, ordinal uint32) []byte {
	return []byte{root, byte(ordinal >> 16), byte(ordinal >> 8), byte(ordinal)}
}

func encodeOrdinal(ordinal uint32) []byte {
	return []byte{byte(ordinal >> 16), byte(ordinal >> 8), byte(ordinal)}
}

func decodeOrdinal(key, v []byte) (uint32, error) {
	if len(v) != ordinalWidth {
		return 0, dataErrf(v, 0, nil, "invalid directory ordinal under %x", key)
	}
	return uint32(v[0])<<16 | uint32(v[1])<<8 | uint32(v[2]), nil
}

func (db *DB) counterKey() []byte {
	return db.meta.Pack(counterTuple)
}

func (db *DB) slotKey(path tuple.Tuple) []byte {
	return db.meta.Pack(pathsTuple.With(path...))
}

func (db *DB) claimKey(ordinal uint32) []byte {
	return db.meta.Pack(claimsTuple.With(int64(ordinal)))
}

func (db *DB) subspaceFor(path tuple.Tuple, ordinal uint32) Subspace {
	return newSubspace(path, prefixOf(db.cfg.RootByte, ordinal))
}

// Directory returns the subspace of path, allocating a prefix on first use.
//
// When ctx carries an active read-write transaction of this DB, allocation
// joins it and the prefix is cached once that transaction commits.
// Otherwise allocation runs in its own transaction. Either way a prefix is
// never cached unless it is durable.
func (db *DB) Directory(ctx context.Context, path tuple.Tuple) (Subspace, error) {
	if len(path) == 0 {
		return Subspace{}, fmt.Errorf("entdb: empty directory path")
	}
	cacheKey := string(path.Pack())
	if sub, ok := db.cachedDir(cacheKey); ok {
		return sub, nil
	}
	if tx := TxFromContext(ctx); tx != nil && tx.db == db && tx.isActiveReadWrite() {
		sub, err := db.allocate(ctx, tx, path)
		if err != nil {
			return Subspace{}, err
		}
		tx.AfterCommit(func(ctx context.Context) {
			db.cacheDir(sub)
		})
		return sub, nil
	}
	v, err, _ := db.dirFlight.Do(cacheKey, func() (any, error) {
		if sub, ok := db.cachedDir(cacheKey); ok {
			return sub, nil
		}
		var sub Subspace
		err := db.InTx(WithTx(ctx, nil), func(ctx context.Context, tx *Tx) error {
			var err error
			sub, err = db.allocate(ctx, tx, path)
			return err
		})
		if err != nil {
			return nil, err
		}
		db.cacheDir(sub)
		return sub, nil
	})
	if err != nil {
		return Subspace{}, err
	}
	return v.(Subspace), nil
}

func (db *DB) cachedDir(key string) (Subspace, bool) {
	db.dirsLock.RLock()
	defer db.dirsLock.RUnlock()
	sub, ok := db.dirs[key]
	return sub, ok
}

func (db *DB) cacheDir(sub Subspace) {
	db.dirsLock.Lock()
	defer db.dirsLock.Unlock()
	db.dirs[string(sub.path.Pack())] = sub
}

func (db *DB) allocate(ctx context.Context, tx *Tx, path tuple.Tuple) (Subspace, error) {
	slot := db.slotKey(path)
	v, err := tx.Get(ctx, slot)
	if err != nil {
		return Subspace{}, err
	}
	if v != nil {
		ord, err := decodeOrdinal(slot, v)
		if err != nil {
			return Subspace{}, err
		}
		return db.subspaceFor(path, ord), nil
	}

	var ord uint32
	if db.cfg.HighContentionAllocator {
		ord, err = db.claimRandomOrdinal(ctx, tx, path)
	} else {
		ord, err = db.claimNextOrdinal(ctx, tx, path)
	}
	if err != nil {
		return Subspace{}, err
	}

	if err := tx.Set(ctx, slot, encodeOrdinal(ord)); err != nil {
		return Subspace{}, err
	}
	if err := tx.Set(ctx, db.claimKey(ord), path.Pack()); err != nil {
		return Subspace{}, err
	}
	tx.AfterCommit(func(ctx context.Context) {
		db.metrics.directories.Inc()
	})
	tx.logger.WithFields(logrus.Fields{
		"path":    path.String(),
		"ordinal": ord,
	}).Debug("entdb: directory allocated")
	return db.subspaceFor(path, ord), nil
}

func (db *DB) readCounter(ctx context.Context, tx *Tx, snapshot bool) (uint32, error) {
	key := db.counterKey()
	var v []byte
	var err error
	if snapshot {
		v, err = tx.SnapshotGet(ctx, key)
	} else {
		v, err = tx.Get(ctx, key)
	}
	if err != nil || v == nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, dataErrf(v, 0, nil, "invalid directory counter")
	}
	return uint32(min(binary.BigEndian.Uint64(v), maxOrdinal)), nil
}

func (db *DB) writeCounter(ctx context.Context, tx *Tx, ord uint32) error {
	return tx.Set(ctx, db.counterKey(), binary.BigEndian.AppendUint64(nil, uint64(ord)))
}

// claimNextOrdinal serializes all first-time allocations on the counter key.
func (db *DB) claimNextOrdinal(ctx context.Context, tx *Tx, path tuple.Tuple) (uint32, error) {
	ord, err := db.readCounter(ctx, tx, false)
	if err != nil {
		return 0, err
	}
	for {
		if ord >= db.cfg.MaxDirectories {
			return 0, fmt.Errorf("%w: cannot allocate %v", ErrDirectoryExhausted, path)
		}
		ord++
		// the high-contention allocator may have claimed ordinals above a stale counter
		claim, err := tx.Get(ctx, db.claimKey(ord))
		if err != nil {
			return 0, err
		}
		if claim == nil {
			break
		}
	}
	if err := db.writeCounter(ctx, tx, ord); err != nil {
		return 0, err
	}
	return ord, nil
}

// claimRandomOrdinal picks a random free ordinal from a window above the
// counter hint. Only the chosen claim slot is read with conflict tracking,
// so concurrent allocators collide only when they pick the same ordinal; the
// loser gets a conflict and is retried by InTx.
func (db *DB) claimRandomOrdinal(ctx context.Context, tx *Tx, path tuple.Tuple) (uint32, error) {
	hint, err := db.readCounter(ctx, tx, true)
	if err != nil {
		return 0, err
	}
	limit := db.cfg.MaxDirectories
	window := uint32(db.cfg.DirectoryWindow)

	for start := hint + 1; start <= limit; start += window {
		end := min(start+window-1, limit)
		rows, err := tx.GetRange(ctx, db.claimKey(start), kv.KeyAfter(db.claimKey(end)), kv.RangeOptions{Snapshot: true})
		if err != nil {
			return 0, err
		}
		claimed := make(map[uint32]bool, len(rows))
		for _, row := range rows {
			t, err := db.meta.Unpack(row.Key)
			if err != nil {
				return 0, err
			}
			if n, ok := t[len(t)-1].(int64); ok {
				claimed[uint32(n)] = true
			}
		}
		var free []uint32
		for o := start; o <= end; o++ {
			if !claimed[o] {
				free = append(free, o)
			}
		}
		if len(free) == 0 {
			continue
		}

		ord := free[rand.IntN(len(free))]
		claim, err := tx.Get(ctx, db.claimKey(ord))
		if err != nil {
			return 0, err
		}
		if claim != nil {
			return 0, fmt.Errorf("entdb: directory ordinal %d already claimed: %w", ord, kv.ErrConflict)
		}
		if ord > hint {
			if err := db.writeCounter(ctx, tx, ord); err != nil {
				return 0, err
			}
		}
		return ord, nil
	}
	return 0, fmt.Errorf("%w: cannot allocate %v", ErrDirectoryExhausted, path)
}

// FindAllDirectories lists every registered directory ordered by path.
func (db *DB) FindAllDirectories(ctx context.Context) ([]DirectoryEntry, error) {
	var result []DirectoryEntry
	err := db.InReadOnlyTx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		result, err = db.findAllDirectories(ctx, tx)
		return err
	})
	return result, err
}

func (db *DB) findAllDirectories(ctx context.Context, tx *Tx) ([]DirectoryEntry, error) {
	base := newSubspace(pathsTuple, db.meta.Pack(pathsTuple))
	begin, end := base.Range()
	rows, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{})
	if err != nil {
		return nil, err
	}
	result := make([]DirectoryEntry, 0, len(rows))
	for _, row := range rows {
		path, err := base.Unpack(row.Key)
		if err != nil {
			return nil, err
		}
		ord, err := decodeOrdinal(row.Key, row.Value)
		if err != nil {
			return nil, err
		}
		result = append(result, DirectoryEntry{
			Path:    path,
			Ordinal: ord,
			Prefix:  prefixOf(db.cfg.RootByte, ord),
		})
	}
	return result, nil
}
