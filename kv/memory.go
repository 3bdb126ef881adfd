package kv

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
)

// Memory is a transient in-memory Store with serializable optimistic
// concurrency control, intended for tests and embedded use.
//
// Each transaction reads the snapshot published by the last commit before it
// began. Committed data is never mutated in place: a commit publishes a new
// sorted slice, so taking a snapshot is a pointer copy.
type Memory struct {
	mu       sync.Mutex
	items    []KeyValue // sorted by key, immutable once published
	version  uint64
	log      []commitRecord
	active   map[*memTx]struct{}
	watchers map[string][]chan struct{}
	closed   bool
}

type commitRecord struct {
	version uint64
	keys    [][]byte
}

var _ Store = (*Memory)(nil)
var _ Watcher = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		active:   make(map[*memTx]struct{}),
		watchers: make(map[string][]chan struct{}),
	}
}

func (s *Memory) Begin(ctx context.Context, writable bool) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	tx := &memTx{
		s:           s,
		writable:    writable,
		snap:        s.items,
		readVersion: s.version,
	}
	s.active[tx] = struct{}{}
	return tx, nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = nil
	for _, chs := range s.watchers {
		for _, ch := range chs {
			close(ch)
		}
	}
	s.watchers = nil
	return nil
}

// Version returns the number of commits that changed data.
func (s *Memory) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Memory) Watch(ctx context.Context, key []byte) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ch := make(chan struct{})
	k := string(key)
	s.watchers[k] = append(s.watchers[k], ch)
	go func() {
		<-ctx.Done()
		s.unwatch(k, ch)
	}()
	return ch, nil
}

func (s *Memory) unwatch(k string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chs := s.watchers[k]
	i := slices.Index(chs, ch)
	if i < 0 {
		return
	}
	close(ch)
	chs = slices.Delete(chs, i, i+1)
	if len(chs) == 0 {
		delete(s.watchers, k)
	} else {
		s.watchers[k] = chs
	}
}

func (s *Memory) fireWatchersLocked(keys [][]byte) {
	for _, k := range keys {
		chs := s.watchers[string(k)]
		if len(chs) == 0 {
			continue
		}
		for _, ch := range chs {
			close(ch)
		}
		delete(s.watchers, string(k))
	}
}

func (s *Memory) pruneLogLocked() {
	minVer := s.version
	for tx := range s.active {
		minVer = min(minVer, tx.readVersion)
	}
	i := 0
	for i < len(s.log) && s.log[i].version <= minVer {
		i++
	}
	s.log = slices.Delete(s.log, 0, i)
}

type keyRange struct {
	begin, end []byte
}

func (r keyRange) contains(k []byte) bool {
	return bytes.Compare(k, r.begin) >= 0 && bytes.Compare(k, r.end) < 0
}

type memTx struct {
	s           *Memory
	writable    bool
	snap        []KeyValue
	readVersion uint64

	mu     sync.Mutex
	reads  []keyRange
	writes map[string][]mutation
	done   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) check(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	if ctx != nil {
		return ctx.Err()
	}
	return nil
}

func (tx *memTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	return tx.get(ctx, key, false)
}

func (tx *memTx) SnapshotGet(ctx context.Context, key []byte) ([]byte, error) {
	return tx.get(ctx, key, true)
}

func (tx *memTx) get(ctx context.Context, key []byte, snapshot bool) ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	if !snapshot {
		tx.reads = append(tx.reads, keyRange{slices.Clone(key), KeyAfter(key)})
	}
	v := apply(lookup(tx.snap, key), tx.writes[string(key)])
	return slices.Clone(v), nil
}

func (tx *memTx) GetRange(ctx context.Context, begin, end []byte, opt RangeOptions) ([]KeyValue, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	if bytes.Compare(begin, end) >= 0 {
		return nil, nil
	}

	lo := search(tx.snap, begin)
	hi := search(tx.snap, end)
	base := tx.snap[lo:hi]

	var local []string
	for k := range tx.writes {
		if (keyRange{begin, end}).contains([]byte(k)) {
			local = append(local, k)
		}
	}
	sort.Strings(local)

	merged := make([]KeyValue, 0, len(base)+len(local))
	i, j := 0, 0
	for i < len(base) || j < len(local) {
		var key []byte
		var v []byte
		switch {
		case j >= len(local) || (i < len(base) && bytes.Compare(base[i].Key, []byte(local[j])) < 0):
			key, v = base[i].Key, base[i].Value
			i++
		case i >= len(base) || bytes.Compare(base[i].Key, []byte(local[j])) > 0:
			key = []byte(local[j])
			v = apply(nil, tx.writes[local[j]])
			j++
		default:
			key = base[i].Key
			v = apply(base[i].Value, tx.writes[local[j]])
			i++
			j++
		}
		if v != nil {
			merged = append(merged, KeyValue{Key: slices.Clone(key), Value: slices.Clone(v)})
		}
	}

	if opt.Reverse {
		slices.Reverse(merged)
	}
	limited := opt.Limit > 0 && len(merged) > opt.Limit
	if limited {
		merged = merged[:opt.Limit]
	}

	if !opt.Snapshot {
		r := keyRange{slices.Clone(begin), slices.Clone(end)}
		if limited {
			last := merged[len(merged)-1].Key
			if opt.Reverse {
				r.begin = slices.Clone(last)
			} else {
				r.end = KeyAfter(last)
			}
		}
		tx.reads = append(tx.reads, r)
	}
	return merged, nil
}

func (tx *memTx) mutate(key []byte, op opKind, param []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(nil); err != nil {
		return err
	}
	if !tx.writable {
		return ErrReadOnly
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if tx.writes == nil {
		tx.writes = make(map[string][]mutation)
	}
	k := string(key)
	tx.writes[k] = pushMutation(tx.writes[k], op, param)
	return nil
}

func (tx *memTx) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return tx.mutate(key, opSet, value)
}

func (tx *memTx) Clear(key []byte) error         { return tx.mutate(key, opClear, nil) }
func (tx *memTx) Add(key, param []byte) error    { return tx.mutate(key, opAdd, param) }
func (tx *memTx) BitOr(key, param []byte) error  { return tx.mutate(key, opOr, param) }
func (tx *memTx) BitXor(key, param []byte) error { return tx.mutate(key, opXor, param) }

func (tx *memTx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(ctx); err != nil {
		return err
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer tx.closeLocked()

	if s.closed {
		return ErrClosed
	}
	if !tx.writable || len(tx.writes) == 0 {
		return nil
	}

	for _, rec := range s.log {
		if rec.version <= tx.readVersion {
			continue
		}
		for _, k := range rec.keys {
			if tx.readsContain(k) {
				return ErrConflict
			}
		}
	}

	keys := make([][]byte, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, []byte(k))
	}
	slices.SortFunc(keys, bytes.Compare)

	s.items = mergeWrites(s.items, keys, tx.writes)
	s.version++
	s.log = append(s.log, commitRecord{version: s.version, keys: keys})
	s.fireWatchersLocked(keys)
	return nil
}

func (tx *memTx) readsContain(k []byte) bool {
	for _, r := range tx.reads {
		if r.contains(k) {
			return true
		}
	}
	return false
}

// closeLocked must be called with the store lock held.
func (tx *memTx) closeLocked() {
	if tx.done {
		return
	}
	tx.done = true
	delete(tx.s.active, tx)
	tx.s.pruneLogLocked()
}

func (tx *memTx) Cancel() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.closeLocked()
	return nil
}

// mergeWrites returns a new sorted slice with the mutations applied on top of
// the latest committed values.
func mergeWrites(items []KeyValue, keys [][]byte, writes map[string][]mutation) []KeyValue {
	out := make([]KeyValue, 0, len(items)+len(keys))
	i := 0
	for _, k := range keys {
		for i < len(items) && bytes.Compare(items[i].Key, k) < 0 {
			out = append(out, items[i])
			i++
		}
		var base []byte
		if i < len(items) && bytes.Equal(items[i].Key, k) {
			base = items[i].Value
			i++
		}
		if v := apply(base, writes[string(k)]); v != nil {
			out = append(out, KeyValue{Key: k, Value: slices.Clone(v)})
		}
	}
	return append(out, items[i:]...)
}

func search(items []KeyValue, key []byte) int {
	return sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].Key, key) >= 0
	})
}

func lookup(items []KeyValue, key []byte) []byte {
	i := search(items, key)
	if i < len(items) && bytes.Equal(items[i].Key, key) {
		return items[i].Value
	}
	return nil
}
