package entdb

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/entdb/kv"
)

// TxMode is the kind of a transaction context.
type TxMode int

const (
	// ReadWrite contexts accumulate pending writes and commit them.
	ReadWrite TxMode = iota
	// ReadOnly contexts read a consistent snapshot and reject mutations.
	ReadOnly
	// Ephemeral contexts are read-only and keep no identity cache: every
	// read materializes fresh entities. Used for one-off scans.
	Ephemeral
)

func (m TxMode) String() string {
	switch m {
	case ReadWrite:
		return "read-write"
	case ReadOnly:
		return "read-only"
	case Ephemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("TxMode(%d)", int(m))
	}
}

type txState int

const (
	txUninitialized txState = iota
	txActive
	txCompleted
)

// entityKey identifies an entity structurally: the kind position within the
// schema plus the packed primary key.
type entityKey struct {
	kind int
	id   string
}

type pendingWrite struct {
	key   entityKey
	flush func(ctx context.Context) error
}

// Tx is a transaction context. It binds lazily to one store transaction on
// first access and is used from a single goroutine at a time.
type Tx struct {
	db        *DB
	id        uuid.UUID
	mode      TxMode
	attempt   int
	startTime time.Time
	stack     string
	logger    logrus.FieldLogger

	mu      sync.Mutex
	state   txState
	ktx     kv.Tx
	store   kv.Store
	pending []pendingWrite
	pendIdx map[entityKey]int

	beforeCommit []func(ctx context.Context) error
	afterCommit  []func(ctx context.Context)

	cache map[entityKey]any
	memo  map[string]any
}

func (db *DB) newTx(mode TxMode) *Tx {
	id := uuid.New()
	tx := &Tx{
		db:        db,
		id:        id,
		mode:      mode,
		startTime: time.Now(),
		logger:    db.logger.WithField("tx", id.String()),
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
	}
	if mode != Ephemeral {
		tx.cache = make(map[entityKey]any)
	}
	return tx
}

func (tx *Tx) DB() *DB          { return tx.db }
func (tx *Tx) ID() uuid.UUID    { return tx.id }
func (tx *Tx) Mode() TxMode     { return tx.mode }
func (tx *Tx) Attempt() int     { return tx.attempt }
func (tx *Tx) IsWritable() bool { return tx.mode == ReadWrite }

func (tx *Tx) IsCompleted() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == txCompleted
}

func (tx *Tx) isActiveReadWrite() bool {
	return tx.mode == ReadWrite && !tx.IsCompleted()
}

// bind returns the store transaction, starting it on first use.
func (tx *Tx) bind(ctx context.Context) (kv.Tx, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.state {
	case txCompleted:
		return nil, ErrTxCompleted
	case txActive:
		return tx.ktx, nil
	}
	return tx.bindLocked(ctx, tx.db.store)
}

func (tx *Tx) bindLocked(ctx context.Context, store kv.Store) (kv.Tx, error) {
	if tx.store != nil && tx.store != store {
		return nil, ErrTxBound
	}
	ktx, err := store.Begin(ctx, tx.mode == ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("entdb: begin %s transaction: %w", tx.mode, err)
	}
	tx.ktx = ktx
	tx.store = store
	tx.state = txActive
	tx.db.addTx(tx)
	if tx.db.cfg.Verbose {
		tx.logger.WithField("mode", tx.mode.String()).Debug("entdb: begin")
	}
	return ktx, nil
}

// checkWritable fails for read-only, ephemeral and completed contexts.
func (tx *Tx) checkWritable() error {
	if tx.mode != ReadWrite {
		return fmt.Errorf("%w (%s context)", ErrReadOnly, tx.mode)
	}
	if tx.IsCompleted() {
		return fmt.Errorf("%w: %w", ErrReadOnly, ErrTxCompleted)
	}
	return nil
}

func (tx *Tx) Get(ctx context.Context, key []byte) ([]byte, error) {
	ktx, err := tx.bind(ctx)
	if err != nil {
		return nil, err
	}
	v, err := ktx.Get(ctx, key)
	if tx.db.cfg.Verbose {
		tx.logger.WithFields(logrus.Fields{"key": hexstr(key), "found": v != nil}).Debug("entdb: get")
	}
	return v, err
}

func (tx *Tx) SnapshotGet(ctx context.Context, key []byte) ([]byte, error) {
	ktx, err := tx.bind(ctx)
	if err != nil {
		return nil, err
	}
	return ktx.SnapshotGet(ctx, key)
}

func (tx *Tx) GetRange(ctx context.Context, begin, end []byte, opt kv.RangeOptions) ([]kv.KeyValue, error) {
	ktx, err := tx.bind(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ktx.GetRange(ctx, begin, end, opt)
	if tx.db.cfg.Verbose {
		tx.logger.WithFields(logrus.Fields{
			"begin":   hexstr(begin),
			"end":     hexstr(end),
			"limit":   opt.Limit,
			"reverse": opt.Reverse,
			"rows":    len(rows),
		}).Debug("entdb: range")
	}
	return rows, err
}

func (tx *Tx) mutation(ctx context.Context, op string, key []byte) (kv.Tx, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if tx.db.cfg.Verbose {
		tx.logger.WithField("key", hexstr(key)).Debug("entdb: " + op)
	}
	return tx.bind(ctx)
}

func (tx *Tx) Set(ctx context.Context, key, value []byte) error {
	ktx, err := tx.mutation(ctx, "set", key)
	if err != nil {
		return err
	}
	return ktx.Set(key, value)
}

func (tx *Tx) Clear(ctx context.Context, key []byte) error {
	ktx, err := tx.mutation(ctx, "clear", key)
	if err != nil {
		return err
	}
	return ktx.Clear(key)
}

func (tx *Tx) Add(ctx context.Context, key, param []byte) error {
	ktx, err := tx.mutation(ctx, "add", key)
	if err != nil {
		return err
	}
	return ktx.Add(key, param)
}

func (tx *Tx) BitOr(ctx context.Context, key, param []byte) error {
	ktx, err := tx.mutation(ctx, "or", key)
	if err != nil {
		return err
	}
	return ktx.BitOr(key, param)
}

func (tx *Tx) BitXor(ctx context.Context, key, param []byte) error {
	ktx, err := tx.mutation(ctx, "xor", key)
	if err != nil {
		return err
	}
	return ktx.BitXor(key, param)
}

// addPendingWrite registers the flush callback of an entity. A later
// registration for the same entity replaces the callback but keeps its
// position.
func (tx *Tx) addPendingWrite(key entityKey, flush func(ctx context.Context) error) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if i, ok := tx.pendIdx[key]; ok {
		tx.pending[i].flush = flush
		return nil
	}
	if tx.pendIdx == nil {
		tx.pendIdx = make(map[entityKey]int)
	}
	tx.pendIdx[key] = len(tx.pending)
	tx.pending = append(tx.pending, pendingWrite{key, flush})
	return nil
}

func (tx *Tx) takePending() []pendingWrite {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	batch := tx.pending
	tx.pending, tx.pendIdx = nil, nil
	return batch
}

// requeue puts back callbacks that did not flush, ahead of any registered
// since they were taken.
func (tx *Tx) requeue(batch []pendingWrite) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	merged := make([]pendingWrite, 0, len(batch)+len(tx.pending))
	idx := make(map[entityKey]int, len(batch)+len(tx.pending))
	for _, pw := range slices.Concat(batch, tx.pending) {
		if i, ok := idx[pw.key]; ok {
			merged[i].flush = pw.flush
			continue
		}
		idx[pw.key] = len(merged)
		merged = append(merged, pw)
	}
	tx.pending, tx.pendIdx = merged, idx
}

// HasPendingWrites reports whether any entity is waiting to be flushed.
func (tx *Tx) HasPendingWrites() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.pending) > 0
}

// FlushPending flushes every dirty entity of the transaction. It is safe to
// call any number of times. When a flush fails, the failed and remaining
// callbacks stay pending and the error is returned.
func (tx *Tx) FlushPending(ctx context.Context) error {
	if tx.mode != ReadWrite {
		return nil
	}
	for {
		batch := tx.takePending()
		if len(batch) == 0 {
			return nil
		}
		for i, pw := range batch {
			if err := pw.flush(ctx); err != nil {
				tx.requeue(batch[i:])
				return err
			}
		}
	}
}

// BeforeCommit registers a hook that runs after the final flush and before
// the store commit. An error aborts the commit.
func (tx *Tx) BeforeCommit(f func(ctx context.Context) error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.beforeCommit = append(tx.beforeCommit, f)
}

// AfterCommit registers a hook that runs once, in registration order, after
// a successful commit. Hooks never run for aborted attempts.
func (tx *Tx) AfterCommit(f func(ctx context.Context)) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.afterCommit = append(tx.afterCommit, f)
}

func (tx *Tx) commit(ctx context.Context) error {
	if tx.mode != ReadWrite {
		return tx.cancel()
	}
	if err := tx.FlushPending(ctx); err != nil {
		return err
	}
	for i := 0; ; i++ {
		tx.mu.Lock()
		if i >= len(tx.beforeCommit) {
			tx.mu.Unlock()
			break
		}
		hook := tx.beforeCommit[i]
		tx.mu.Unlock()
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if err := tx.FlushPending(ctx); err != nil {
		return err
	}

	tx.mu.Lock()
	if tx.state == txCompleted {
		tx.mu.Unlock()
		return ErrTxCompleted
	}
	ktx := tx.ktx
	tx.state = txCompleted
	hooks := tx.afterCommit
	tx.afterCommit = nil
	tx.mu.Unlock()

	if ktx != nil {
		err := ktx.Commit(ctx)
		tx.db.removeTx(tx)
		if err != nil {
			ktx.Cancel()
			return fmt.Errorf("entdb: commit: %w", err)
		}
	}
	tx.db.metrics.commits.Inc()
	if tx.db.cfg.Verbose {
		tx.logger.WithField("elapsed", time.Since(tx.startTime)).Debug("entdb: committed")
	}
	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

// cancel discards the context. Pending writes and after-commit hooks are
// dropped.
func (tx *Tx) cancel() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == txCompleted {
		return nil
	}
	tx.state = txCompleted
	tx.pending, tx.pendIdx = nil, nil
	tx.afterCommit = nil
	if tx.ktx == nil {
		return nil
	}
	tx.db.removeTx(tx)
	return tx.ktx.Cancel()
}

func (tx *Tx) cached(key entityKey) (any, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	e, ok := tx.cache[key]
	return e, ok
}

func (tx *Tx) putCached(key entityKey, e any) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.cache != nil {
		tx.cache[key] = e
	}
}

func (tx *Tx) dropCached(key entityKey) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	delete(tx.cache, key)
}

func (tx *Tx) GetMemo(key string) (any, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	v, found := tx.memo[key]
	return v, found
}

// Memo caches the result of f, including an error, for the rest of the
// transaction attempt.
func (tx *Tx) Memo(key string, f func() (any, error)) (any, error) {
	if v, found := tx.GetMemo(key); found {
		if e, ok := v.(error); ok {
			return nil, e
		}
		return v, nil
	}

	v, err := f()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}
	if err != nil {
		tx.memo[key] = err
	} else {
		tx.memo[key] = v
	}
	return v, err
}

func Memo[T any](tx *Tx, key string, f func() (T, error)) (T, error) {
	v, err := tx.Memo(key, func() (any, error) {
		return f()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	r, _ := v.(T)
	return r, nil
}

type txContextKey struct{}

// WithTx returns a context carrying tx. Passing a nil tx detaches ctx from
// any transaction it carries.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(txContextKey{}).(*Tx)
	return tx
}
