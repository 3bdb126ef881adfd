package entdb

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/andreyvit/entdb/kv"
	"github.com/andreyvit/entdb/tuple"
)

const trackTxns = true

type DB struct {
	store     kv.Store
	ownsStore bool
	schema    *Schema
	cfg       Config
	logger    logrus.FieldLogger
	broker    Broker
	now       func() time.Time
	metrics   *metrics

	meta Subspace

	dirs      map[string]Subspace
	dirsLock  sync.RWMutex
	dirFlight singleflight.Group

	kinds   []*kindState
	atomics []Subspace

	txns     []*Tx
	txnsLock sync.Mutex
}

type kindState struct {
	lock      sync.RWMutex
	sub       Subspace
	indexSubs []Subspace
	marker    []byte
}

// Open prepares a DB for the given schema, allocating the directories of
// every kind, index and atomic space up front.
func Open(ctx context.Context, schema *Schema, cfg Config, opt Options) (*DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db := &DB{
		store:   opt.Store,
		schema:  schema,
		cfg:     cfg,
		logger:  opt.Logger,
		broker:  opt.Broker,
		now:     opt.Now,
		meta:    newSubspace(tuple.Tuple{"__meta"}, prefixOf(cfg.RootByte, 0)),
		dirs:    make(map[string]Subspace),
		kinds:   make([]*kindState, len(schema.kinds)),
		atomics: make([]Subspace, len(schema.atomics)),
	}
	if db.logger == nil {
		db.logger = discardLogger()
	}
	if db.broker == nil {
		db.broker = NewLocalBroker()
	}
	if db.now == nil {
		db.now = time.Now
	}
	var err error
	db.metrics, err = newMetrics(opt.Registerer)
	if err != nil {
		return nil, fmt.Errorf("entdb: metrics: %w", err)
	}

	if db.store == nil {
		db.store, err = openStore(cfg)
		if err != nil {
			return nil, err
		}
		db.ownsStore = true
	}
	schema.freeze()

	err = db.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		for _, k := range schema.kinds {
			ks, err := db.prepareKind(ctx, tx, k)
			if err != nil {
				return err
			}
			db.kinds[k.pos] = ks
		}
		for _, a := range schema.atomics {
			sub, err := db.allocate(ctx, tx, a.path())
			if err != nil {
				return err
			}
			db.atomics[a.pos] = sub
		}
		return nil
	})
	if err != nil {
		if db.ownsStore {
			db.store.Close()
		}
		return nil, err
	}

	for _, ks := range db.kinds {
		db.cacheDir(ks.sub)
		for _, sub := range ks.indexSubs {
			db.cacheDir(sub)
		}
	}
	for _, sub := range db.atomics {
		db.cacheDir(sub)
	}

	db.logger.WithFields(logrus.Fields{
		"kinds":   len(schema.kinds),
		"atomics": len(schema.atomics),
	}).Debug("entdb: opened")
	return db, nil
}

func openStore(cfg Config) (kv.Store, error) {
	switch cfg.Backend {
	case BackendBolt:
		s, err := kv.OpenBolt(cfg.Path, kv.BoltOptions{IsTesting: cfg.Testing})
		if err != nil {
			return nil, fmt.Errorf("entdb: %w", err)
		}
		return s, nil
	default:
		return kv.NewMemory(), nil
	}
}

func (db *DB) prepareKind(ctx context.Context, tx *Tx, k *kindBase) (*kindState, error) {
	ks := &kindState{}
	var err error
	ks.sub, err = db.allocate(ctx, tx, k.path())
	if err != nil {
		return nil, err
	}
	for _, idx := range k.indexes {
		sub, err := db.allocate(ctx, tx, idx.path(k))
		if err != nil {
			return nil, err
		}
		ks.indexSubs = append(ks.indexSubs, sub)
	}
	if k.liveStream {
		sub, err := db.allocate(ctx, tx, k.path().With("__stream"))
		if err != nil {
			return nil, err
		}
		ks.marker = sub.Pack(tuple.Tuple{"created"})
	}
	return ks, nil
}

func (db *DB) kindState(k *kindBase) (*kindState, error) {
	if k.schema != db.schema {
		return nil, kindErrf(k.name, "", nil, ErrNotInSchema, "")
	}
	return db.kinds[k.pos], nil
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Store() kv.Store {
	return db.store
}

func (db *DB) Config() Config {
	return db.cfg
}

func (db *DB) Logger() logrus.FieldLogger {
	return db.logger
}

// Close releases the store if the DB opened it. Transactions still open at
// this point are reported as an error.
func (db *DB) Close() error {
	var result *multierror.Error
	if n := db.openTxnCount(); n > 0 {
		result = multierror.Append(result, fmt.Errorf("entdb: closing with %d open transactions", n))
	}
	if db.ownsStore {
		if err := db.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("entdb: closing store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (db *DB) addTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		return
	}
	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) openTxnCount() int {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	return len(db.txns)
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s %s open for %d ms\n", tx.mode, tx.id, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s %s open for %d ms:\n%s", tx.mode, tx.id, ms, tx.stack)
		}
	}

	return buf.String()
}
