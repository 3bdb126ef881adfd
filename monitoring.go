package entdb

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/andreyvit/entdb/kv"
)

type metrics struct {
	commits       prometheus.Counter
	conflicts     prometheus.Counter
	directories   prometheus.Counter
	flushes       *prometheus.CounterVec
	indexWrites   *prometheus.CounterVec
	streamBatches *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entdb",
			Subsystem: "tx",
			Name:      "commits_total",
			Help:      "Number of committed read-write transactions.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entdb",
			Subsystem: "tx",
			Name:      "conflicts_total",
			Help:      "Number of transaction attempts discarded because of a conflict.",
		}),
		directories: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entdb",
			Name:      "directories_allocated_total",
			Help:      "Number of directory prefixes allocated.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entdb",
			Subsystem: "entity",
			Name:      "flushes_total",
			Help:      "Number of entity flushes that wrote a record.",
		}, []string{"kind"}),
		indexWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entdb",
			Subsystem: "index",
			Name:      "writes_total",
			Help:      "Number of index transitions applied, by operation.",
		}, []string{"kind", "index", "op"}),
		streamBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entdb",
			Subsystem: "stream",
			Name:      "batches_total",
			Help:      "Number of batches produced by live streams.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.commits, err = register(reg, m.commits)
	if err != nil {
		return nil, err
	}
	m.conflicts, err = register(reg, m.conflicts)
	if err != nil {
		return nil, err
	}
	m.directories, err = register(reg, m.directories)
	if err != nil {
		return nil, err
	}
	m.flushes, err = register(reg, m.flushes)
	if err != nil {
		return nil, err
	}
	m.indexWrites, err = register(reg, m.indexWrites)
	if err != nil {
		return nil, err
	}
	m.streamBatches, err = register(reg, m.streamBatches)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector registered by an
// earlier DB.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// KindStats counts the keys stored for a kind.
type KindStats struct {
	Rows      int
	IndexRows int

	DataSize  int
	IndexSize int
}

func (ks *KindStats) TotalSize() int {
	return ks.DataSize + ks.IndexSize
}

// kindStats scans the directories of the kind and its indexes.
func (db *DB) kindStats(ctx context.Context, tx *Tx, k *kindBase) (KindStats, error) {
	st, err := db.kindState(k)
	if err != nil {
		return KindStats{}, err
	}
	var result KindStats
	count := func(sub Subspace) (n, size int, err error) {
		begin, end := sub.Range()
		rows, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{Snapshot: true})
		if err != nil {
			return 0, 0, err
		}
		for _, row := range rows {
			size += len(row.Key) + len(row.Value)
		}
		return len(rows), size, nil
	}

	result.Rows, result.DataSize, err = count(st.sub)
	if err != nil {
		return KindStats{}, k.errf("", nil, err, "stats")
	}
	for i, sub := range st.indexSubs {
		n, size, err := count(sub)
		if err != nil {
			return KindStats{}, k.errf(k.indexes[i].name, nil, err, "stats")
		}
		result.IndexRows += n
		result.IndexSize += size
	}
	return result, nil
}

// Stats returns the KindStats of the kind.
func (k *Kind[T]) Stats(ctx context.Context, tx *Tx) (KindStats, error) {
	if err := tx.FlushPending(ctx); err != nil {
		return KindStats{}, err
	}
	return tx.db.kindStats(ctx, tx, &k.kindBase)
}
