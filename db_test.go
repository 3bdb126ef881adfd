package entdb

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/entdb/kv"
	"github.com/andreyvit/entdb/tuple"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
backend: bolt
path: /var/lib/app/entdb.db
max_attempts: 7
retry_initial_interval: 10ms
high_contention_allocator: true
stream_min_wait: 2s
stream_max_wait: 1s
`))
	require.NoError(t, err)
	assert.Equal(t, BackendBolt, cfg.Backend)
	assert.Equal(t, "/var/lib/app/entdb.db", cfg.Path)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.RetryInitialInterval)
	assert.Equal(t, defaultRetryMaxInterval, cfg.RetryMaxInterval)
	assert.True(t, cfg.HighContentionAllocator)
	assert.Equal(t, uint8(defaultRootByte), cfg.RootByte)
	assert.Equal(t, uint32(maxOrdinal), cfg.MaxDirectories)
	assert.Equal(t, 2*time.Second, cfg.StreamMaxWait, "max wait is clamped to min wait")

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "colour: blue"},
		{"unknown backend", "backend: redis"},
		{"bolt without path", "backend: bolt"},
		{"bad duration", "stream_min_wait: soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	cfg, err = LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestOpenWithStore(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()
	ctx := context.Background()

	db, err := Open(ctx, testSchema, Config{}, Options{Store: store})
	require.NoError(t, err)
	write(t, db, func(ctx context.Context, tx *Tx) {
		_, err := usersKind.Create(ctx, tx, tuple.Tuple{"kept"}, User{Email: "kept@example.com"})
		require.NoError(t, err)
	})
	require.NoError(t, db.Close())

	db, err = Open(ctx, testSchema, Config{}, Options{Store: store})
	require.NoError(t, err)
	defer db.Close()
	read(t, db, func(ctx context.Context, tx *Tx) {
		e, err := usersKind.FindByID(ctx, tx, tuple.Tuple{"kept"})
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "kept@example.com", e.Value().Email)
	})
}

func TestCloseReportsOpenTxns(t *testing.T) {
	db, err := Open(context.Background(), testSchema, DefaultConfig(), Options{})
	require.NoError(t, err)

	tx := db.newTx(ReadOnly)
	_, err = tx.Get(context.Background(), []byte("x"))
	require.NoError(t, err)

	err = db.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 open transactions")
	require.NoError(t, tx.cancel())
}

func TestSchemaFrozen(t *testing.T) {
	_ = setup(t, BackendMemory)
	assert.Panics(t, func() {
		AddKind(testSchema, "late", KindOptions[Post]{})
	})
	assert.Panics(t, func() {
		postsByRank.Unique()
	})

	scm := NewSchema()
	AddKind(scm, "a", KindOptions[Post]{})
	assert.Panics(t, func() { AddKind(scm, "a", KindOptions[Post]{}) })
	assert.Panics(t, func() { AddKind(scm, "__a", KindOptions[Post]{}) })
	assert.Panics(t, func() { AddKind(scm, "", KindOptions[Post]{}) })
	assert.Equal(t, []string{"a"}, scm.KindNames())
}

func TestKindOfOtherSchema(t *testing.T) {
	other := NewSchema()
	stray := AddKind(other, "users", KindOptions[User]{})
	db := setup(t, BackendMemory)
	read(t, db, func(ctx context.Context, tx *Tx) {
		_, err := stray.FindByID(ctx, tx, tuple.Tuple{"x"})
		assert.ErrorIs(t, err, ErrNotInSchema)
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	withRegistry := func(cfg *Config, opt *Options) {
		opt.Registerer = reg
	}
	db := setup(t, BackendMemory, withRegistry)
	db2 := setup(t, BackendMemory, withRegistry)
	assert.Same(t, db.metrics.flushes, db2.metrics.flushes, "collectors are shared per registry")

	write(t, db, func(ctx context.Context, tx *Tx) {
		_, err := usersKind.Create(ctx, tx, tuple.Tuple{"m"}, User{Email: "m@example.com", Name: "m"})
		require.NoError(t, err)
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(db.metrics.flushes.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(db.metrics.indexWrites.WithLabelValues("users", "email", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(db.metrics.indexWrites.WithLabelValues("users", "name", "create")))
	// 8 schema directories per DB
	assert.Equal(t, 16.0, testutil.ToFloat64(db.metrics.directories))

	n, err := testutil.GatherAndCount(reg, "entdb_tx_commits_total", "entdb_entity_flushes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLogging(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	db := setup(t, BackendMemory, func(cfg *Config, opt *Options) {
		opt.Logger = logger
	})

	var allocated []string
	for _, e := range hook.AllEntries() {
		if e.Message == "entdb: directory allocated" {
			allocated = append(allocated, e.Data["path"].(string))
		}
	}
	assert.Contains(t, allocated, `("entity", "users")`)

	hook.Reset()
	write(t, db, func(ctx context.Context, tx *Tx) {
		_, err := postsKind.Create(ctx, tx, tuple.Tuple{"logged"}, Post{})
		require.NoError(t, err)
	})
	var flushed *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "entdb: flushed" {
			flushed = e
		}
	}
	require.NotNil(t, flushed)
	assert.Equal(t, "posts", flushed.Data["kind"])
	assert.Equal(t, logrus.DebugLevel, flushed.Level)
	assert.NotEmpty(t, flushed.Data["tx"])
}

func TestDump(t *testing.T) {
	db := setup(t, BackendMemory)
	write(t, db, func(ctx context.Context, tx *Tx) {
		_, err := usersKind.Create(ctx, tx, tuple.Tuple{"d"}, User{Email: "d@example.com", Name: "dee"})
		require.NoError(t, err)
	})
	read(t, db, func(ctx context.Context, tx *Tx) {
		s, err := tx.Dump(ctx, DumpAll)
		require.NoError(t, err)
		t.Log(s)
		assert.Contains(t, s, `("entity", "users") => `)
		assert.Contains(t, s, "users (1 rows)")
		assert.Contains(t, s, `users.1: ("d") = (v1) {"e":"d@example.com","n":"dee"}`)
		assert.Contains(t, s, `users.i.email UNIQUE`)
		assert.Contains(t, s, `users.i.email.1: ("d@example.com") = (v1)`)
		assert.Contains(t, s, `users.i.name.1: ("dee", "d") = (v1)`)
	})
}
