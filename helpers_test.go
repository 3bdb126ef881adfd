package entdb

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/entdb/tuple"
)

type (
	User struct {
		Email string         `msgpack:"e"`
		Name  string         `msgpack:"n"`
		Tags  map[string]int `msgpack:"t,omitempty"`
	}

	Post struct {
		Author string `msgpack:"a"`
		Data1  string `msgpack:"d1"`
		Rank   int    `msgpack:"r"`
	}
)

var (
	testSchema = NewSchema()
	usersKind  = AddKind(testSchema, "users", KindOptions[User]{
		Versioned:  true,
		Timestamps: true,
		Validators: []Validator[User]{validateEmail, validateUserName},
	})
	usersByEmail = AddIndex(usersKind, "email", func(id tuple.Tuple, u *User) tuple.Tuple {
		return tuple.Tuple{u.Email}
	}).Unique()
	usersByName = AddIndex(usersKind, "name", func(id tuple.Tuple, u *User) tuple.Tuple {
		return tuple.Tuple{u.Name}
	})

	postsKind   = AddKind(testSchema, "posts", KindOptions[Post]{LiveStream: true})
	postsByRank = AddIndex(postsKind, "rank", func(id tuple.Tuple, p *Post) tuple.Tuple {
		return tuple.Tuple{p.Rank}
	})
	postsHello = AddIndex(postsKind, "hello", func(id tuple.Tuple, p *Post) tuple.Tuple {
		return tuple.Tuple{p.Author}
	}).Where(func(p *Post) bool {
		return p.Data1 == "hello"
	})

	counters = AddAtomics(testSchema, "counters")
)

func validateEmail(id tuple.Tuple, u *User) error {
	if !strings.Contains(u.Email, "@") {
		return fmt.Errorf("invalid email %q", u.Email)
	}
	return nil
}

func validateUserName(id tuple.Tuple, u *User) error {
	if len(u.Name) > 20 {
		return fmt.Errorf("name too long")
	}
	return nil
}

var backends = []string{BackendMemory, BackendBolt}

type setupOption func(cfg *Config, opt *Options)

func setup(t testing.TB, backend string, opts ...setupOption) *DB {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Backend = backend
	cfg.Testing = true
	cfg.Verbose = true
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 10 * time.Millisecond
	cfg.StreamMinWait = 50 * time.Millisecond
	cfg.StreamMaxWait = 100 * time.Millisecond
	if backend == BackendBolt {
		cfg.Path = filepath.Join(t.TempDir(), "entdb.db")
		t.Logf("DB: %s", cfg.Path)
	}

	logger, _ := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opt := Options{Logger: logger}
	for _, f := range opts {
		f(&cfg, &opt)
	}

	db, err := Open(context.Background(), testSchema, cfg, opt)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func forEachBackend(t *testing.T, f func(t *testing.T, db *DB)) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			f(t, setup(t, backend))
		})
	}
}

func write(t testing.TB, db *DB, f func(ctx context.Context, tx *Tx)) {
	t.Helper()
	err := db.InTx(context.Background(), func(ctx context.Context, tx *Tx) error {
		f(ctx, tx)
		return nil
	})
	require.NoError(t, err)
}

func read(t testing.TB, db *DB, f func(ctx context.Context, tx *Tx)) {
	t.Helper()
	err := db.InReadOnlyTx(context.Background(), func(ctx context.Context, tx *Tx) error {
		f(ctx, tx)
		return nil
	})
	require.NoError(t, err)
}

func ids[T any](items []*Entity[T]) []string {
	var r []string
	for _, e := range items {
		r = append(r, e.ID().String())
	}
	return r
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
