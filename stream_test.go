package entdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/entdb/tuple"
)

func nextBatch(t *testing.T, s *Stream[Post], timeout time.Duration) (Batch[Post], error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Next(ctx)
}

func createPost(t *testing.T, db *DB, id string, p Post) {
	t.Helper()
	write(t, db, func(ctx context.Context, tx *Tx) {
		_, err := postsKind.Create(ctx, tx, tuple.Tuple{id}, p)
		require.NoError(t, err)
	})
}

func TestStreamLiveness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		s, err := postsKind.Stream(context.Background(), db, postsKind.All(), StreamOptions{
			MinWait: time.Minute,
			MaxWait: time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(s.Close)

		_, err = nextBatch(t, s, 50*time.Millisecond)
		require.ErrorIs(t, err, context.DeadlineExceeded, "no backlog, no batch")

		createPost(t, db, "live", Post{Author: "ann"})

		b, err := nextBatch(t, s, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{`("live")`}, ids(b.Items))
		assert.Equal(t, "ann", b.Items[0].Value().Author)
		assert.Equal(t, b.Cursor, s.Cursor())

		_, err = nextBatch(t, s, 50*time.Millisecond)
		require.ErrorIs(t, err, context.DeadlineExceeded, "exactly one batch")
	})
}

func TestStreamPollingFallback(t *testing.T) {
	db := setup(t, BackendBolt, func(cfg *Config, opt *Options) {
		opt.Broker = silentBroker{}
	})
	s, err := postsKind.Stream(context.Background(), db, postsKind.All(), StreamOptions{
		MinWait: 10 * time.Millisecond,
		MaxWait: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	createPost(t, db, "polled", Post{})
	b, err := nextBatch(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{`("polled")`}, ids(b.Items))
}

func TestStreamWatchWithoutBroker(t *testing.T) {
	db := setup(t, BackendMemory, func(cfg *Config, opt *Options) {
		opt.Broker = silentBroker{}
	})
	s, err := postsKind.Stream(context.Background(), db, postsKind.All(), StreamOptions{
		MinWait: time.Minute,
		MaxWait: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	createPost(t, db, "watched", Post{})
	b, err := nextBatch(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{`("watched")`}, ids(b.Items))
}

func TestStreamCancellation(t *testing.T) {
	db := setup(t, BackendMemory)
	s, err := postsKind.Stream(context.Background(), db, postsKind.All(), StreamOptions{})
	require.NoError(t, err)
	s.Close()
	s.Close()

	createPost(t, db, "late", Post{})
	_, err = nextBatch(t, s, time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, 0, db.broker.(*LocalBroker).SubscriberCount(postsKind.topic()))
}

func TestStreamNoBatchAfterClose(t *testing.T) {
	db := setup(t, BackendMemory)
	createPost(t, db, "backlog", Post{})
	s, err := postsKind.Stream(context.Background(), db, postsKind.All(), StreamOptions{})
	require.NoError(t, err)

	// let the stream compute its first batch
	require.Eventually(t, func() bool { return len(s.ch) == 1 }, 5*time.Second, time.Millisecond)
	s.Close()
	_, err = nextBatch(t, s, time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamRestart(t *testing.T) {
	db := setup(t, BackendMemory)
	for _, id := range []string{"a", "b", "c"} {
		createPost(t, db, id, Post{})
	}

	s, err := postsKind.Stream(context.Background(), db, postsKind.All(), StreamOptions{BatchSize: 2})
	require.NoError(t, err)
	b, err := nextBatch(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{`("a")`, `("b")`}, ids(b.Items))
	b, err = nextBatch(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{`("c")`}, ids(b.Items))
	cursor := s.Cursor()
	s.Close()

	createPost(t, db, "d", Post{})
	s, err = postsKind.Stream(context.Background(), db, postsKind.All(), StreamOptions{After: cursor})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	b, err = nextBatch(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{`("d")`}, ids(b.Items))

	_, err = postsKind.Stream(context.Background(), db, postsKind.All(), StreamOptions{After: "not hex"})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestStreamOverIndex(t *testing.T) {
	db := setup(t, BackendMemory)
	s, err := postsKind.Stream(context.Background(), db, postsHello.All(), StreamOptions{})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	createPost(t, db, "skip", Post{Author: "a", Data1: "world"})
	createPost(t, db, "take", Post{Author: "b", Data1: "hello"})
	b, err := nextBatch(t, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{`("take")`}, ids(b.Items))
}

type silentBroker struct{}

func (silentBroker) Publish(topic string, payload []byte) {}

func (silentBroker) Subscribe(topic string) (<-chan []byte, func()) {
	return nil, func() {}
}
