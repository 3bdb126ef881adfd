package entdb

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andreyvit/entdb/kv"
)

const defaultStreamBatchSize = 100

type StreamOptions struct {
	// BatchSize caps the number of entities per batch. Defaults to 100.
	BatchSize int
	// After is a cursor to resume from, normally the Cursor of an earlier
	// stream.
	After string
	// MinWait and MaxWait bound the randomized interval between polls when
	// no notification arrives. They default to the DB config.
	MinWait time.Duration
	MaxWait time.Duration
}

// Batch is a non-empty group of entities produced by a Stream. The entities
// belong to a completed read-only transaction.
type Batch[T any] struct {
	Items  []*Entity[T]
	Cursor string
}

type streamItem[T any] struct {
	batch Batch[T]
	err   error
}

// Stream is a live, restartable scan of a scope: it yields every entity
// beyond its cursor, then waits for new ones.
type Stream[T any] struct {
	kind   *Kind[T]
	db     *DB
	scope  Scope
	opt    StreamOptions
	marker []byte
	logger logrus.FieldLogger

	ch     chan streamItem[T]
	done   chan struct{}
	cancel context.CancelFunc
	closed atomic.Bool
	err    error

	notes       <-chan []byte
	unsubscribe func()

	cursorLock sync.Mutex
	cursor     string
}

// Stream starts a live stream over scope. Wakeups come from the DB broker
// (for kinds declared with LiveStream), from a store watch on the kind's
// stream marker when the store supports watching, and from a randomized
// polling timer.
//
// The stream runs until Close is called or ctx is cancelled.
func (k *Kind[T]) Stream(ctx context.Context, db *DB, scope Scope, opt StreamOptions) (*Stream[T], error) {
	if scope.kind != &k.kindBase {
		return nil, k.errf("", nil, ErrNotInSchema, "scope %v", scope)
	}
	ks, err := db.kindState(&k.kindBase)
	if err != nil {
		return nil, err
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = defaultStreamBatchSize
	}
	if opt.MinWait <= 0 {
		opt.MinWait = db.cfg.StreamMinWait
	}
	if opt.MaxWait < opt.MinWait {
		opt.MaxWait = max(db.cfg.StreamMaxWait, opt.MinWait)
	}
	if opt.After != "" {
		if _, err := decodeCursor(opt.After); err != nil {
			return nil, k.errf("", nil, err, "")
		}
	}

	ctx, cancel := context.WithCancel(WithTx(ctx, nil))
	s := &Stream[T]{
		kind:   k,
		db:     db,
		scope:  scope,
		opt:    opt,
		marker: ks.marker,
		logger: db.logger.WithFields(logrus.Fields{"kind": k.name, "scope": scope.String()}),
		ch:     make(chan streamItem[T], 1),
		done:   make(chan struct{}),
		cancel: cancel,
		cursor: opt.After,
	}
	s.notes, s.unsubscribe = db.broker.Subscribe(k.topic())
	go s.run(ctx)
	return s, nil
}

// Next returns the next batch, waiting for one if necessary. After Close it
// returns ErrStreamClosed, even if a batch was already computed.
func (s *Stream[T]) Next(ctx context.Context) (Batch[T], error) {
	if s.closed.Load() {
		return Batch[T]{}, ErrStreamClosed
	}
	select {
	case item, ok := <-s.ch:
		if s.closed.Load() {
			return Batch[T]{}, ErrStreamClosed
		}
		if !ok {
			if s.err != nil {
				return Batch[T]{}, s.err
			}
			return Batch[T]{}, ErrStreamClosed
		}
		if item.err != nil {
			return Batch[T]{}, item.err
		}
		s.cursorLock.Lock()
		s.cursor = item.batch.Cursor
		s.cursorLock.Unlock()
		return item.batch, nil
	case <-ctx.Done():
		return Batch[T]{}, ctx.Err()
	}
}

// Cursor returns the position after the last batch returned by Next.
func (s *Stream[T]) Cursor() string {
	s.cursorLock.Lock()
	defer s.cursorLock.Unlock()
	return s.cursor
}

// Close stops the stream and waits for its goroutine to exit. A store call
// that is already in flight finishes first.
func (s *Stream[T]) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
	<-s.done
}

func (s *Stream[T]) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	defer s.unsubscribe()

	cursor := s.opt.After
	for {
		if ctx.Err() != nil {
			return
		}

		waitCtx, waitCancel := context.WithCancel(ctx)
		watch := s.armWatch(waitCtx)

		page, err := s.fetch(ctx, cursor)
		if err != nil {
			waitCancel()
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("entdb: stream failed")
			s.err = err
			return
		}

		if len(page.Items) > 0 {
			waitCancel()
			select {
			case s.ch <- streamItem[T]{batch: Batch[T]{Items: page.Items, Cursor: page.Cursor}}:
				cursor = page.Cursor
				s.db.metrics.streamBatches.WithLabelValues(s.kind.name).Inc()
			case <-ctx.Done():
				return
			}
			continue
		}

		reason := s.wait(ctx, watch)
		waitCancel()
		s.logger.WithField("reason", reason).Debug("entdb: stream wakeup")
	}
}

func (s *Stream[T]) armWatch(ctx context.Context) <-chan struct{} {
	w, ok := s.db.store.(kv.Watcher)
	if !ok || s.marker == nil {
		return nil
	}
	ch, err := w.Watch(ctx, s.marker)
	if err != nil {
		// polling still works
		s.logger.WithError(err).Debug("entdb: stream watch unavailable")
		return nil
	}
	return ch
}

func (s *Stream[T]) wait(ctx context.Context, watch <-chan struct{}) string {
	timer := time.NewTimer(s.pollInterval())
	defer timer.Stop()
	select {
	case <-s.notes:
		return "notification"
	case <-watch:
		return "watch"
	case <-timer.C:
		return "timeout"
	case <-ctx.Done():
		return "cancelled"
	}
}

func (s *Stream[T]) pollInterval() time.Duration {
	spread := s.opt.MaxWait - s.opt.MinWait
	if spread <= 0 {
		return s.opt.MinWait
	}
	return s.opt.MinWait + rand.N(spread+1)
}

func (s *Stream[T]) fetch(ctx context.Context, cursor string) (Page[T], error) {
	var page Page[T]
	err := s.db.InEphemeralTx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		page, err = s.kind.RangeWithCursor(ctx, tx, s.scope, s.opt.BatchSize, cursor, false)
		return err
	})
	return page, err
}
