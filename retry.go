package entdb

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Work is a unit of work run inside a transaction context.
type Work func(ctx context.Context, tx *Tx) error

// InTx runs work in a read-write transaction and commits it.
//
// If ctx already carries an active read-write transaction of this DB, work
// runs inside it after flushing its pending writes, and nothing is committed
// until the outermost call returns.
//
// Otherwise a fresh transaction is opened. Conflict errors discard the
// attempt and rerun work from scratch with exponential backoff, up to
// Config.MaxAttempts times, so work must not have side effects outside the
// transaction; use Tx.AfterCommit for those. Any other error is returned
// as is.
func (db *DB) InTx(ctx context.Context, work Work) error {
	if parent := TxFromContext(ctx); parent != nil && parent.isActiveReadWrite() {
		if parent.db != db {
			return ErrTxBound
		}
		if err := parent.FlushPending(ctx); err != nil {
			return err
		}
		return work(ctx, parent)
	}

	var attempt int
	err := backoff.Retry(func() error {
		attempt++
		tx := db.newTx(ReadWrite)
		tx.attempt = attempt
		err := db.runAttempt(ctx, tx, work)
		if err == nil {
			return nil
		}
		if IsConflict(err) {
			db.metrics.conflicts.Inc()
			tx.logger.WithError(err).WithField("attempt", attempt).Debug("entdb: conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, db.newBackOff(ctx))

	if err != nil && IsConflict(err) {
		db.logger.WithFields(logrus.Fields{"attempts": attempt}).WithError(err).Warn("entdb: giving up on conflicting transaction")
		return fmt.Errorf("%w (%d): %w", ErrTooManyAttempts, attempt, err)
	}
	return err
}

func (db *DB) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = db.cfg.RetryInitialInterval
	eb.MaxInterval = db.cfg.RetryMaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(db.cfg.MaxAttempts-1)), ctx)
}

func (db *DB) runAttempt(ctx context.Context, tx *Tx, work Work) error {
	ctx = WithTx(ctx, tx)
	err := safelyCall(ctx, tx, work)
	if err == nil {
		err = tx.commit(ctx)
	}
	if err != nil {
		tx.cancel()
		return err
	}
	return nil
}

// InReadOnlyTx runs work in a read-only snapshot. A call nested inside any
// active transaction of this DB reuses it.
func (db *DB) InReadOnlyTx(ctx context.Context, work Work) error {
	return db.inReadTx(ctx, ReadOnly, work)
}

// InEphemeralTx is like InReadOnlyTx, but the context keeps no identity
// cache.
func (db *DB) InEphemeralTx(ctx context.Context, work Work) error {
	return db.inReadTx(ctx, Ephemeral, work)
}

func (db *DB) inReadTx(ctx context.Context, mode TxMode, work Work) error {
	if parent := TxFromContext(ctx); parent != nil && !parent.IsCompleted() {
		if parent.db != db {
			return ErrTxBound
		}
		return work(ctx, parent)
	}
	tx := db.newTx(mode)
	defer tx.cancel()
	return safelyCall(WithTx(ctx, tx), tx, work)
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(ctx context.Context, tx *Tx, fn Work) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(ctx, tx)
}
