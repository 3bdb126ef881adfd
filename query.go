package entdb

import (
	"bytes"
	"context"
	"fmt"

	"github.com/andreyvit/entdb/kv"
	"github.com/andreyvit/entdb/tuple"
)

// Scope is a contiguous range of a kind's primary records or of one of its
// indexes, optionally narrowed to a tuple prefix.
type Scope struct {
	kind   *kindBase
	index  *indexBase
	prefix tuple.Tuple
}

func (k *Kind[T]) All() Scope {
	return Scope{kind: &k.kindBase}
}

func (k *Kind[T]) Prefix(prefix tuple.Tuple) Scope {
	return Scope{kind: &k.kindBase, prefix: prefix}
}

func (idx *Index[T]) All() Scope {
	return Scope{kind: &idx.kind.kindBase, index: &idx.indexBase}
}

func (idx *Index[T]) Prefix(prefix tuple.Tuple) Scope {
	return Scope{kind: &idx.kind.kindBase, index: &idx.indexBase, prefix: prefix}
}

func (s Scope) String() string {
	if s.kind == nil {
		return "<none>"
	}
	name := s.kind.name
	if s.index != nil {
		name += "." + s.index.name
	}
	if len(s.prefix) > 0 {
		name += s.prefix.String()
	}
	return name
}

func (s Scope) subspace(ks *kindState) Subspace {
	if s.index != nil {
		return ks.indexSubs[s.index.pos]
	}
	return ks.sub
}

// bounds returns the half-open key range of the scope.
func (s Scope) bounds(sub Subspace) (begin, end []byte) {
	if len(s.prefix) == 0 {
		return sub.Range()
	}
	base := sub.Pack(s.prefix)
	return base, tuple.LastKeyOf(base)
}

type scanParams struct {
	limit   int
	reverse bool
	// after is a key relative to the scope's directory; rows up to and
	// including it (in scan order) are skipped
	after []byte
}

// Page is one page of a cursor-based range query.
type Page[T any] struct {
	Items []*Entity[T]
	// Cursor is the position of the last item, or the requested position if
	// the page is empty. Pass it back to continue after this page.
	Cursor   string
	HaveMore bool
}

// RangeWithCursor returns up to limit entities of the scope that follow the
// after cursor (an empty cursor starts from the beginning). Reverse scans walk
// the range in descending key order.
func (k *Kind[T]) RangeWithCursor(ctx context.Context, tx *Tx, scope Scope, limit int, after string, reverse bool) (Page[T], error) {
	if limit <= 0 {
		return Page[T]{}, k.errf("", nil, nil, "limit must be positive, got %d", limit)
	}
	var afterKey []byte
	if after != "" {
		var err error
		afterKey, err = decodeCursor(after)
		if err != nil {
			return Page[T]{}, k.errf("", nil, err, "")
		}
	}

	items, keys, err := k.scanRows(ctx, tx, scope, scanParams{limit: limit + 1, reverse: reverse, after: afterKey})
	if err != nil {
		return Page[T]{}, err
	}

	page := Page[T]{Cursor: after}
	if len(items) > limit {
		page.HaveMore = true
		items, keys = items[:limit], keys[:limit]
	}
	page.Items = items
	if n := len(keys); n > 0 {
		page.Cursor = tuple.EncodeToString(keys[n-1])
	}
	return page, nil
}

func decodeCursor(s string) ([]byte, error) {
	key, err := tuple.DecodeFromString(s)
	if err == nil && len(key) > 0 {
		_, err = tuple.Unpack(key)
	} else if err == nil {
		err = fmt.Errorf("empty key")
	}
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidCursor, s, err)
	}
	return key, nil
}

func (k *Kind[T]) scan(ctx context.Context, tx *Tx, scope Scope, p scanParams) ([]*Entity[T], error) {
	items, _, err := k.scanRows(ctx, tx, scope, p)
	return items, err
}

// scanRows returns the entities of the scope together with their keys
// relative to the scope's directory. Pending writes are flushed first so the
// scan sees them.
func (k *Kind[T]) scanRows(ctx context.Context, tx *Tx, scope Scope, p scanParams) ([]*Entity[T], [][]byte, error) {
	if scope.kind != &k.kindBase {
		return nil, nil, k.errf("", nil, ErrNotInSchema, "scope %v", scope)
	}
	if err := tx.FlushPending(ctx); err != nil {
		return nil, nil, err
	}
	ks, unlock, err := k.lock(ctx, tx, false)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	sub := scope.subspace(ks)
	begin, end := scope.bounds(sub)
	if p.after != nil {
		afterKey := append(bytes.Clone(sub.Bytes()), p.after...)
		if p.reverse {
			if bytes.Compare(afterKey, end) < 0 {
				end = afterKey
			}
		} else {
			if ak := kv.KeyAfter(afterKey); bytes.Compare(ak, begin) > 0 {
				begin = ak
			}
		}
	}
	if bytes.Compare(begin, end) >= 0 {
		return nil, nil, nil
	}

	var indexName string
	if scope.index != nil {
		indexName = scope.index.name
	}
	rows, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{Limit: p.limit, Reverse: p.reverse})
	if err != nil {
		return nil, nil, k.errf(indexName, nil, err, "scan %v", scope)
	}

	items := make([]*Entity[T], 0, len(rows))
	keys := make([][]byte, 0, len(rows))
	prefixLen := len(sub.Bytes())
	for _, row := range rows {
		id, rec, err := k.decodeRecord(row.Value)
		if err != nil {
			return nil, nil, err
		}
		e, err := k.materialize(tx, id, rec.ID, rec)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, e)
		keys = append(keys, row.Key[prefixLen:])
	}
	return items, keys, nil
}
