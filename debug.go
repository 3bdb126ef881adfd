package entdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/andreyvit/entdb/kv"
)

type DumpFlags uint64

const (
	DumpDirectories = DumpFlags(1 << iota)
	DumpKindHeaders
	DumpRows
	DumpStats
	DumpIndexes
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the database contents for debugging and tests.
func (tx *Tx) Dump(ctx context.Context, f DumpFlags) (string, error) {
	if err := tx.FlushPending(ctx); err != nil {
		return "", err
	}
	var buf strings.Builder
	if f.Contains(DumpDirectories) {
		dirs, err := tx.db.findAllDirectories(ctx, tx)
		if err != nil {
			return "", err
		}
		fmt.Fprintln(&buf, dumpSep1)
		fmt.Fprintf(&buf, "directories (%d)\n", len(dirs))
		for _, d := range dirs {
			fmt.Fprintf(&buf, "%s => %d (%x)\n", d.Path, d.Ordinal, d.Prefix)
		}
	}
	for _, k := range tx.db.schema.kinds {
		if err := tx.dumpKind(ctx, &buf, f, k); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func (tx *Tx) dumpKind(ctx context.Context, w *strings.Builder, f DumpFlags, k *kindBase) error {
	ks, err := tx.db.kindState(k)
	if err != nil {
		return err
	}
	if f.Contains(DumpKindHeaders) || f.Contains(DumpStats) {
		s, err := tx.db.kindStats(ctx, tx, k)
		if err != nil {
			return err
		}
		if f.Contains(DumpKindHeaders) {
			fmt.Fprintln(w, dumpSep1)
			fmt.Fprintf(w, "%s (%d rows) %s\n", k.name, s.Rows, ks.sub)
		}
		if f.Contains(DumpStats) {
			fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, index_size = %d, total_size = %d\n", k.name, s.IndexRows, s.DataSize, s.IndexSize, s.TotalSize())
		}
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		if err := tx.dumpRows(ctx, w, k.name, ks.sub); err != nil {
			return err
		}
	}

	if f.Contains(DumpIndexes) {
		for i, idx := range k.indexes {
			sub := ks.indexSubs[i]
			fmt.Fprintln(w, dumpSep2)
			prefix := k.name + ".i." + idx.name
			fmt.Fprintf(w, "%s%s %s\n", prefix, map[bool]string{false: "", true: " UNIQUE"}[idx.unique], sub)
			if f.Contains(DumpIndexRows) {
				if err := tx.dumpRows(ctx, w, prefix, sub); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (tx *Tx) dumpRows(ctx context.Context, w *strings.Builder, prefix string, sub Subspace) error {
	begin, end := sub.Range()
	rows, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{Snapshot: true})
	if err != nil {
		return err
	}
	for i, row := range rows {
		key, err := sub.Unpack(row.Key)
		if err != nil {
			fmt.Fprintf(w, "%s.%d: %x ** ERROR: %v\n", prefix, i+1, row.Key, err)
			continue
		}
		var rec record
		if err := rec.decode(row.Value); err != nil {
			fmt.Fprintf(w, "%s.%d: %v ** ERROR: %v\n", prefix, i+1, key, err)
			continue
		}
		fmt.Fprintf(w, "%s.%d: %v = (v%d) %s\n", prefix, i+1, key, rec.Version, loggableData(rec.Data))
	}
	return nil
}

func loggableData(data []byte) string {
	var v any
	if err := decodeData(data, &v); err != nil {
		return "** ERROR: " + err.Error()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
