package entdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/entdb/tuple"
)

func TestRecordLayout(t *testing.T) {
	r := record{
		Flags:     rfVer1 | rfVersioned | rfTimestamps,
		Version:   3,
		CreatedAt: -1,
		UpdatedAt: 300,
		ID:        tuple.Tuple{"x"}.Pack(),
		Data:      []byte{0x80},
	}
	raw := r.encode(nil)
	assert.Equal(t, []byte{0x0d, 0x03, 0x01, 0xd8, 0x04, 0x03, 0x02, 'x', 0x00, 0x80}, raw)

	var d record
	require.NoError(t, d.decode(raw))
	assert.Equal(t, uint64(3), d.meta().Version)
	assert.Equal(t, time.UnixMilli(300), d.meta().UpdatedAt)

	d = record{}
	require.NoError(t, d.decode([]byte{0x01, 0x07, 0x00, 0x00, 0x00}))
	assert.Zero(t, d.meta().Version, "version is hidden unless the kind is versioned")
	assert.True(t, d.meta().CreatedAt.IsZero())
	assert.Empty(t, d.Data)
}

func TestRecordCorruption(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		msg  string
	}{
		{"short", []byte{0x01, 0x00, 0x00}, "at least 5 bytes required"},
		{"no version bits", []byte{0x0c, 0x00, 0x00, 0x00, 0x00}, "unsupported flags"},
		{"unknown flag", []byte{0x11, 0x00, 0x00, 0x00, 0x00}, "unsupported flags"},
		{"id overflow", []byte{0x01, 0x00, 0x00, 0x00, 0x09, 'x'}, "bad id length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r record
			err := r.decode(tt.raw)
			var de *DataError
			require.ErrorAs(t, err, &de)
			assert.Contains(t, de.Msg, tt.msg)
			assert.Equal(t, tt.raw, de.Data)
		})
	}
}

func TestCorruptRecordSurfacesDataError(t *testing.T) {
	db := setup(t, BackendMemory)
	key := db.kinds[postsKind.pos].sub.Pack(tuple.Tuple{"broken"})
	write(t, db, func(ctx context.Context, tx *Tx) {
		require.NoError(t, tx.Set(ctx, key, []byte{0xff, 0xff}))
	})
	read(t, db, func(ctx context.Context, tx *Tx) {
		_, err := postsKind.FindByID(ctx, tx, tuple.Tuple{"broken"})
		var de *DataError
		require.ErrorAs(t, err, &de)
		assert.Contains(t, err.Error(), "posts")
	})
}
