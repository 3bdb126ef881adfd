package entdb

import (
	"encoding/binary"
	"time"
)

type recordFlags uint64

const (
	rfVerBit0 = recordFlags(1 << iota)
	rfVerBit1
	rfVersioned
	rfTimestamps

	rfVerMask       = rfVerBit0 | rfVerBit1
	rfVer1          = rfVerBit0
	rfSupportedMask = rfVer1 | rfVersioned | rfTimestamps

	minRecordSize = 5
)

// record is the stored form of an entity, used both for the primary record
// and for the denormalized copies kept in index entries.
//
// Layout: flags, version, createdAt, updatedAt (uvarint, varint, varint), id
// length and packed id, then msgpack data until the end.
type record struct {
	Flags     recordFlags
	Version   uint64
	CreatedAt int64 // unix ms
	UpdatedAt int64 // unix ms
	ID        []byte
	Data      []byte
}

// RecordMeta is the bookkeeping stored alongside an entity value.
type RecordMeta struct {
	// Version is the number of content-changing flushes of a versioned kind.
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *record) meta() RecordMeta {
	var m RecordMeta
	if r.Flags&rfVersioned != 0 {
		m.Version = r.Version
	}
	if r.Flags&rfTimestamps != 0 {
		m.CreatedAt = time.UnixMilli(r.CreatedAt)
		m.UpdatedAt = time.UnixMilli(r.UpdatedAt)
	}
	return m
}

func (r *record) encode(buf []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(r.Flags))
	buf = binary.AppendUvarint(buf, r.Version)
	buf = binary.AppendVarint(buf, r.CreatedAt)
	buf = binary.AppendVarint(buf, r.UpdatedAt)
	buf = binary.AppendUvarint(buf, uint64(len(r.ID)))
	buf = appendRaw(buf, r.ID)
	return appendRaw(buf, r.Data)
}

func (r *record) decode(data []byte) error {
	orig := data
	off := func() int { return len(orig) - len(data) }
	if len(data) < minRecordSize {
		return dataErrf(orig, 0, nil, "invalid record: at least %d bytes required", minRecordSize)
	}

	v, n := binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, off(), nil, "invalid record: bad flags")
	}
	if (v&^uint64(rfSupportedMask)) != 0 || recordFlags(v)&rfVerMask != rfVer1 {
		return dataErrf(orig, off(), nil, "invalid record: unsupported flags %x", v)
	}
	r.Flags, data = recordFlags(v), data[n:]

	v, n = binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, off(), nil, "invalid record: bad version")
	}
	r.Version, data = v, data[n:]

	ts, n := binary.Varint(data)
	if n <= 0 {
		return dataErrf(orig, off(), nil, "invalid record: bad createdAt")
	}
	r.CreatedAt, data = ts, data[n:]

	ts, n = binary.Varint(data)
	if n <= 0 {
		return dataErrf(orig, off(), nil, "invalid record: bad updatedAt")
	}
	r.UpdatedAt, data = ts, data[n:]

	idLen, n := binary.Uvarint(data)
	if n <= 0 || idLen > uint64(len(data)-n) {
		return dataErrf(orig, off(), nil, "invalid record: bad id length")
	}
	data = data[n:]
	r.ID, data = data[:idLen], data[idLen:]
	r.Data = data
	return nil
}
