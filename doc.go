/*
Package entdb implements typed entities with secondary indexes on top of an
ordered transactional key-value store.

We implement:

1. Kinds, collections of entities whose values are msgpack-encoded Go structs.

2. Indexes, unique or not, optionally partial, maintained on every flush.

3. Cursor pagination and live streams over kinds and indexes.

4. Atomic integers and booleans backed by the store's atomic mutations.

The store is abstracted by package kv, which has an in-memory backend with
optimistic conflict detection and a Bolt backend.

# Technical Details

**Directories.**
Every kind, index and atomic space gets a directory: a logical path like
("entity", "user") mapped to a 4-byte prefix (root byte, then a 3-byte
ordinal). The mapping and the highest claimed ordinal live in the meta
directory, ordinal 0. Ordinals are never reused.

**Transactions.**
All work happens in a Tx obtained from DB.InTx, InReadOnlyTx or
InEphemeralTx. InTx retries the whole closure on conflicts, so the closure
must be free of outside side effects; use Tx.AfterCommit for those. Nested
InTx calls join the outer transaction.

**Entities.**
Each transaction keeps at most one *Entity per (kind, id). Mutations mark
the entity dirty and register a flush, which runs before commit, before any
scan, or when Flush is called.

## Binary encoding

**Key encoding**.
Keys are encoded using an order-preserving tuple encoding, see package tuple.

**Record**: flags, version, createdAt, updatedAt, id length, id, then the
msgpack data. Integers are varints, timestamps are unix milliseconds.

**Index entries** are keyed by the index fields (unique indexes) or by the
index fields followed by the id (non-unique indexes). The value is a copy of
the full record, so index scans need no second lookup.
*/
package entdb
