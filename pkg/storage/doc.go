/*
Package storage is the store adapter: a thin, partition/sort-key interface
over a wide-column-style KV store, with one concrete implementation,
BoltStore, backed by go.etcd.io/bbolt.

A partition is a nested bbolt bucket (one per transaction log, one for
users, one for sessions, and so on); the sort key is the key within that
bucket. Conditional Put and the all-or-nothing Batch both rely on bbolt
serializing all writers through db.Update — the check for an existing key
and the write that follows it happen inside the same transaction, so no
extra locking is needed to get the conditional-insert and
all-or-nothing-batch contracts the upper layers assume. NextSeq rides
bbolt's own per-bucket autoincrement counter, scoped to a dedicated "seq"
bucket per partition so the log engine's sequence allocator and the data
bucket never share key space.

Swapping BoltStore for a remote, horizontally-scaled KV store only
requires a new Store implementation; pkg/txlog, pkg/registry and
pkg/connection never see a bbolt type.
*/
package storage
