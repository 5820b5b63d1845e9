package storage

import "errors"

// ErrNotFound is returned by Get when no item exists at partition/sort.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned by Put when ifAbsent is set and an item already
// exists at partition/sort.
var ErrConflict = errors.New("storage: conditional put conflict")

// ErrConditionFailed is returned by Batch when one of the ops' conditions
// does not hold; no op in the batch is applied.
var ErrConditionFailed = errors.New("storage: batch condition failed")

// ErrTxConflict is returned by Batch when the underlying store could not
// serialize the batch against a concurrent writer; the caller may retry.
var ErrTxConflict = errors.New("storage: batch transaction conflict")

// Op is the kind of mutation a BatchOp performs.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

// Condition gates whether a BatchOp is allowed to apply.
type Condition int

const (
	// CondNone applies unconditionally.
	CondNone Condition = iota
	// CondIfAbsent applies only if no item currently exists at
	// partition/sort (mirrors Put's ifAbsent flag).
	CondIfAbsent
)

// BatchOp is a single conditional mutation within a Batch call. All ops in
// a Batch are evaluated and applied as one all-or-nothing unit.
type BatchOp struct {
	Partition string
	Sort      []byte
	Op        Op
	Item      []byte
	Condition Condition
}

// Item is a single (sort, value) pair returned by Range.
type Item struct {
	Sort  []byte
	Value []byte
}

// Store is the thin interface lockbase's upper layers use over a
// wide-column-style KV store: conditional insert, range query on a sort
// key within a partition, a batch transaction across items sharing a
// partition, and a monotonically-incrementing sort-key allocator per
// partition. A partition groups related items (e.g. one transaction log's
// records); the sort key orders them (e.g. a seqNo).
type Store interface {
	// Put writes item at partition/sort. If ifAbsent is true and an item
	// already exists there, Put returns ErrConflict and leaves the
	// existing item untouched.
	Put(partition string, sort []byte, item []byte, ifAbsent bool) error

	// Get returns the item at partition/sort, or ErrNotFound.
	Get(partition string, sort []byte) ([]byte, error)

	// Range returns items in partition with sort >= from and, if to is
	// non-nil, sort < to, ordered ascending by sort.
	Range(partition string, from, to []byte) ([]Item, error)

	// Batch applies every op in ops as a single all-or-nothing unit: if
	// any op's Condition fails, no op is applied and ErrConditionFailed is
	// returned. A concurrent writer touching the same partition may cause
	// ErrTxConflict instead, in which case nothing was applied either.
	Batch(ops []BatchOp) error

	// NextSeq returns the next value from partition's monotonic counter,
	// starting at 1 on first call.
	NextSeq(partition string) (uint64, error)

	// Delete removes the item at partition/sort. Deleting a missing item
	// is not an error.
	Delete(partition string, sort []byte) error

	// Close releases underlying resources.
	Close() error
}
