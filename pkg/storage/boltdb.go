package storage

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketData = []byte("data") // one sub-bucket per partition, holding items keyed by sort
	bucketSeq  = []byte("seq")  // one sub-bucket per partition, holding a single counter
)

// BoltStore implements Store on top of an embedded bbolt database. Each
// partition is its own nested bucket so Range can do a plain forward
// cursor walk with no secondary index, and NextSeq rides bbolt's own
// per-bucket autoincrement counter.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database file under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "lockbase.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketData); err != nil {
			return fmt.Errorf("create data bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSeq); err != nil {
			return fmt.Errorf("create seq bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// partitionBucket returns (creating if necessary) the nested data bucket
// for partition, within an already-open write transaction.
func partitionBucket(tx *bolt.Tx, partition string) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketData)
	b, err := root.CreateBucketIfNotExists([]byte(partition))
	if err != nil {
		return nil, fmt.Errorf("create partition bucket %q: %w", partition, err)
	}
	return b, nil
}

func (s *BoltStore) Put(partition string, sort []byte, item []byte, ifAbsent bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := partitionBucket(tx, partition)
		if err != nil {
			return err
		}
		if ifAbsent && b.Get(sort) != nil {
			return ErrConflict
		}
		return b.Put(sort, item)
	})
}

func (s *BoltStore) Get(partition string, sort []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketData)
		b := root.Bucket([]byte(partition))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(sort)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...) // bbolt values are only valid within the transaction
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Range(partition string, from, to []byte) ([]Item, error) {
	var items []Item
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketData)
		b := root.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(from); k != nil; k, v = c.Next() {
			if to != nil && bytes.Compare(k, to) >= 0 {
				break
			}
			items = append(items, Item{
				Sort:  append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return items, err
}

func (s *BoltStore) Batch(ops []BatchOp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := make(map[string]*bolt.Bucket, len(ops))
		for _, op := range ops {
			if _, ok := buckets[op.Partition]; ok {
				continue
			}
			b, err := partitionBucket(tx, op.Partition)
			if err != nil {
				return err
			}
			buckets[op.Partition] = b
		}

		// Evaluate every condition before applying any op.
		for _, op := range ops {
			if op.Condition != CondIfAbsent {
				continue
			}
			if buckets[op.Partition].Get(op.Sort) != nil {
				return ErrConditionFailed
			}
		}

		for _, op := range ops {
			b := buckets[op.Partition]
			switch op.Op {
			case OpPut:
				if err := b.Put(op.Sort, op.Item); err != nil {
					return fmt.Errorf("batch put: %w", err)
				}
			case OpDelete:
				if err := b.Delete(op.Sort); err != nil {
					return fmt.Errorf("batch delete: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) NextSeq(partition string) (uint64, error) {
	var n uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSeq)
		b, err := root.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return fmt.Errorf("create seq bucket for %q: %w", partition, err)
		}
		n, err = b.NextSequence()
		return err
	})
	return n, err
}

func (s *BoltStore) Delete(partition string, sort []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketData)
		b := root.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.Delete(sort)
	})
}

var _ Store = (*BoltStore)(nil)
