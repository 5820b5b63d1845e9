// Package txlog is the transaction log engine: per (user, database) pair,
// an append-only, strictly-ordered log of encrypted commands plus periodic
// bundles (compacted snapshots). It owns sequence number allocation,
// duplicate-item-key protection, batch atomicity, and bundle acceptance;
// it hands every committed record to an injected Dispatcher for fan-out.
package txlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/lockbase/pkg/apperrors"
	"github.com/cuemby/lockbase/pkg/log"
	"github.com/cuemby/lockbase/pkg/metrics"
	"github.com/cuemby/lockbase/pkg/storage"
	"github.com/cuemby/lockbase/pkg/types"
)

// maxAppendRetries bounds the reallocate-and-retry loop on a conditional
// insert conflict before the engine gives up and surfaces
// ServiceUnavailable.
const maxAppendRetries = 5

// Dispatcher receives every record and bundle the engine commits, for
// fan-out to subscribed connections. pkg/dispatch implements this.
type Dispatcher interface {
	Publish(types.Transaction)
	PublishBatch([]types.Transaction)
	PublishBundle(dbID string, bundleSeqNo uint64, blob []byte)
}

// bundleKeySort is the reserved sort key (below any real seqNo, which starts
// at 1) holding a database's current bundle metadata.
var bundleKeySort = make([]byte, 8)

func recordKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func seqFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

type bundleRecord struct {
	SeqNo uint64 `json:"seqNo"`
	Blob  []byte `json:"blob"`
}

// log is one database's engine-side state: the seqNo high-water mark, the
// current bundle, and the item-key liveness index built from the history
// since that bundle. Everything is guarded by mu, which is also what
// serializes appends to this one database.
type log struct {
	mu          sync.Mutex
	dbID        string
	bundleSeqNo uint64
	bundleBlob  []byte
	maxSeqNo    uint64
	alive       map[string]bool // itemKey -> true while Inserted and not yet Deleted
}

// Engine is the transaction log engine shared by every database.
type Engine struct {
	store      storage.Store
	dispatcher Dispatcher

	mu   sync.Mutex
	logs map[string]*log
}

// New returns an Engine backed by store, publishing committed records and
// bundles to dispatcher.
func New(store storage.Store, dispatcher Dispatcher) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		logs:       make(map[string]*log),
	}
}

// getLog returns (loading from the store on first use) the log state for
// dbID.
func (e *Engine) getLog(dbID string) (*log, error) {
	e.mu.Lock()
	if l, ok := e.logs[dbID]; ok {
		e.mu.Unlock()
		return l, nil
	}
	e.mu.Unlock()

	l := &log{dbID: dbID, alive: make(map[string]bool)}

	if blob, err := e.store.Get(dbID, bundleKeySort); err == nil {
		var br bundleRecord
		if err := json.Unmarshal(blob, &br); err != nil {
			return nil, fmt.Errorf("txlog: decode bundle metadata for %s: %w", dbID, err)
		}
		l.bundleSeqNo = br.SeqNo
		l.bundleBlob = br.Blob
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	items, err := e.store.Range(dbID, recordKey(l.bundleSeqNo+1), nil)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		var rec types.Transaction
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			return nil, fmt.Errorf("txlog: decode record for %s: %w", dbID, err)
		}
		l.applyLocked(rec.Command, rec.ItemKey)
		if rec.SeqNo > l.maxSeqNo {
			l.maxSeqNo = rec.SeqNo
		}
	}

	e.mu.Lock()
	if existing, ok := e.logs[dbID]; ok {
		// Another goroutine loaded it first; use that one.
		e.mu.Unlock()
		return existing, nil
	}
	e.logs[dbID] = l
	e.mu.Unlock()

	return l, nil
}

// applyLocked updates item-key liveness for a committed command. Caller
// holds l.mu.
func (l *log) applyLocked(cmd types.Command, itemKey []byte) {
	key := string(itemKey)
	switch cmd {
	case types.CommandInsert:
		l.alive[key] = true
	case types.CommandDelete:
		delete(l.alive, key)
	case types.CommandUpdate:
		// no liveness change
	}
}

// validateLocked enforces the duplicate-item-key invariants against the
// liveness index built since the last bundle. Caller holds l.mu.
func (l *log) validateLocked(cmd types.Command, itemKey []byte) error {
	key := string(itemKey)
	switch cmd {
	case types.CommandInsert:
		if l.alive[key] {
			return apperrors.Failf(apperrors.StatusConflict, "item key already has a live record")
		}
	case types.CommandUpdate, types.CommandDelete:
		if !l.alive[key] {
			return apperrors.Failf(apperrors.StatusConflict, "no live insert for item key")
		}
	}
	return nil
}

// Append commits a single command to dbID's log and hands it to the
// dispatcher on success.
func (e *Engine) Append(dbID string, cmd types.Command, itemKey, encryptedItem []byte, createdBy string) (*types.Transaction, error) {
	if len(encryptedItem)+len(itemKey) > types.MaxRecordBytes {
		return nil, apperrors.Fail(apperrors.StatusPayloadTooLarge)
	}

	l, err := e.getLog(dbID)
	if err != nil {
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validateLocked(cmd, itemKey); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		seq, err := e.store.NextSeq(dbID)
		if err != nil {
			return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
		}

		rec := types.Transaction{
			DBID:          dbID,
			SeqNo:         seq,
			Command:       cmd,
			ItemKey:       itemKey,
			EncryptedItem: encryptedItem,
			CreatedBy:     createdBy,
			CreatedAt:     time.Now(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, apperrors.Fail(apperrors.StatusInternal)
		}

		err = e.store.Put(dbID, recordKey(seq), data, true)
		if err == nil {
			l.applyLocked(cmd, itemKey)
			if seq > l.maxSeqNo {
				l.maxSeqNo = seq
			}
			metrics.TransactionsAppended.WithLabelValues(string(cmd)).Inc()
			e.dispatcher.Publish(rec)
			return &rec, nil
		}
		if errors.Is(err, storage.ErrConflict) {
			metrics.AppendRetries.Inc()
			log.WithDatabase(dbID).Warn().Uint64("seqNo", seq).Msg("append retry: seqNo already occupied")
			continue
		}
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
}

// AppendBatch commits k single-item commands atomically: all k records
// land contiguously with contiguous seqNos, or none do.
func (e *Engine) AppendBatch(dbID string, items []types.BatchItem, createdBy string) ([]types.Transaction, error) {
	if len(items) == 0 {
		return nil, apperrors.Fail(apperrors.StatusBadRequest)
	}
	for _, it := range items {
		if len(it.EncryptedItem)+len(it.ItemKey) > types.MaxRecordBytes {
			return nil, apperrors.Fail(apperrors.StatusPayloadTooLarge)
		}
	}

	l, err := e.getLog(dbID)
	if err != nil {
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Validate the whole batch against the pre-batch liveness state before
	// committing anything; a batch is all-or-nothing at the invariant
	// level too.
	trial := make(map[string]bool, len(l.alive))
	for k, v := range l.alive {
		trial[k] = v
	}
	for _, it := range items {
		key := string(it.ItemKey)
		switch it.Command {
		case types.CommandInsert:
			if trial[key] {
				return nil, apperrors.Failf(apperrors.StatusConflict, "item key already has a live record")
			}
			trial[key] = true
		case types.CommandUpdate, types.CommandDelete:
			if !trial[key] {
				return nil, apperrors.Failf(apperrors.StatusConflict, "no live insert for item key")
			}
			if it.Command == types.CommandDelete {
				delete(trial, key)
			}
		}
	}

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		first, err := e.allocateRange(dbID, len(items))
		if err != nil {
			return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
		}

		now := time.Now()
		recs := make([]types.Transaction, len(items))
		ops := make([]storage.BatchOp, len(items))
		for i, it := range items {
			rec := types.Transaction{
				DBID:          dbID,
				SeqNo:         first + uint64(i),
				Command:       it.Command,
				ItemKey:       it.ItemKey,
				EncryptedItem: it.EncryptedItem,
				CreatedBy:     createdBy,
				CreatedAt:     now,
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return nil, apperrors.Fail(apperrors.StatusInternal)
			}
			recs[i] = rec
			ops[i] = storage.BatchOp{
				Partition: dbID,
				Sort:      recordKey(rec.SeqNo),
				Op:        storage.OpPut,
				Item:      data,
				Condition: storage.CondIfAbsent,
			}
		}

		err = e.store.Batch(ops)
		if err == nil {
			for _, rec := range recs {
				l.applyLocked(rec.Command, rec.ItemKey)
				if rec.SeqNo > l.maxSeqNo {
					l.maxSeqNo = rec.SeqNo
				}
				metrics.TransactionsAppended.WithLabelValues(string(rec.Command)).Inc()
			}
			e.dispatcher.PublishBatch(recs)
			return recs, nil
		}
		if errors.Is(err, storage.ErrConditionFailed) || errors.Is(err, storage.ErrTxConflict) {
			metrics.AppendRetries.Inc()
			log.WithDatabase(dbID).Warn().Int("size", len(items)).Msg("batch append retry: range conflict")
			continue
		}
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
}

// allocateRange draws k contiguous sequence numbers. Caller holds l.mu,
// which is the only thing serializing NextSeq calls for this dbID, so
// consecutive calls here are guaranteed contiguous.
func (e *Engine) allocateRange(dbID string, k int) (uint64, error) {
	var first uint64
	for i := 0; i < k; i++ {
		n, err := e.store.NextSeq(dbID)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			first = n
		}
	}
	return first, nil
}

// Open returns a database's replay state: if reopenAtSeqNo is nil, the
// current bundle (if any) plus every record after it; if non-nil, just
// the records after that seqNo, which must be at or after the current
// bundle.
//
// subscribe, if non-nil, is invoked while the database's append lock is
// still held, after the replay snapshot is built but before it is
// returned. Append holds the same lock across allocating a seqNo,
// committing it, and handing it to the dispatcher, so calling subscribe
// here — rather than after Open returns — closes the window where a
// commit could land between the snapshot and the subscription: it either
// completed before the snapshot (and is in records) or is blocked behind
// this lock until after subscribe has run (and so reaches the new
// subscriber live).
func (e *Engine) Open(dbID string, reopenAtSeqNo *uint64, subscribe func()) (bundleSeqNo uint64, bundleBlob []byte, records []types.Transaction, err error) {
	l, err := e.getLog(dbID)
	if err != nil {
		return 0, nil, nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.bundleSeqNo
	if reopenAtSeqNo != nil {
		if *reopenAtSeqNo < l.bundleSeqNo {
			return 0, nil, nil, apperrors.Failf(apperrors.StatusBadRequest, "reopenAtSeqNo precedes current bundle")
		}
		from = *reopenAtSeqNo
	} else {
		bundleSeqNo = l.bundleSeqNo
		bundleBlob = l.bundleBlob
	}

	items, err := e.store.Range(dbID, recordKey(from+1), nil)
	if err != nil {
		return 0, nil, nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	records = make([]types.Transaction, 0, len(items))
	for _, item := range items {
		var rec types.Transaction
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			return 0, nil, nil, apperrors.Fail(apperrors.StatusInternal)
		}
		records = append(records, rec)
	}

	if subscribe != nil {
		subscribe()
	}
	return bundleSeqNo, bundleBlob, records, nil
}

// PublishBundle accepts a client-submitted snapshot if seqNo is strictly
// greater than the current bundleSeqNo and does not exceed the database's
// current high-water mark. On acceptance, pre-bundle records become
// eligible for asynchronous garbage collection.
func (e *Engine) PublishBundle(dbID string, seqNo uint64, blob []byte) error {
	l, err := e.getLog(dbID)
	if err != nil {
		return apperrors.Fail(apperrors.StatusServiceUnavailable)
	}

	l.mu.Lock()
	if seqNo <= l.bundleSeqNo {
		l.mu.Unlock()
		return apperrors.Failf(apperrors.StatusConflict, "bundle seqNo %d is not newer than current %d", seqNo, l.bundleSeqNo)
	}
	if seqNo > l.maxSeqNo {
		l.mu.Unlock()
		return apperrors.Failf(apperrors.StatusBadRequest, "bundle seqNo %d exceeds current max %d", seqNo, l.maxSeqNo)
	}

	br := bundleRecord{SeqNo: seqNo, Blob: blob}
	data, err := json.Marshal(br)
	if err != nil {
		l.mu.Unlock()
		return apperrors.Fail(apperrors.StatusInternal)
	}
	if err := e.store.Put(dbID, bundleKeySort, data, false); err != nil {
		l.mu.Unlock()
		return apperrors.Fail(apperrors.StatusServiceUnavailable)
	}

	l.bundleSeqNo = seqNo
	l.bundleBlob = blob
	l.mu.Unlock()

	metrics.BundlesPublished.Inc()
	e.dispatcher.PublishBundle(dbID, seqNo, blob)

	go e.gc(dbID, seqNo)

	return nil
}

// gc deletes records with seqNo <= throughSeqNo, now superseded by the
// bundle at that seqNo. Run asynchronously; a crash mid-sweep just leaves
// some already-bundled records behind for the next sweep to catch, since
// readers always consult the bundle, not pre-bundle records, once one
// exists.
func (e *Engine) gc(dbID string, throughSeqNo uint64) {
	items, err := e.store.Range(dbID, recordKey(1), recordKey(throughSeqNo+1))
	if err != nil {
		log.WithDatabase(dbID).Warn().Err(err).Msg("bundle gc: range failed")
		return
	}
	for _, item := range items {
		if err := e.store.Delete(dbID, item.Sort); err != nil {
			log.WithDatabase(dbID).Warn().Err(err).Uint64("seqNo", seqFromKey(item.Sort)).Msg("bundle gc: delete failed")
		}
	}
	metrics.BundleGCSweeps.Inc()
	log.WithDatabase(dbID).Debug().Int("swept", len(items)).Uint64("throughSeqNo", throughSeqNo).Msg("bundle gc sweep complete")
}
