package txlog

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lockbase/pkg/storage"
	"github.com/cuemby/lockbase/pkg/types"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	records []types.Transaction
	bundles []uint64
}

func (f *fakeDispatcher) Publish(rec types.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeDispatcher) PublishBatch(recs []types.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recs...)
}

func (f *fakeDispatcher) PublishBundle(dbID string, seqNo uint64, blob []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = append(f.bundles, seqNo)
}

func newTestEngine(t *testing.T) (*Engine, *fakeDispatcher) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	d := &fakeDispatcher{}
	return New(s, d), d
}

func TestAppendAllocatesContiguousSeqNos(t *testing.T) {
	e, d := newTestEngine(t)

	for i := 0; i < 3; i++ {
		rec, err := e.Append("db1", types.CommandInsert, []byte{byte(i)}, []byte("v"), "conn1")
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if rec.SeqNo != uint64(i+1) {
			t.Fatalf("Append() seqNo = %d, want %d", rec.SeqNo, i+1)
		}
	}
	if len(d.records) != 3 {
		t.Fatalf("dispatcher got %d records, want 3", len(d.records))
	}
}

func TestAppendRejectsDuplicateInsert(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.Append("db1", types.CommandInsert, []byte("k1"), []byte("v"), "c1"); err != nil {
		t.Fatalf("first Append() error = %v", err)
	}
	if _, err := e.Append("db1", types.CommandInsert, []byte("k1"), []byte("v2"), "c1"); err == nil {
		t.Fatalf("second Insert of the same live key succeeded, want conflict")
	}

	// Delete then Insert again is fine.
	if _, err := e.Append("db1", types.CommandDelete, []byte("k1"), nil, "c1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := e.Append("db1", types.CommandInsert, []byte("k1"), []byte("v3"), "c1"); err != nil {
		t.Fatalf("Insert() after Delete error = %v", err)
	}
}

func TestAppendRejectsUpdateWithoutInsert(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.Append("db1", types.CommandUpdate, []byte("missing"), []byte("v"), "c1"); err == nil {
		t.Fatalf("Update() without a prior Insert succeeded, want conflict")
	}
	if _, err := e.Append("db1", types.CommandDelete, []byte("missing"), nil, "c1"); err == nil {
		t.Fatalf("Delete() without a prior Insert succeeded, want conflict")
	}
}

func TestAppendBatchAllOrNothing(t *testing.T) {
	e, d := newTestEngine(t)

	items := []types.BatchItem{
		{Command: types.CommandInsert, ItemKey: []byte("a"), EncryptedItem: []byte("1")},
		{Command: types.CommandInsert, ItemKey: []byte("b"), EncryptedItem: []byte("2")},
		{Command: types.CommandInsert, ItemKey: []byte("c"), EncryptedItem: []byte("3")},
	}
	recs, err := e.AppendBatch("db1", items, "c1")
	if err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("AppendBatch() returned %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.SeqNo != uint64(i+1) {
			t.Fatalf("record[%d].SeqNo = %d, want %d (contiguous)", i, rec.SeqNo, i+1)
		}
	}
	if len(d.records) != 3 {
		t.Fatalf("dispatcher got %d records, want 3", len(d.records))
	}

	// A batch with one invalid command (Update on a key never inserted)
	// must not partially apply.
	bad := []types.BatchItem{
		{Command: types.CommandInsert, ItemKey: []byte("d"), EncryptedItem: []byte("4")},
		{Command: types.CommandUpdate, ItemKey: []byte("nonexistent"), EncryptedItem: []byte("5")},
	}
	if _, err := e.AppendBatch("db1", bad, "c1"); err == nil {
		t.Fatalf("AppendBatch() with an invalid item succeeded, want error")
	}
	_, _, records, err := e.Open("db1", nil, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, rec := range records {
		if string(rec.ItemKey) == "d" {
			t.Fatalf("invalid batch partially applied: key %q was committed", "d")
		}
	}
}

func TestOpenReplaysFromBundle(t *testing.T) {
	e, d := newTestEngine(t)

	for i := 0; i < 5; i++ {
		if _, err := e.Append("db1", types.CommandInsert, []byte{byte(i)}, []byte("v"), "c1"); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	if err := e.PublishBundle("db1", 3, []byte("snapshot")); err != nil {
		t.Fatalf("PublishBundle() error = %v", err)
	}
	if len(d.bundles) != 1 || d.bundles[0] != 3 {
		t.Fatalf("dispatcher bundles = %v, want [3]", d.bundles)
	}

	bundleSeqNo, bundleBlob, records, err := e.Open("db1", nil, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if bundleSeqNo != 3 || string(bundleBlob) != "snapshot" {
		t.Fatalf("Open() bundle = (%d, %q), want (3, %q)", bundleSeqNo, bundleBlob, "snapshot")
	}
	if len(records) != 2 {
		t.Fatalf("Open() returned %d post-bundle records, want 2", len(records))
	}
	if records[0].SeqNo != 4 || records[1].SeqNo != 5 {
		t.Fatalf("Open() records seqNos = %d, %d, want 4, 5", records[0].SeqNo, records[1].SeqNo)
	}
}

func TestOpenReopenAtSeqNoMustNotPrecedeBundle(t *testing.T) {
	e, _ := newTestEngine(t)

	for i := 0; i < 5; i++ {
		if _, err := e.Append("db1", types.CommandInsert, []byte{byte(i)}, []byte("v"), "c1"); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
	if err := e.PublishBundle("db1", 3, []byte("snapshot")); err != nil {
		t.Fatalf("PublishBundle() error = %v", err)
	}

	stale := uint64(1)
	if _, _, _, err := e.Open("db1", &stale, nil); err == nil {
		t.Fatalf("Open(reopenAtSeqNo=1) succeeded despite bundle at 3, want error")
	}

	ok := uint64(4)
	_, _, records, err := e.Open("db1", &ok, nil)
	if err != nil {
		t.Fatalf("Open(reopenAtSeqNo=4) error = %v", err)
	}
	if len(records) != 1 || records[0].SeqNo != 5 {
		t.Fatalf("Open(reopenAtSeqNo=4) records = %+v, want just seqNo 5", records)
	}
}

func TestOpenHoldsLockThroughSubscribe(t *testing.T) {
	e, d := newTestEngine(t)
	if _, err := e.Append("db1", types.CommandInsert, []byte("a"), []byte("1"), "c1"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	appendDone := make(chan struct{})

	var appendRaced bool
	_, _, records, err := e.Open("db1", nil, func() {
		// Start the concurrent Append while Open holds l.mu; it must stay
		// blocked until Open returns.
		go func() {
			if _, err := e.Append("db1", types.CommandInsert, []byte("b"), []byte("2"), "c2"); err != nil {
				t.Errorf("concurrent Append() error = %v", err)
			}
			close(appendDone)
		}()
		select {
		case <-appendDone:
			appendRaced = true
		case <-time.After(10 * time.Millisecond): // give the concurrent Append a chance to complete if l.mu were free
		}
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if appendRaced {
		t.Fatalf("concurrent Append() completed before Open's subscribe callback ran; a subscriber registered there could miss it")
	}
	if len(records) != 1 {
		t.Fatalf("Open() snapshot = %d records, want 1 (the concurrent append must not be partially visible)", len(records))
	}

	<-appendDone
	d.mu.Lock()
	got := len(d.records)
	d.mu.Unlock()
	if got != 2 {
		t.Fatalf("dispatcher saw %d records once both calls finished, want 2", got)
	}
}

func TestPublishBundleRejectsNonIncreasing(t *testing.T) {
	e, _ := newTestEngine(t)

	for i := 0; i < 3; i++ {
		if _, err := e.Append("db1", types.CommandInsert, []byte{byte(i)}, []byte("v"), "c1"); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
	if err := e.PublishBundle("db1", 2, []byte("snap2")); err != nil {
		t.Fatalf("PublishBundle(2) error = %v", err)
	}
	if err := e.PublishBundle("db1", 2, []byte("snap2b")); err == nil {
		t.Fatalf("PublishBundle(2) again succeeded, want rejection (non-increasing)")
	}
	if err := e.PublishBundle("db1", 10, []byte("snap10")); err == nil {
		t.Fatalf("PublishBundle(10) succeeded beyond current max seqNo, want rejection")
	}
}
