package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lockbase/pkg/registry"
	"github.com/cuemby/lockbase/pkg/types"
	"github.com/cuemby/lockbase/pkg/wire"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []wire.Envelope
	closed  bool
	block   chan struct{} // if non-nil, Send blocks until this is closed
	failAll bool
}

func (f *fakeTransport) Send(env wire.Envelope) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errSendFailed
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) SendText(string) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errSendFailed = fakeErr("send failed")

type fakeCloser struct {
	mu     sync.Mutex
	closed []*registry.Connection
}

func (f *fakeCloser) Close(conn *registry.Connection, reason registry.CloseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, conn)
	_ = conn.Transport.Close()
}

func newSubscriberConn(t *testing.T, tr *fakeTransport) *registry.Connection {
	t.Helper()
	reg := registry.New()
	return reg.Register("u1", "app1", "c-"+t.Name(), "", tr)
}

func TestPublishDeliversInOrder(t *testing.T) {
	tr := &fakeTransport{}
	conn := newSubscriberConn(t, tr)
	d := New(&fakeCloser{})
	d.Subscribe("db1", conn)

	for i := 0; i < 5; i++ {
		d.Publish(types.Transaction{DBID: "db1", SeqNo: uint64(i + 1)})
	}

	deadline := time.Now().Add(time.Second)
	for {
		tr.mu.Lock()
		n := len(tr.sent)
		tr.mu.Unlock()
		if n == 5 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 5 {
		t.Fatalf("received %d frames, want 5", len(tr.sent))
	}
	for i, env := range tr.sent {
		rec, ok := env.Response.Data.(types.Transaction)
		if !ok {
			t.Fatalf("frame %d data is not a Transaction: %#v", i, env.Response.Data)
		}
		if rec.SeqNo != uint64(i+1) {
			t.Fatalf("frame %d seqNo = %d, want %d", i, rec.SeqNo, i+1)
		}
	}
}

func TestSlowConsumerIsDroppedAndClosed(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	conn := newSubscriberConn(t, tr)
	closer := &fakeCloser{}
	d := New(closer)
	d.Subscribe("db1", conn)

	for i := 0; i < outboxSize+10; i++ {
		d.Publish(types.Transaction{DBID: "db1", SeqNo: uint64(i + 1)})
	}

	deadline := time.Now().Add(time.Second)
	for {
		closer.mu.Lock()
		n := len(closer.closed)
		closer.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	closer.mu.Lock()
	defer closer.mu.Unlock()
	if len(closer.closed) != 1 || closer.closed[0] != conn {
		t.Fatalf("closer.closed = %+v, want exactly the slow connection", closer.closed)
	}
	close(tr.block)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := &fakeTransport{}
	conn := newSubscriberConn(t, tr)
	d := New(&fakeCloser{})
	d.Subscribe("db1", conn)
	d.Unsubscribe("db1", conn)

	d.Publish(types.Transaction{DBID: "db1", SeqNo: 1})
	time.Sleep(10 * time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 0 {
		t.Fatalf("received %d frames after Unsubscribe, want 0", len(tr.sent))
	}
}
