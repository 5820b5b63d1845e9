package registry

import (
	"sync"
	"testing"

	"github.com/cuemby/lockbase/pkg/wire"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []wire.Envelope
	closed bool
	failOn func(wire.Envelope) bool
}

func (f *fakeTransport) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil && f.failOn(env) {
		return errFakeSendFailed
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

const errFakeSendFailed = fakeErr("send failed")

func TestRegisterAndClose(t *testing.T) {
	r := New()
	tr := &fakeTransport{}

	conn := r.Register("u1", "app1", "client1", "", tr)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	if _, ok := r.Get(conn.ID); !ok {
		t.Fatalf("Get(%q) not found after Register", conn.ID)
	}

	r.Close(conn, CloseReasonClient)
	if r.Len() != 0 {
		t.Fatalf("Len() after Close = %d, want 0", r.Len())
	}
	if !tr.closed {
		t.Fatalf("transport not closed")
	}

	// Idempotent.
	r.Close(conn, CloseReasonClient)
}

func TestRegisterSupersedesSameClientID(t *testing.T) {
	r := New()
	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}

	conn1 := r.Register("u1", "app1", "client1", "", tr1)
	conn2 := r.Register("u1", "app1", "client1", "", tr2)

	if conn1.ID == conn2.ID {
		t.Fatalf("Register() returned the same connection id twice")
	}
	if _, ok := r.Get(conn1.ID); ok {
		t.Fatalf("superseded connection %q still registered", conn1.ID)
	}
	if !tr1.closed {
		t.Fatalf("superseded connection's transport not closed")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (only the superseding connection)", r.Len())
	}

	tr1.mu.Lock()
	sent := append([]wire.Envelope(nil), tr1.sent...)
	tr1.mu.Unlock()
	if len(sent) != 1 || sent[0].Route != wire.RouteConnection {
		t.Fatalf("superseded connection notification = %+v, want one Connection push", sent)
	}
}

func TestForUserSnapshot(t *testing.T) {
	r := New()
	c1 := r.Register("u1", "app1", "c1", "", &fakeTransport{})
	c2 := r.Register("u1", "app1", "c2", "", &fakeTransport{})
	r.Register("u2", "app1", "c1", "", &fakeTransport{})

	conns := r.ForUser("u1")
	if len(conns) != 2 {
		t.Fatalf("ForUser(u1) returned %d connections, want 2", len(conns))
	}
	ids := map[string]bool{conns[0].ID: true, conns[1].ID: true}
	if !ids[c1.ID] || !ids[c2.ID] {
		t.Fatalf("ForUser(u1) = %+v, want %s and %s", conns, c1.ID, c2.ID)
	}
}

func TestBroadcastClosesFailingConnection(t *testing.T) {
	r := New()
	good := &fakeTransport{}
	bad := &fakeTransport{failOn: func(wire.Envelope) bool { return true }}

	r.Register("u1", "app1", "good", "", good)
	r.Register("u1", "app1", "bad", "", bad)

	r.Broadcast("u1", wire.Push(wire.RoutePing, nil))

	if r.Len() != 1 {
		t.Fatalf("Len() after Broadcast = %d, want 1 (failing connection dropped)", r.Len())
	}
	good.mu.Lock()
	defer good.mu.Unlock()
	if len(good.sent) != 1 {
		t.Fatalf("good connection received %d frames, want 1", len(good.sent))
	}
}

func TestKeyValidatedAndAliveFlags(t *testing.T) {
	conn := &Connection{isAlive: true}

	if conn.KeyValidated() {
		t.Fatalf("new connection reports KeyValidated")
	}
	conn.SetKeyValidated()
	if !conn.KeyValidated() {
		t.Fatalf("SetKeyValidated did not take effect")
	}

	if !conn.CheckAndResetAlive() {
		t.Fatalf("CheckAndResetAlive() = false on freshly-alive connection")
	}
	if conn.CheckAndResetAlive() {
		t.Fatalf("CheckAndResetAlive() stayed true after being reset")
	}
	conn.MarkAlive()
	if !conn.CheckAndResetAlive() {
		t.Fatalf("CheckAndResetAlive() = false after MarkAlive")
	}
}
