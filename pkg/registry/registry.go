// Package registry is the session registry: the process-local, mutable
// index of live connections the connection core and subscription
// dispatcher both depend on. It owns no transport details beyond the Transport
// interface and no action semantics — just register/close/lookup/fan-out.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/lockbase/pkg/apperrors"
	"github.com/cuemby/lockbase/pkg/log"
	"github.com/cuemby/lockbase/pkg/metrics"
	"github.com/cuemby/lockbase/pkg/ratelimit"
	"github.com/cuemby/lockbase/pkg/wire"
)

// Transport is the minimum a connection core needs from whatever carries
// frames to a client. The WebSocket implementation lives in pkg/router.
type Transport interface {
	// Send writes a structured application frame.
	Send(wire.Envelope) error
	// SendText writes a raw UTF-8 text frame, bypassing the Envelope
	// shape entirely — used only for the plain-text errors sent for
	// oversized frames, malformed requests and unknown actions.
	SendText(string) error
	Close() error
}

// CloseReason records why a Connection left the registry, for logging and
// for any unsolicited frame sent on the way out.
type CloseReason string

const (
	CloseReasonClient      CloseReason = "client"
	CloseReasonSuperseded  CloseReason = "superseded"
	CloseReasonHeartbeat   CloseReason = "heartbeat_timeout"
	CloseReasonSessionGone CloseReason = "session_revoked"
	CloseReasonServer      CloseReason = "server_shutdown"
)

// Subscription is the per-database state a Connection carries while
// subscribed to that database's transaction log.
type Subscription struct {
	LastDeliveredSeq uint64
	BundleEpoch      uint64
}

// Connection is a single live, registered session.
type Connection struct {
	ID        string
	UserID    string
	AppID     string
	ClientID  string
	AdminID   string
	Transport Transport
	Limiter   *ratelimit.Limiter
	CreatedAt time.Time

	mu           sync.Mutex
	keyValidated bool
	isAlive      bool
	closed       bool
	subs         map[string]*Subscription
}

// KeyValidated reports whether ValidateKey has succeeded on this
// connection.
func (c *Connection) KeyValidated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyValidated
}

// SetKeyValidated marks the connection's handshake complete.
func (c *Connection) SetKeyValidated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyValidated = true
}

// MarkAlive sets isAlive true; called on every inbound frame.
func (c *Connection) MarkAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isAlive = true
}

// CheckAndResetAlive returns the current isAlive value and resets it to
// false, mirroring the heartbeat tick's read-then-arm behavior.
func (c *Connection) CheckAndResetAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.isAlive
	c.isAlive = false
	return was
}

// Subscribe records subscription state for dbID, replacing any prior
// state for the same database.
func (c *Connection) Subscribe(dbID string, sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]*Subscription)
	}
	c.subs[dbID] = sub
}

// Unsubscribe drops subscription state for dbID.
func (c *Connection) Unsubscribe(dbID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, dbID)
}

// SubscriptionIDs returns the databases this connection currently
// subscribes to.
func (c *Connection) SubscriptionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}

// Send writes an envelope to this connection's transport.
func (c *Connection) Send(env wire.Envelope) error {
	return c.Transport.Send(env)
}

// Registry is the process-wide live-connection index, keyed by connection
// id and by (userId, clientId) for supersession.
type Registry struct {
	mu          sync.Mutex
	byID        map[string]*Connection
	byUserID    map[string]map[string]*Connection // userId -> connId -> *Connection
	byClientKey map[string]*Connection             // userId+"/"+clientId -> *Connection
	onClose     func(*Connection, CloseReason)
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:        make(map[string]*Connection),
		byUserID:    make(map[string]map[string]*Connection),
		byClientKey: make(map[string]*Connection),
	}
}

// SetOnClose installs a hook invoked after every Close, once per
// connection, after the transport has been closed and the connection
// removed from the index. pkg/connection uses this to release a
// connection's subscriptions and its own handshake state without the
// registry needing to know either exists.
func (r *Registry) SetOnClose(fn func(*Connection, CloseReason)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = fn
}

func clientKey(userID, clientID string) string {
	return userID + "/" + clientID
}

// Register creates a Connection for userID over transport, identified by
// clientID. If a live connection already exists for the same
// (userID, clientID), it is closed with CloseReasonSuperseded before the
// new one is registered — the policy is "last writer wins" per client
// identity, never a rejection.
func (r *Registry) Register(userID, appID, clientID, adminID string, transport Transport) *Connection {
	r.mu.Lock()

	key := clientKey(userID, clientID)
	if existing, ok := r.byClientKey[key]; ok {
		r.mu.Unlock()
		r.Close(existing, CloseReasonSuperseded)
		r.mu.Lock()
	}

	conn := &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		AppID:     appID,
		ClientID:  clientID,
		AdminID:   adminID,
		Transport: transport,
		Limiter:   ratelimit.New(),
		CreatedAt: time.Now(),
		isAlive:   true,
	}

	r.byID[conn.ID] = conn
	r.byClientKey[key] = conn
	if r.byUserID[userID] == nil {
		r.byUserID[userID] = make(map[string]*Connection)
	}
	r.byUserID[userID][conn.ID] = conn
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.WithLabelValues("registered").Inc()
	log.WithConnection(conn.ID).Info().Str("userId", userID).Msg("connection registered")

	return conn
}

// Close removes conn from the registry idempotently and closes its
// transport. Safe to call more than once or concurrently; only the first
// call has effect.
func (r *Registry) Close(conn *Connection, reason CloseReason) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.mu.Unlock()

	r.mu.Lock()
	delete(r.byID, conn.ID)
	if byID, ok := r.byUserID[conn.UserID]; ok {
		delete(byID, conn.ID)
		if len(byID) == 0 {
			delete(r.byUserID, conn.UserID)
		}
	}
	key := clientKey(conn.UserID, conn.ClientID)
	if r.byClientKey[key] == conn {
		delete(r.byClientKey, key)
	}
	r.mu.Unlock()

	if reason == CloseReasonSuperseded {
		_ = conn.Send(wire.Push(wire.RouteConnection, map[string]string{"reason": string(reason)}))
	}
	_ = conn.Transport.Close()

	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsTotal.WithLabelValues(string(reason)).Inc()
	if reason == CloseReasonSuperseded {
		metrics.ConnectionsSuperseded.Inc()
	}
	log.WithConnection(conn.ID).Info().Str("reason", string(reason)).Msg("connection closed")

	r.mu.Lock()
	onClose := r.onClose
	r.mu.Unlock()
	if onClose != nil {
		onClose(conn, reason)
	}
}

// All returns a consistent snapshot of every live connection, across all
// users. Used by the heartbeat sweep.
func (r *Registry) All() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Get looks up a live connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connID]
	return c, ok
}

// ForUser returns a consistent snapshot of userID's live connections.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.byUserID[userID]
	out := make([]*Connection, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	return out
}

// Broadcast sends env to every live connection for userID. Send failures
// are logged and the offending connection is scheduled for close; other
// recipients are unaffected.
func (r *Registry) Broadcast(userID string, env wire.Envelope) {
	for _, conn := range r.ForUser(userID) {
		if err := conn.Send(env); err != nil {
			log.WithConnection(conn.ID).Warn().Err(err).Msg("broadcast send failed, closing connection")
			r.Close(conn, CloseReasonClient)
		}
	}
}

// SendTo sends env to a single connection by id. It returns
// apperrors.Fail(apperrors.StatusNotFound) if no such connection is live.
func (r *Registry) SendTo(connID string, env wire.Envelope) error {
	conn, ok := r.Get(connID)
	if !ok {
		return apperrors.Fail(apperrors.StatusNotFound)
	}
	return conn.Send(env)
}

// Len returns the number of live connections, for diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
