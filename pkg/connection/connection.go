// Package connection is the connection core: the per-session state
// machine for a live client socket. It owns the application-layer
// handshake, the fixed action dispatch table, rate limiting, heartbeat,
// and graceful teardown, sitting on top of pkg/registry (session
// lookup), pkg/accounts (user/session/database persistence), pkg/txlog
// (the transaction log), and pkg/dispatch (subscription fan-out).
package connection

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/lockbase/pkg/accounts"
	"github.com/cuemby/lockbase/pkg/apperrors"
	"github.com/cuemby/lockbase/pkg/crypto"
	"github.com/cuemby/lockbase/pkg/dispatch"
	"github.com/cuemby/lockbase/pkg/log"
	"github.com/cuemby/lockbase/pkg/metrics"
	"github.com/cuemby/lockbase/pkg/registry"
	"github.com/cuemby/lockbase/pkg/txlog"
	"github.com/cuemby/lockbase/pkg/types"
	"github.com/cuemby/lockbase/pkg/wire"
)

// State is a connection's position in the handshake/lifecycle state
// machine.
type State string

const (
	StateUpgraded              State = "Upgraded"
	StateAwaitingKeyValidation State = "AwaitingKeyValidation"
	StateActive                State = "Active"
	StateClosing               State = "Closing"
	StateClosed                State = "Closed"
)

// heartbeatInterval and the implied two-interval grace period bound how
// long an unresponsive connection is kept alive.
const heartbeatInterval = 30 * time.Second

// maxDedupEntries bounds the per-connection duplicate-requestId cache
// used to make retried requests at-most-once.
const maxDedupEntries = 256

var knownActions = map[wire.Action]bool{
	wire.ActionSignOut:          true,
	wire.ActionUpdateUser:       true,
	wire.ActionDeleteUser:       true,
	wire.ActionOpenDatabase:     true,
	wire.ActionInsert:           true,
	wire.ActionUpdate:           true,
	wire.ActionDelete:           true,
	wire.ActionBatchTransaction: true,
	wire.ActionBundle:           true,
	wire.ActionGetPasswordSalts: true,
	wire.ActionValidateKey:      true,
	wire.ActionPong:             true,
}

// session is the connection-core-specific state layered on top of a
// registry.Connection: handshake progress and the dedup cache. Kept
// separate from registry.Connection so the session registry stays
// ignorant of handshake semantics.
type session struct {
	mu            sync.Mutex
	state         State
	expectedNonce []byte
	sessionID     string

	dedup      map[string]wire.Envelope
	dedupOrder []string
}

// Core wires the connection state machine to its collaborators.
type Core struct {
	reg        *registry.Registry
	accounts   *accounts.Store
	engine     *txlog.Engine
	dispatcher *dispatch.Dispatcher
	suite      *crypto.Suite

	mu                sync.Mutex
	fsm               map[string]*session
	pendingHardDelete map[string]bool
}

// New builds a Core and wires the registry's close hook to release
// per-connection handshake state and subscriptions.
func New(reg *registry.Registry, acc *accounts.Store, engine *txlog.Engine, dispatcher *dispatch.Dispatcher, suite *crypto.Suite) *Core {
	c := &Core{
		reg:               reg,
		accounts:          acc,
		engine:            engine,
		dispatcher:        dispatcher,
		suite:             suite,
		fsm:               make(map[string]*session),
		pendingHardDelete: make(map[string]bool),
	}
	reg.SetOnClose(c.onClose)
	return c
}

func (c *Core) onClose(conn *registry.Connection, reason registry.CloseReason) {
	c.dispatcher.UnsubscribeAll(conn)
	c.mu.Lock()
	delete(c.fsm, conn.ID)
	pending := c.pendingHardDelete[conn.UserID]
	c.mu.Unlock()

	if pending && len(c.reg.ForUser(conn.UserID)) == 0 {
		c.mu.Lock()
		delete(c.pendingHardDelete, conn.UserID)
		c.mu.Unlock()
		if err := c.accounts.HardDeleteUser(conn.UserID); err != nil {
			log.WithUser(conn.UserID).Warn().Err(err).Msg("hard delete failed after all connections closed")
		}
	}
}

// Upgrade registers a newly-authenticated transport and sends the initial
// Connection control frame, entering AwaitingKeyValidation.
func (c *Core) Upgrade(user *types.User, sessionID, appID, clientID, adminID string, transport registry.Transport) (*registry.Connection, error) {
	nonce, encrypted, err := c.suite.DeriveValidationNonce(user.PublicKey)
	if err != nil {
		return nil, apperrors.Fail(apperrors.StatusInternal)
	}

	conn := c.reg.Register(user.ID, appID, clientID, adminID, transport)

	sess := &session{
		state:         StateAwaitingKeyValidation,
		expectedNonce: nonce,
		sessionID:     sessionID,
		dedup:         make(map[string]wire.Envelope),
	}
	c.mu.Lock()
	c.fsm[conn.ID] = sess
	c.mu.Unlock()

	push := wire.Push(wire.RouteConnection, map[string]any{
		"keySalts":                   user.Salts(),
		"encryptedValidationMessage": encrypted,
	})
	if err := conn.Send(push); err != nil {
		c.reg.Close(conn, registry.CloseReasonClient)
		return nil, apperrors.Fail(apperrors.StatusServiceUnavailable)
	}
	return conn, nil
}

func (c *Core) sessionFor(conn *registry.Connection) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm[conn.ID]
}

// HandleFrame processes one inbound application frame. Frames are
// processed to completion in arrival order per connection; callers must
// not invoke HandleFrame concurrently for the same connection.
func (c *Core) HandleFrame(conn *registry.Connection, raw []byte) {
	conn.MarkAlive()
	if len(raw) > wire.MaxFrameBytes {
		metrics.OversizedFramesTotal.Inc()
		_ = conn.Transport.SendText("Message is too large")
		return
	}

	var req wire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		_ = conn.Transport.SendText("Malformed request")
		return
	}

	if req.Action == wire.ActionPong {
		return
	}
	if !knownActions[req.Action] {
		_ = conn.Transport.SendText("Unknown action")
		return
	}

	sess := c.sessionFor(conn)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	if req.RequestID != "" {
		if cached, ok := sess.dedup[req.RequestID]; ok {
			sess.mu.Unlock()
			_ = conn.Send(cached)
			return
		}
	}
	state := sess.state
	sess.mu.Unlock()

	if state == StateAwaitingKeyValidation && req.Action != wire.ActionValidateKey {
		c.respond(conn, sess, req, apperrors.Fail(apperrors.StatusUnauthorized))
		return
	}
	if state == StateActive && req.Action == wire.ActionValidateKey {
		c.respond(conn, sess, req, apperrors.Fail(apperrors.StatusBadRequest))
		return
	}
	if state != StateAwaitingKeyValidation && state != StateActive {
		return
	}

	if !conn.Limiter.Allow() {
		metrics.RateLimitedTotal.Inc()
		c.respond(conn, sess, req, &apperrors.Result{Status: apperrors.StatusTooManyRequests, Data: wire.RateLimited()})
		return
	}

	timer := metrics.NewTimer()
	result := c.dispatch(conn, sess, req)
	timer.ObserveDurationVec(metrics.ActionDuration, string(req.Action))
	metrics.ActionsTotal.WithLabelValues(string(req.Action), strconv.Itoa(result.Status)).Inc()

	c.respond(conn, sess, req, result)

	sess.mu.Lock()
	closing := sess.state == StateClosing
	sess.mu.Unlock()
	if closing {
		c.reg.Close(conn, registry.CloseReasonClient)
	}
}

func (c *Core) respond(conn *registry.Connection, sess *session, req wire.Request, result *apperrors.Result) {
	env := wire.Reply(req.RequestID, req.Action, result.Status, result.Data)
	if req.RequestID != "" {
		sess.mu.Lock()
		c.rememberLocked(sess, req.RequestID, env)
		sess.mu.Unlock()
	}
	if err := conn.Send(env); err != nil {
		log.WithConnection(conn.ID).Warn().Err(err).Msg("response send failed, closing connection")
		c.reg.Close(conn, registry.CloseReasonClient)
	}
}

func (c *Core) rememberLocked(sess *session, requestID string, env wire.Envelope) {
	if _, exists := sess.dedup[requestID]; exists {
		return
	}
	sess.dedup[requestID] = env
	sess.dedupOrder = append(sess.dedupOrder, requestID)
	if len(sess.dedupOrder) > maxDedupEntries {
		oldest := sess.dedupOrder[0]
		sess.dedupOrder = sess.dedupOrder[1:]
		delete(sess.dedup, oldest)
	}
}

func (c *Core) dispatch(conn *registry.Connection, sess *session, req wire.Request) *apperrors.Result {
	switch req.Action {
	case wire.ActionValidateKey:
		return c.handleValidateKey(conn, sess, req)
	case wire.ActionSignOut:
		return c.handleSignOut(sess)
	case wire.ActionUpdateUser:
		return c.handleUpdateUser(conn, sess, req)
	case wire.ActionDeleteUser:
		return c.handleDeleteUser(conn, sess)
	case wire.ActionOpenDatabase:
		return c.handleOpenDatabase(conn, req)
	case wire.ActionInsert, wire.ActionUpdate, wire.ActionDelete:
		return c.handleMutation(conn, req)
	case wire.ActionBatchTransaction:
		return c.handleBatchTransaction(conn, req)
	case wire.ActionBundle:
		return c.handleBundle(req)
	case wire.ActionGetPasswordSalts:
		return c.handleGetPasswordSalts(conn)
	default:
		return apperrors.Fail(apperrors.StatusBadRequest)
	}
}

type validateKeyParams struct {
	Nonce []byte `json:"nonce"`
}

func (c *Core) handleValidateKey(conn *registry.Connection, sess *session, req wire.Request) *apperrors.Result {
	var params validateKeyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return apperrors.Fail(apperrors.StatusBadRequest)
	}

	sess.mu.Lock()
	expected := sess.expectedNonce
	sess.mu.Unlock()

	if !crypto.Compare(params.Nonce, expected) {
		metrics.KeyValidationResultsTotal.WithLabelValues("mismatch").Inc()
		return apperrors.Fail(apperrors.StatusUnauthorized)
	}

	conn.SetKeyValidated()
	sess.mu.Lock()
	sess.state = StateActive
	sess.mu.Unlock()
	metrics.KeyValidationResultsTotal.WithLabelValues("match").Inc()
	return apperrors.Ok(nil)
}

func (c *Core) handleSignOut(sess *session) *apperrors.Result {
	sess.mu.Lock()
	sessionID := sess.sessionID
	sess.mu.Unlock()

	if err := c.accounts.InvalidateSession(sessionID); err != nil {
		return apperrors.As(err)
	}

	sess.mu.Lock()
	sess.state = StateClosing
	sess.mu.Unlock()
	return apperrors.Ok(nil)
}

type updateUserParams struct {
	Username            *string           `json:"username,omitempty"`
	Email               *string           `json:"email,omitempty"`
	Profile             map[string]string `json:"profile,omitempty"`
	PublicKey           []byte            `json:"publicKey,omitempty"`
	EncryptionSalt      []byte            `json:"encryptionSalt,omitempty"`
	DHSalt              []byte            `json:"dhSalt,omitempty"`
	HMACSalt            []byte            `json:"hmacSalt,omitempty"`
	PasswordToken       []byte            `json:"passwordToken,omitempty"`
	EncryptedSeedBackup []byte            `json:"encryptedSeedBackup,omitempty"`
}

func (c *Core) handleUpdateUser(conn *registry.Connection, sess *session, req wire.Request) *apperrors.Result {
	var params updateUserParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return apperrors.Fail(apperrors.StatusBadRequest)
	}

	user, err := c.accounts.GetUser(conn.UserID)
	if err != nil {
		return apperrors.As(err)
	}

	if params.Username != nil {
		user.Username = *params.Username
	}
	if params.Email != nil {
		user.Email = *params.Email
	}
	if params.Profile != nil {
		user.Profile = params.Profile
	}
	if params.PublicKey != nil {
		user.PublicKey = params.PublicKey
	}
	if params.EncryptionSalt != nil {
		user.EncryptionSalt = params.EncryptionSalt
	}
	if params.DHSalt != nil {
		user.DHSalt = params.DHSalt
	}
	if params.HMACSalt != nil {
		user.HMACSalt = params.HMACSalt
	}
	if params.PasswordToken != nil {
		user.PasswordToken = params.PasswordToken
	}
	if params.EncryptedSeedBackup != nil {
		user.EncryptedSeedBackup = params.EncryptedSeedBackup
	}

	if err := c.accounts.UpdateUser(user); err != nil {
		return apperrors.As(err)
	}

	sess.mu.Lock()
	keepSessionID := sess.sessionID
	sess.mu.Unlock()
	c.revokeOtherSessions(conn, keepSessionID)

	return apperrors.Ok(nil)
}

// handleDeleteUser performs the soft half of delete immediately: it
// tombstones the user record and tears down the owned databases, then
// marks the user for the hard pass. The hard pass itself — removing the
// user record once every connection belonging to them has closed — runs
// from onClose, since this connection and any others revoked below are
// still open at the point this handler returns its response.
func (c *Core) handleDeleteUser(conn *registry.Connection, sess *session) *apperrors.Result {
	if err := c.accounts.TombstoneUser(conn.UserID); err != nil {
		return apperrors.As(err)
	}
	if err := c.accounts.DeleteUserDatabases(conn.UserID); err != nil {
		return apperrors.As(err)
	}

	c.mu.Lock()
	c.pendingHardDelete[conn.UserID] = true
	c.mu.Unlock()

	sess.mu.Lock()
	keepSessionID := sess.sessionID
	sess.state = StateClosing
	sess.mu.Unlock()
	c.revokeOtherSessions(conn, keepSessionID)

	return apperrors.Ok(nil)
}

// revokeOtherSessions invalidates every other live session for conn's user
// and pushes SessionRevoked to (then closes) the connections holding them.
func (c *Core) revokeOtherSessions(conn *registry.Connection, keepSessionID string) {
	revoked, err := c.accounts.InvalidateOtherSessions(conn.UserID, keepSessionID)
	if err != nil || len(revoked) == 0 {
		return
	}
	for _, other := range c.reg.ForUser(conn.UserID) {
		if other.ID == conn.ID {
			continue
		}
		_ = other.Send(wire.Push(wire.RouteSessionRevoked, nil))
		c.reg.Close(other, registry.CloseReasonSessionGone)
	}
}

type openDatabaseParams struct {
	NameHash          []byte  `json:"nameHash"`
	NewDatabaseParams []byte  `json:"newDatabaseParams,omitempty"`
	ReopenAtSeqNo     *uint64 `json:"reopenAtSeqNo,omitempty"`
}

type openDatabaseResponse struct {
	DBID        string              `json:"dbId"`
	BundleSeqNo uint64              `json:"bundleSeqNo,omitempty"`
	BundleBlob  []byte              `json:"bundleBlob,omitempty"`
	Records     []types.Transaction `json:"records"`
}

func (c *Core) handleOpenDatabase(conn *registry.Connection, req wire.Request) *apperrors.Result {
	var params openDatabaseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return apperrors.Fail(apperrors.StatusBadRequest)
	}

	db, err := c.accounts.GetOrCreateDatabase(conn.UserID, params.NameHash, params.NewDatabaseParams)
	if err != nil {
		return apperrors.As(err)
	}

	bundleSeqNo, bundleBlob, records, err := c.engine.Open(db.ID, params.ReopenAtSeqNo, func() {
		c.dispatcher.Subscribe(db.ID, conn)
	})
	if err != nil {
		return apperrors.As(err)
	}

	lastDelivered := bundleSeqNo
	if len(records) > 0 {
		lastDelivered = records[len(records)-1].SeqNo
	}
	conn.Subscribe(db.ID, &registry.Subscription{LastDeliveredSeq: lastDelivered, BundleEpoch: bundleSeqNo})

	return apperrors.Ok(openDatabaseResponse{
		DBID:        db.ID,
		BundleSeqNo: bundleSeqNo,
		BundleBlob:  bundleBlob,
		Records:     records,
	})
}

type mutationParams struct {
	DBID          string `json:"dbId"`
	ItemKey       []byte `json:"itemKey"`
	EncryptedItem []byte `json:"encryptedItem,omitempty"`
}

func (c *Core) handleMutation(conn *registry.Connection, req wire.Request) *apperrors.Result {
	var params mutationParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return apperrors.Fail(apperrors.StatusBadRequest)
	}

	var cmd types.Command
	switch req.Action {
	case wire.ActionInsert:
		cmd = types.CommandInsert
	case wire.ActionUpdate:
		cmd = types.CommandUpdate
	case wire.ActionDelete:
		cmd = types.CommandDelete
	}

	rec, err := c.engine.Append(params.DBID, cmd, params.ItemKey, params.EncryptedItem, conn.ID)
	if err != nil {
		return apperrors.As(err)
	}
	return apperrors.Ok(map[string]uint64{"seqNo": rec.SeqNo})
}

type batchItemParams struct {
	Command       types.Command `json:"command"`
	ItemKey       []byte        `json:"itemKey"`
	EncryptedItem []byte        `json:"encryptedItem,omitempty"`
}

type batchTransactionParams struct {
	DBID  string            `json:"dbId"`
	Items []batchItemParams `json:"items"`
}

func (c *Core) handleBatchTransaction(conn *registry.Connection, req wire.Request) *apperrors.Result {
	var params batchTransactionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return apperrors.Fail(apperrors.StatusBadRequest)
	}

	items := make([]types.BatchItem, len(params.Items))
	for i, p := range params.Items {
		items[i] = types.BatchItem{Command: p.Command, ItemKey: p.ItemKey, EncryptedItem: p.EncryptedItem}
	}

	recs, err := c.engine.AppendBatch(params.DBID, items, conn.ID)
	if err != nil {
		return apperrors.As(err)
	}
	seqNos := make([]uint64, len(recs))
	for i, rec := range recs {
		seqNos[i] = rec.SeqNo
	}
	return apperrors.Ok(map[string][]uint64{"seqNos": seqNos})
}

type bundleParams struct {
	DBID   string `json:"dbId"`
	SeqNo  uint64 `json:"seqNo"`
	Bundle []byte `json:"bundle"`
}

func (c *Core) handleBundle(req wire.Request) *apperrors.Result {
	var params bundleParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return apperrors.Fail(apperrors.StatusBadRequest)
	}
	if err := c.engine.PublishBundle(params.DBID, params.SeqNo, params.Bundle); err != nil {
		return apperrors.As(err)
	}
	_ = c.accounts.SaveDatabaseBundleMeta(params.DBID, params.SeqNo, params.Bundle)
	return apperrors.Ok(nil)
}

func (c *Core) handleGetPasswordSalts(conn *registry.Connection) *apperrors.Result {
	user, err := c.accounts.GetUser(conn.UserID)
	if err != nil {
		return apperrors.As(err)
	}
	return apperrors.Ok(user.Salts())
}

// RunHeartbeat runs the process-wide 30-second liveness sweep until ctx is
// cancelled: a connection that hasn't produced any inbound frame since the
// last tick is terminated; otherwise it is armed for the next tick and
// sent a Ping.
func (c *Core) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeatTick()
		}
	}
}

func (c *Core) heartbeatTick() {
	for _, conn := range c.reg.All() {
		if !conn.CheckAndResetAlive() {
			c.reg.Close(conn, registry.CloseReasonHeartbeat)
			continue
		}
		if err := conn.Send(wire.Push(wire.RoutePing, nil)); err != nil {
			c.reg.Close(conn, registry.CloseReasonClient)
		}
	}
}
