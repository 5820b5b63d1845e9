// Package router is lockbase's request router: the net/http surface that
// authenticates an inbound connection, resolves its user/app/admin
// identity, and upgrades it to the WebSocket transport the connection core
// speaks. It also serves the small REST boundary around it — sign-up/
// sign-in are external-collaborator stubs, everything else (server
// public key, password salts, health, metrics) is real.
package router

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/lockbase/pkg/accounts"
	"github.com/cuemby/lockbase/pkg/apperrors"
	"github.com/cuemby/lockbase/pkg/connection"
	"github.com/cuemby/lockbase/pkg/crypto"
	"github.com/cuemby/lockbase/pkg/log"
	"github.com/cuemby/lockbase/pkg/metrics"
	"github.com/cuemby/lockbase/pkg/registry"
	"github.com/cuemby/lockbase/pkg/wire"
)

// hstsValue is the Strict-Transport-Security header required on every
// response: max-age of two years plus subdomains and preload.
const hstsValue = "max-age=63072000; includeSubDomains; preload"

// wsReadLimit bounds what gorilla/websocket will read off the wire before
// it gives up and kills the connection outright. It sits well above
// wire.MaxFrameBytes so an oversized-but-not-abusive frame reaches
// HandleFrame, which rejects it with a plain-text error and keeps the
// connection open; only a frame far beyond any legitimate size causes a
// hard disconnect.
const wsReadLimit = 4 * wire.MaxFrameBytes

// sessionCookieName is the cookie the upgrade endpoint looks for when no
// Authorization header is present.
const sessionCookieName = "lockbase_session"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The client SDK and the browser UI are served from the same origin
	// as lockbase in every deployment this router targets; a stricter
	// allow-list belongs to the admin collaborator's reverse proxy, not
	// here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router wires an http.ServeMux to the connection core.
type Router struct {
	mux      *http.ServeMux
	core     *connection.Core
	accounts *accounts.Store
	suite    *crypto.Suite
}

// New builds a Router and registers every route.
func New(core *connection.Core, acc *accounts.Store, suite *crypto.Suite) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		core:     core,
		accounts: acc,
		suite:    suite,
	}

	r.mux.HandleFunc("/v1/api/", r.handleUpgrade)
	r.mux.HandleFunc("/v1/api/auth/sign-up", r.handleSignUpStub)
	r.mux.HandleFunc("/v1/api/auth/sign-in", r.handleSignInStub)
	r.mux.HandleFunc("/v1/api/auth/sign-in-with-session", r.handleSignInStub)
	r.mux.HandleFunc("/v1/api/auth/server-public-key", r.handleServerPublicKey)
	r.mux.HandleFunc("/v1/api/auth/get-password-salts", r.handleGetPasswordSalts)
	r.mux.HandleFunc("/ping", r.handlePing)
	r.mux.Handle("/metrics", metrics.Handler())

	return r
}

// ServeHTTP implements http.Handler, adding the HSTS header to every
// response before delegating to the registered routes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Strict-Transport-Security", hstsValue)
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handlePing(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, _ = w.Write([]byte("Healthy"))
}

func (r *Router) handleServerPublicKey(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(r.suite.ServerPublicKey())
}

func (r *Router) handleGetPasswordSalts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	appID := req.URL.Query().Get("appId")
	username := req.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	user, err := r.accounts.GetUserByUsername(appID, username)
	if err != nil {
		status := http.StatusInternalServerError
		if res := apperrors.As(err); res.Status == apperrors.StatusNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, "not found", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(user.Salts())
}

// handleSignUpStub and handleSignInStub stand in for the external
// credential-exchange collaborator, out of scope for this repository:
// the real implementation lives outside this repository and is expected
// to call back into pkg/accounts directly (or via an internal RPC this
// router doesn't define) to create the user/session pair this router's
// upgrade handler then authenticates against.
func (r *Router) handleSignUpStub(w http.ResponseWriter, req *http.Request) {
	http.Error(w, "sign-up is handled by the external auth collaborator", http.StatusNotImplemented)
}

func (r *Router) handleSignInStub(w http.ResponseWriter, req *http.Request) {
	http.Error(w, "sign-in is handled by the external auth collaborator", http.StatusNotImplemented)
}

// handleUpgrade authenticates the request via a session credential (the
// lockbase_session cookie, or an Authorization: Bearer header), resolves
// the user and app, then upgrades to WebSocket and hands the new
// connection to the connection core's handshake.
func (r *Router) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/v1/api/" {
		http.NotFound(w, req)
		return
	}

	sessionID := bearerToken(req)
	if sessionID == "" {
		if c, err := req.Cookie(sessionCookieName); err == nil {
			sessionID = c.Value
		}
	}
	if sessionID == "" {
		http.Error(w, "missing session credential", http.StatusUnauthorized)
		return
	}

	sess, err := r.accounts.GetSession(sessionID)
	if err != nil || !sess.Valid() {
		http.Error(w, "invalid or expired session", http.StatusUnauthorized)
		return
	}

	user, err := r.accounts.GetUser(sess.UserID)
	if err != nil {
		http.Error(w, "invalid or expired session", http.StatusUnauthorized)
		return
	}

	clientID := req.URL.Query().Get("clientId")
	if clientID == "" {
		http.Error(w, "clientId is required", http.StatusBadRequest)
		return
	}
	adminID := req.URL.Query().Get("adminId")

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.WithUser(user.ID).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	transport := newWSTransport(conn)
	registered, err := r.core.Upgrade(user, sess.ID, user.AppID, clientID, adminID, transport)
	if err != nil {
		_ = conn.Close()
		return
	}

	transport.runReadLoop(registered, r.core)
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// wsTransport adapts a gorilla/websocket connection to registry.Transport.
// gorilla/websocket permits at most one concurrent writer per connection,
// so every write path serializes through mu.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(env wire.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) SendText(msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}

// runReadLoop pumps inbound frames to the connection core until the
// client disconnects or the core closes the connection. One goroutine per
// connection; there is no separate write goroutine since Send calls here
// are already synchronous and mutex-serialized.
func (t *wsTransport) runReadLoop(conn *registry.Connection, core *connection.Core) {
	t.conn.SetReadLimit(wsReadLimit)
	_ = t.conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	t.conn.SetPongHandler(func(string) error {
		_ = t.conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		return nil
	})

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			break
		}
		core.HandleFrame(conn, raw)
	}
}
