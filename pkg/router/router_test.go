package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lockbase/pkg/accounts"
	"github.com/cuemby/lockbase/pkg/connection"
	"github.com/cuemby/lockbase/pkg/crypto"
	"github.com/cuemby/lockbase/pkg/dispatch"
	"github.com/cuemby/lockbase/pkg/registry"
	"github.com/cuemby/lockbase/pkg/storage"
	"github.com/cuemby/lockbase/pkg/txlog"
	"github.com/cuemby/lockbase/pkg/types"
	"github.com/cuemby/lockbase/pkg/wire"
)

func newTestRouter(t *testing.T) (*Router, *accounts.Store, *crypto.Suite) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	acc := accounts.New(s)
	reg := registry.New()
	d := dispatch.New(reg)
	engine := txlog.New(s, d)

	serverKey, err := crypto.GenerateServerKey()
	require.NoError(t, err)
	suite := crypto.NewSuite(serverKey)

	core := connection.New(reg, acc, engine, d, suite)
	return New(core, acc, suite), acc, suite
}

func TestPingReturnsHealthy(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Healthy", w.Body.String())
	require.Equal(t, hstsValue, w.Header().Get("Strict-Transport-Security"))
}

func TestServerPublicKeyReturnsSuiteKey(t *testing.T) {
	r, _, suite := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/api/auth/server-public-key", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, suite.ServerPublicKey(), w.Body.Bytes())
}

func TestGetPasswordSaltsRequiresUsername(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/api/auth/get-password-salts", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPasswordSaltsUnknownUserIsNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/api/auth/get-password-salts?username=ghost", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSignUpStubReturnsNotImplemented(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/api/auth/sign-up", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestUpgradeRejectsMissingSessionCredential(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/api/?clientId=c1", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpgradeRejectsMissingClientID(t *testing.T) {
	r, acc, _ := newTestRouter(t)
	user, err := acc.CreateUser(&types.User{AppID: "app1", Username: "alice", PublicKey: make([]byte, 32)})
	require.NoError(t, err)
	sess, err := acc.CreateSession(user.ID, "app1", types.RemClassSession)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/api/", nil)
	req.Header.Set("Authorization", "Bearer "+sess.ID)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpgradeSucceedsAndDeliversConnectionFrame(t *testing.T) {
	r, acc, suite := newTestRouter(t)
	user, err := acc.CreateUser(&types.User{AppID: "app1", Username: "bob", PublicKey: make([]byte, 32)})
	require.NoError(t, err)
	sess, err := acc.CreateSession(user.ID, "app1", types.RemClassSession)
	require.NoError(t, err)

	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/api/?clientId=device1"
	header := http.Header{"Authorization": []string{"Bearer " + sess.ID}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wire.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, wire.RouteConnection, env.Route)

	data, ok := env.Response.Data.(map[string]any)
	require.True(t, ok, "Connection frame data = %#v, want a JSON object", env.Response.Data)
	require.Contains(t, data, "encryptedValidationMessage")

	nonce, _, err := suite.DeriveValidationNonce(user.PublicKey)
	require.NoError(t, err)

	params, err := json.Marshal(map[string]any{"nonce": nonce})
	require.NoError(t, err)
	validate := wire.Request{RequestID: "r1", Action: wire.ActionValidateKey, Params: params}
	require.NoError(t, conn.WriteJSON(validate))

	var reply wire.Envelope
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "r1", reply.RequestID)
	require.Equal(t, 200, reply.Response.Status)
}

func TestOversizedFrameKeepsConnectionOpen(t *testing.T) {
	r, acc, suite := newTestRouter(t)
	user, err := acc.CreateUser(&types.User{AppID: "app1", Username: "dana", PublicKey: make([]byte, 32)})
	require.NoError(t, err)
	sess, err := acc.CreateSession(user.ID, "app1", types.RemClassSession)
	require.NoError(t, err)

	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/api/?clientId=device1"
	header := http.Header{"Authorization": []string{"Bearer " + sess.ID}}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connFrame wire.Envelope
	require.NoError(t, conn.ReadJSON(&connFrame))

	// A 500 KiB frame exceeds wire.MaxFrameBytes (400 KiB) but stays well
	// under wsReadLimit, so it reaches HandleFrame instead of killing the
	// socket outright.
	oversized := make([]byte, 500*1024)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, oversized))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "Message is too large", string(msg))

	nonce, _, err := suite.DeriveValidationNonce(user.PublicKey)
	require.NoError(t, err)
	params, err := json.Marshal(map[string]any{"nonce": nonce})
	require.NoError(t, err)
	validate := wire.Request{RequestID: "r1", Action: wire.ActionValidateKey, Params: params}
	require.NoError(t, conn.WriteJSON(validate))

	var reply wire.Envelope
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "r1", reply.RequestID)
	require.Equal(t, 200, reply.Response.Status)
}

func TestUpgradeRejectsUnknownSession(t *testing.T) {
	r, _, _ := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/api/?clientId=device1"
	header := http.Header{"Authorization": []string{"Bearer nonexistent-session"}}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}
