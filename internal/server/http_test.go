package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	router := env.srv.SetupRoutes()

	for _, path := range []string{"/", "/healthz"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, "relaychat server is running!", rr.Body.String(), path)
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"), path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.metrics.CommandDropped("routing")

	rr := httptest.NewRecorder()
	env.srv.SetupRoutes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `relay_dropped_total{reason="routing"} 1`)
}

func TestWebSocketHandlerRejectsMethodsAndRoles(t *testing.T) {
	env := newTestEnv(t)
	router := env.srv.SetupRoutes()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(method, "/ws/control", http.NoBody))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, method)
		assert.Equal(t, "Method not allowed. WebSocket endpoint only accepts GET requests.",
			strings.TrimSpace(rr.Body.String()))
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/voice", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/control", http.NoBody))
	assert.Equal(t, http.StatusBadRequest, rr.Code, "GET without upgrade headers")
}

func dialWS(t *testing.T, hs *httptest.Server, role, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/" + role
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readWS(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(expectTimeout)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return mt, string(data)
}

func TestWebSocketControlSession(t *testing.T) {
	env := newTestEnv(t)
	hs := httptest.NewServer(env.srv.SetupRoutes())
	t.Cleanup(hs.Close)

	ws, resp, err := dialWS(t, hs, "control", "http://localhost:8080")
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("STATUS_ONLINE:alice")))
	require.Eventually(t, func() bool { return env.srv.presence.IsOnline("alice") }, expectTimeout, 5*time.Millisecond)

	// several commands in one message
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte("STATUS_REQUEST:alice:bob\nSTATUS_REQUEST:alice:carol")))
	_, line := readWS(t, ws)
	assert.Equal(t, "STATUS_RESPONSE:bob:offline", line)
	_, line = readWS(t, ws)
	assert.Equal(t, "STATUS_RESPONSE:carol:offline", line)

	// a TCP peer and the WebSocket client share one session table
	bob := env.login(t, RoleControl, "bob")
	_, line = readWS(t, ws)
	assert.Equal(t, "STATUS_UPDATE:bob:online", line)

	bob.send("DIRECT_MESSAGE:bob:alice:over the bridge")
	_, line = readWS(t, ws)
	assert.Equal(t, "bob: over the bridge", line)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("DIRECT_MESSAGE:alice:bob:hi back")))
	bob.expect("alice: hi back")
}

func TestWebSocketBinaryAudio(t *testing.T) {
	env := newTestEnv(t)
	hs := httptest.NewServer(env.srv.SetupRoutes())
	t.Cleanup(hs.Close)

	ws, resp, err := dialWS(t, hs, "control", "http://localhost:8080")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("STATUS_ONLINE:alice")))
	require.Eventually(t, func() bool { return env.srv.presence.IsOnline("alice") }, expectTimeout, 5*time.Millisecond)

	bob := env.login(t, RoleControl, "bob")
	_, line := readWS(t, ws)
	require.Equal(t, "STATUS_UPDATE:bob:online", line)

	ring := "CALL_SIGNAL:incoming_call:alice:bob:" + ts(0)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(ring)))
	bob.expect(ring)
	accept := "CALL_SIGNAL:call_accepted:bob:alice:" + ts(0)
	bob.send(accept)
	_, line = readWS(t, ws)
	require.Equal(t, accept, line)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{9, 8, 7}))
	bob.expectBinary([]byte{9, 8, 7})

	bob.sendBinary([]byte{1, 2})
	mt, payload := readWS(t, ws)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, string([]byte{1, 2}), payload)
}


func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t)
	hs := httptest.NewServer(env.srv.SetupRoutes())
	t.Cleanup(hs.Close)

	for _, origin := range []string{"http://evil.example", ""} {
		_, resp, err := dialWS(t, hs, "control", origin)
		require.ErrorIs(t, err, websocket.ErrBadHandshake, origin)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, origin)
		_ = resp.Body.Close()
	}
}

func TestSessionsHandler(t *testing.T) {
	env := newTestEnv(t)
	startActiveCall(t, env)
	chat := env.login(t, RoleGroupChat, "alice")
	chat.send("GROUP_JOIN:1")
	chat.expect("GROUP_JOINED:1")

	rr := httptest.NewRecorder()
	env.srv.SetupRoutes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/sessions", http.NoBody))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var sessions []SessionInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sessions))
	require.Len(t, sessions, 2)

	alice := sessions[0]
	assert.Equal(t, "alice", alice.User)
	assert.True(t, alice.Online)
	assert.Equal(t, []string{"control", "group_chat"}, alice.Channels)
	assert.Equal(t, "bob", alice.CallPartner)
	assert.Equal(t, "active", alice.CallState)
	assert.Equal(t, []int64{1}, alice.JoinedGroups)

	bob := sessions[1]
	assert.Equal(t, "bob", bob.User)
	assert.Equal(t, "alice", bob.CallPartner)
	assert.Equal(t, []string{"control"}, bob.Channels)
}
