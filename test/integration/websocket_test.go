package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/test/testhelpers"
)

func mustConnect(t *testing.T, srv *server.Server, role string) *websocket.Conn {
	t.Helper()
	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(srv, role))
	if err != nil {
		t.Fatalf("Failed to connect to /ws/%s: %v", role, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, line string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		t.Fatalf("Failed to send %q: %v", line, err)
	}
}

func expectText(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	for {
		line, err := testhelpers.ReadWebSocketLine(conn)
		if err != nil {
			t.Fatalf("Waiting for %q: %v", want, err)
		}
		if strings.HasPrefix(line, "STATUS_UPDATE:") && !strings.HasPrefix(want, "STATUS_UPDATE:") {
			continue
		}
		if line != want {
			t.Fatalf("Expected %q, got %q", want, line)
		}
		return
	}
}

// TestWebSocketEndpointPerRole verifies that every channel is reachable
// over WebSocket and unknown roles are refused
func TestWebSocketEndpointPerRole(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)

	chat := mustConnect(t, srv, "group_chat")
	sendText(t, chat, "GROUP_AUTH:alice")
	expectText(t, chat, "GROUP_AUTH_SUCCESS")

	call := mustConnect(t, srv, "group-call")
	sendText(t, call, "GROUP_CALL_AUTH:alice")
	expectText(t, call, "GROUP_CALL_AUTH_SUCCESS")

	ctl := mustConnect(t, srv, "control")
	sendText(t, ctl, "STATUS_ONLINE:bob")
	screen := mustConnect(t, srv, "screen")
	testhelpers.WaitFor(t, func() bool { return len(srv.Sessions()) == 2 })
	sendText(t, screen, "SCREEN_AUTH:bob")

	_, resp, err := websocket.DefaultDialer.Dial(testhelpers.WebSocketURL(srv, "voice"), http.Header{"Origin": {testhelpers.TestOrigin}})
	if err == nil {
		t.Fatal("Expected unknown role to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown role, got %v", resp)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
}

// TestWebSocketAndTCPInterop relays between a WebSocket client and a TCP
// client on the group chat channel
func TestWebSocketAndTCPInterop(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)

	ws := mustConnect(t, srv, "group_chat")
	sendText(t, ws, "GROUP_AUTH:alice")
	expectText(t, ws, "GROUP_AUTH_SUCCESS")
	sendText(t, ws, "GROUP_JOIN:1")
	expectText(t, ws, "GROUP_JOINED:1")

	tcp := testhelpers.Login(t, srv, server.RoleGroupChat, "bob")
	tcp.Send("GROUP_JOIN:1")
	tcp.Expect("GROUP_JOINED:1")

	tcp.Send("GROUP_MESSAGE:1:bob:from tcp")
	expectText(t, ws, "GROUP_MESSAGE:1:bob:from tcp")
	tcp.Expect("GROUP_MESSAGE:1:bob:from tcp")

	sendText(t, ws, "GROUP_MESSAGE:1:alice:from websocket")
	tcp.Expect("GROUP_MESSAGE:1:alice:from websocket")
	expectText(t, ws, "GROUP_MESSAGE:1:alice:from websocket")
}

// TestWebSocketConnectionLifecycle verifies that closing a WebSocket ends
// the session it carried
func TestWebSocketConnectionLifecycle(t *testing.T) {
	srv, mem := testhelpers.StartServer(t, nil)

	ws := mustConnect(t, srv, "control")
	sendText(t, ws, "STATUS_ONLINE:alice")
	testhelpers.WaitFor(t, func() bool { return mem.StatusOf("alice") == "online" })

	bob := testhelpers.Login(t, srv, server.RoleControl, "bob")
	expectText(t, ws, "STATUS_UPDATE:bob:online")

	if err := testhelpers.CloseWebSocket(ws); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	testhelpers.WaitFor(t, func() bool { return mem.StatusOf("alice") == "offline" })

	bob.Send("STATUS_REQUEST:bob:alice")
	bob.Expect("STATUS_RESPONSE:alice:offline")
}

// TestWebSocketPingKeepsConnectionAlive verifies the pong wait is refreshed
// by client pongs
func TestWebSocketPingKeepsConnectionAlive(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, func(cfg *server.Config) {
		cfg.Timeouts.Pong = 300 * time.Millisecond
	})

	ws := mustConnect(t, srv, "group_chat")
	// ReadMessage answers pings in the background.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(time.Second)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("GROUP_AUTH:alice")); err != nil {
		t.Fatalf("Connection dropped despite pongs: %v", err)
	}
	testhelpers.WaitFor(t, func() bool { return len(srv.Sessions()) == 1 })
}
