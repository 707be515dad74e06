package integration

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/test/testhelpers"
)

// TestGracefulShutdownWithClients verifies that active TCP and WebSocket
// connections are closed during graceful shutdown
func TestGracefulShutdownWithClients(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)

	tcpClients := []*testhelpers.Client{
		testhelpers.Login(t, srv, server.RoleControl, "alice"),
		testhelpers.Login(t, srv, server.RoleScreen, "alice"),
		testhelpers.Login(t, srv, server.RoleGroupChat, "bob"),
		testhelpers.Login(t, srv, server.RoleGroupCall, "carol"),
	}
	wsClients := connectWebSocketClients(t, srv, 3)

	performGracefulShutdown(t, srv)

	for _, c := range tcpClients {
		c.ExpectClosed()
	}
	verifyWebSocketsDisconnected(t, wsClients)
}

func connectWebSocketClients(t *testing.T, srv *server.Server, n int) []*websocket.Conn {
	t.Helper()
	clients := make([]*websocket.Conn, n)
	for i := 0; i < n; i++ {
		conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(srv, "group_chat"))
		if err != nil {
			t.Fatalf("Failed to connect client %d: %v", i, err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		clients[i] = conn
	}
	return clients
}

// performGracefulShutdown initiates and waits for graceful shutdown to complete
func performGracefulShutdown(t *testing.T, srv *server.Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

// verifyWebSocketsDisconnected checks that all client connections are closed
func verifyWebSocketsDisconnected(t *testing.T, clients []*websocket.Conn) {
	t.Helper()
	for i, conn := range clients {
		_ = conn.SetReadDeadline(time.Now().Add(testhelpers.ReadTimeout))
		_, _, err := conn.ReadMessage()
		if err == nil {
			t.Errorf("Client %d still receiving after shutdown", i)
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.Errorf("Client %d was not disconnected", i)
		}
	}
}

// TestShutdownClosesListeners verifies that no new connections are accepted
func TestShutdownClosesListeners(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)
	addr := srv.Addr(server.RoleControl).String()
	httpAddr := srv.HTTPAddr().String()

	performGracefulShutdown(t, srv)

	for _, a := range []string{addr, httpAddr} {
		conn, err := net.DialTimeout("tcp", a, time.Second)
		if err == nil {
			_ = conn.Close()
			t.Errorf("Expected %s to refuse connections after shutdown", a)
		}
	}
	if srv.Addr(server.RoleControl) != nil {
		t.Error("Expected listener address to be cleared")
	}
}

// TestShutdownWithActiveMessages shuts down while messages are in flight
func TestShutdownWithActiveMessages(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)
	alice := testhelpers.Login(t, srv, server.RoleControl, "alice")
	bob := testhelpers.Login(t, srv, server.RoleControl, "bob")

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := bob.Next(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 15; i++ {
		alice.Send("DIRECT_MESSAGE:alice:bob:in flight")
	}
	performGracefulShutdown(t, srv)
	close(stop)

	select {
	case <-done:
	case <-time.After(testhelpers.ReadTimeout + time.Second):
		t.Fatal("Reader did not finish after shutdown")
	}
}

// TestConcurrentShutdown calls Shutdown from several goroutines
func TestConcurrentShutdown(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)
	testhelpers.Login(t, srv, server.RoleControl, "alice")

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs <- srv.Shutdown(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent shutdown failed: %v", err)
		}
	}
}

// TestNoClientsShutdown verifies that an idle server shuts down promptly
func TestNoClientsShutdown(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)

	start := time.Now()
	performGracefulShutdown(t, srv)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took too long: %v", elapsed)
	}
}
