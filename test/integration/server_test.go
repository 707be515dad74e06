package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/test/testhelpers"
)

// TestHealthEndpointIntegration tests the health endpoint on a started server
func TestHealthEndpointIntegration(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)

	for _, path := range []string{"/", "/healthz"} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, testhelpers.HTTPURL(srv)+path)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("Failed to read body: %v", err)
		}

		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "text/plain")
		if string(body) != "relaychat server is running!" {
			t.Errorf("Unexpected body for %s: %q", path, body)
		}
	}
}

// TestUnknownRoutes verifies that unregistered paths and methods are refused
func TestUnknownRoutes(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, testhelpers.HTTPURL(srv)+"/nonexistent")
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)

	resp = testhelpers.MakeRequest(t, http.MethodPost, testhelpers.HTTPURL(srv)+"/healthz")
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

// TestMetricsEndpointIntegration verifies that relay metrics are exported
func TestMetricsEndpointIntegration(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)
	testhelpers.Login(t, srv, server.RoleControl, "alice")

	resp := testhelpers.MakeRequest(t, http.MethodGet, testhelpers.HTTPURL(srv)+"/metrics")
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	for _, want := range []string{
		`relay_connections_total{role="control"} 1`,
		`relay_commands_total{role="control",tag="STATUS_ONLINE"} 1`,
		"relay_active_calls",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Metrics output missing %q", want)
		}
	}
}

// TestListenersBound verifies that every channel gets its own listener
func TestListenersBound(t *testing.T) {
	srv, _ := testhelpers.StartServer(t, nil)

	seen := make(map[string]bool)
	for _, role := range []server.Role{server.RoleControl, server.RoleScreen, server.RoleGroupChat, server.RoleGroupCall} {
		addr := srv.Addr(role)
		if addr == nil {
			t.Fatalf("No address for %s", role)
		}
		if seen[addr.String()] {
			t.Errorf("Address %s reused for %s", addr, role)
		}
		seen[addr.String()] = true
	}
	if srv.HTTPAddr() == nil {
		t.Fatal("No HTTP address")
	}
}

// TestCreateServer verifies the HTTP server timeouts
func TestCreateServer(t *testing.T) {
	mux := http.NewServeMux()
	srv := server.CreateServer(":8080", mux)

	if srv.Addr != ":8080" {
		t.Errorf("Expected server addr :8080, got %s", srv.Addr)
	}
	if srv.Handler != mux {
		t.Error("Server handler not set correctly")
	}
	if srv.ReadHeaderTimeout != 15*time.Second {
		t.Errorf("Expected ReadHeaderTimeout 15s, got %v", srv.ReadHeaderTimeout)
	}
	if srv.IdleTimeout != 60*time.Second {
		t.Errorf("Expected IdleTimeout 60s, got %v", srv.IdleTimeout)
	}
}

// TestStartFailsOnBusyPort verifies that Start reports a listen error
func TestStartFailsOnBusyPort(t *testing.T) {
	first, _ := testhelpers.StartServer(t, nil)

	cfg := server.NewConfig()
	cfg.Listen = server.ListenConfig{
		Control:   first.Addr(server.RoleControl).String(),
		Screen:    "127.0.0.1:0",
		GroupChat: "127.0.0.1:0",
		GroupCall: "127.0.0.1:0",
		HTTP:      "127.0.0.1:0",
	}
	second := server.New(*cfg, testhelpers.SeedStore())
	if err := second.Start(); err == nil {
		t.Fatal("Expected Start to fail on a busy port")
	}
}
