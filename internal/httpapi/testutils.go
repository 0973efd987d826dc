package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/streamcomm/internal/node"
	"github.com/rmacdonaldsmith/streamcomm/internal/peerlink"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Node   *node.Node
	Server *Server
	Auth   *JWTAuth
}

// NewTestServerSetup creates a started node on a free loopback port and an
// HTTP server in front of it
func NewTestServerSetup(t *testing.T) *TestServerSetup {
	t.Helper()

	n := NewTestNode(t)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}

	server := NewServer(n, Config{
		SecretKey: "test-secret-key",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if server == nil {
		t.Fatal("Expected server to be created, got nil")
	}

	return &TestServerSetup{
		Node:   n,
		Server: server,
		Auth:   server.jwtAuth,
	}
}

// NewTestNode creates an unstarted node listening on a free loopback port
func NewTestNode(t *testing.T) *node.Node {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	config := node.NewConfig(addr).WithPeerLinkConfig(&peerlink.Config{
		MinPeerRetryInterval: 200 * time.Millisecond,
		MaxPeerRetryInterval: 2 * time.Second,
		RetryDelay:           10 * time.Millisecond,
		WaitExit:             5 * time.Second,
	})
	n, err := node.NewNode(config, node.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

// Close cleans up test resources
func (setup *TestServerSetup) Close() {
	setup.Node.Close()
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(clientID, isAdmin)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}
