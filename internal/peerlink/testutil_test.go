package peerlink

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/streamcomm/internal/discovery"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peermsg"
)

const testProto uint32 = 42

type testNode struct {
	comm *Comm
	ids  *discovery.IdentityManager
	addr string
	rcvd chan *peerlink.Message
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr returns a loopback address nothing is listening on
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig keeps retries fast enough for tests
func testConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		MinPeerRetryInterval: 200 * time.Millisecond,
		MaxPeerRetryInterval: 2 * time.Second,
		RetryDelay:           10 * time.Millisecond,
		WaitExit:             5 * time.Second,
	}
}

// newTestNode creates a listening transport with a handler for testProto.
// It is not started.
func newTestNode(t *testing.T, cfg Config, opts ...Option) *testNode {
	t.Helper()
	addr := freeAddr(t)
	ids, err := discovery.NewIdentityManager(addr)
	require.NoError(t, err)
	cfg.ListenAddress = addr

	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	comm, err := NewComm(&cfg, ids, opts...)
	require.NoError(t, err)

	n := &testNode{comm: comm, ids: ids, addr: addr, rcvd: make(chan *peerlink.Message, 100)}
	require.NoError(t, comm.RegisterMessageHandler(testProto, peerlink.MessageHandlerFunc(func(msg *peerlink.Message) {
		n.rcvd <- msg
	})))
	t.Cleanup(func() { comm.Stop(context.Background()) })
	return n
}

func startTestNode(t *testing.T, cfg Config, opts ...Option) *testNode {
	t.Helper()
	n := newTestNode(t, cfg, opts...)
	require.NoError(t, n.comm.Start(context.Background()))
	return n
}

// peer returns other's identity as known to n
func (n *testNode) peer(t *testing.T, other *testNode) peerlink.PeerIdentity {
	t.Helper()
	id, err := n.ids.Lookup(other.addr)
	require.NoError(t, err)
	return id
}

func (n *testNode) send(t *testing.T, to peerlink.PeerIdentity, payload string) {
	t.Helper()
	require.NoError(t, n.comm.SendTo(peermsg.NewMemoryMessage(testProto, []byte(payload)), to))
}

// expect reads the next received message and checks its payload
func (n *testNode) expect(t *testing.T, want string) *peerlink.Message {
	t.Helper()
	select {
	case msg := <-n.rcvd:
		data, err := msg.ReadAll()
		require.NoError(t, err)
		require.Equal(t, want, string(data))
		return msg
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
		return nil
	}
}

func (n *testNode) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-n.rcvd:
		t.Fatalf("unexpected message of %d bytes", msg.Size())
	case <-time.After(d):
	}
}

func (n *testNode) peerStatus(t *testing.T, id string) peerlink.PeerStatus {
	t.Helper()
	for _, p := range n.comm.Peers() {
		if p.Peer == id {
			return p
		}
	}
	return peerlink.PeerStatus{}
}

// sinkListener accepts connections and never reads from them
type sinkListener struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func newSinkListener(t *testing.T) *sinkListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sinkListener{ln: ln}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
		}
	}()
	t.Cleanup(s.close)
	return s
}

func (s *sinkListener) addr() string { return s.ln.Addr().String() }

func (s *sinkListener) accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *sinkListener) close() {
	s.ln.Close()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

// gatedSockets holds every Dial until the gate is opened
type gatedSockets struct {
	TCPSocketFactory
	gate chan struct{}
}

func (g *gatedSockets) Dial(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.TCPSocketFactory.Dial(ctx, address)
}

// selfSignedCert returns a certificate for 127.0.0.1 and a pool trusting it
func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "streamcomm test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func tlsSockets(cert tls.Certificate, trust *x509.CertPool) *TCPSocketFactory {
	return &TCPSocketFactory{
		ClientTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      trust,
			MinVersion:   tls.VersionTLS12,
		},
		ServerTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientCAs:    trust,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	}
}
