package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// Identity strings have the form TCP:[host]:port
const (
	identityPrefix = "TCP:["
	identitySep    = "]:"
)

// ErrMalformedIdentity is returned for identity strings that don't parse
var ErrMalformedIdentity = errors.New("malformed peer identity")

// Identity is a TCP-reachable peer
type Identity struct {
	key  string
	host string
	port int
}

func (i *Identity) ID() string      { return i.key }
func (i *Identity) Address() string { return net.JoinHostPort(i.host, strconv.Itoa(i.port)) }
func (i *Identity) String() string  { return i.key }

// FormatIdentity returns the identity string for host and port
func FormatIdentity(host string, port int) string {
	return identityPrefix + strings.ToLower(host) + identitySep + strconv.Itoa(port)
}

// IdentityManager hands out one canonical Identity per identity string
type IdentityManager struct {
	mu    sync.Mutex
	ids   map[string]*Identity
	local *Identity
}

// Compile-time check
var _ peerlink.IdentityManager = (*IdentityManager)(nil)

// NewIdentityManager returns a manager whose local identity is localAddr,
// either an identity string or a host:port
func NewIdentityManager(localAddr string) (*IdentityManager, error) {
	m := &IdentityManager{ids: make(map[string]*Identity)}
	local, err := m.Lookup(localAddr)
	if err != nil {
		return nil, fmt.Errorf("local identity: %w", err)
	}
	m.local = local
	return m, nil
}

// ParseIdentity returns the canonical identity for an identity string
func (m *IdentityManager) ParseIdentity(key string) (peerlink.PeerIdentity, error) {
	id, err := m.parse(key)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// Lookup accepts either an identity string or a plain host:port
func (m *IdentityManager) Lookup(s string) (*Identity, error) {
	if strings.HasPrefix(s, identityPrefix) {
		return m.parse(s)
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedIdentity, s, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedIdentity, s, err)
	}
	return m.intern(host, port)
}

func (m *IdentityManager) parse(key string) (*Identity, error) {
	rest, ok := strings.CutPrefix(key, identityPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q: must start with %s", ErrMalformedIdentity, key, identityPrefix)
	}
	i := strings.LastIndex(rest, identitySep)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q: missing port", ErrMalformedIdentity, key)
	}
	port, err := parsePort(rest[i+len(identitySep):])
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedIdentity, key, err)
	}
	return m.intern(rest[:i], port)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func (m *IdentityManager) intern(host string, port int) (*Identity, error) {
	if host == "" || strings.ContainsAny(host, "[] ") {
		return nil, fmt.Errorf("%w: bad host %q", ErrMalformedIdentity, host)
	}
	key := FormatIdentity(host, port)
	if len(key) > 100 {
		return nil, fmt.Errorf("%w: identity too long", ErrMalformedIdentity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[key]; ok {
		return id, nil
	}
	id := &Identity{key: key, host: strings.ToLower(host), port: port}
	m.ids[key] = id
	return id, nil
}

// IsLocal reports whether id is this node's identity
func (m *IdentityManager) IsLocal(id peerlink.PeerIdentity) bool {
	return id != nil && id.ID() == m.local.key
}

// LocalIdentity returns this node's identity
func (m *IdentityManager) LocalIdentity() peerlink.PeerIdentity {
	return m.local
}

// Known returns the number of distinct identities seen
func (m *IdentityManager) Known() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
