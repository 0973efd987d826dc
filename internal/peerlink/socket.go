package peerlink

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// TCPSocketFactory dials and listens over TCP, optionally wrapping both
// directions in TLS. The TLS handshake runs later, on the channel's reader.
type TCPSocketFactory struct {
	// BindAddress is the local IP outgoing connections use. Empty lets
	// the system choose.
	BindAddress string

	// ClientTLS, when set, wraps dialed connections
	ClientTLS *tls.Config

	// ServerTLS, when set, wraps accepted connections
	ServerTLS *tls.Config
}

// Compile-time check
var _ peerlink.SocketFactory = (*TCPSocketFactory)(nil)

// Dial connects to address, a host:port
func (f *TCPSocketFactory) Dial(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{}
	if f.BindAddress != "" {
		ip := net.ParseIP(f.BindAddress)
		if ip == nil {
			addr, err := net.ResolveIPAddr("ip", f.BindAddress)
			if err != nil {
				return nil, err
			}
			ip = addr.IP
		}
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if f.ClientTLS == nil {
		return conn, nil
	}
	cfg := f.ClientTLS.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(address); err == nil {
			cfg.ServerName = host
		}
	}
	return tls.Client(conn, cfg), nil
}

// Listen opens a listener on address, a host:port
func (f *TCPSocketFactory) Listen(ctx context.Context, address string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if f.ServerTLS != nil {
		ln = tls.NewListener(ln, f.ServerTLS)
	}
	return ln, nil
}

// setupConn applies the configured TCP options to a new connection
func (m *Comm) setupConn(conn net.Conn) {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(!m.config.DisableTCPNoDelay); err != nil {
		m.log.Debug("set TCP_NODELAY failed", "error", err)
	}
	if err := tcp.SetKeepAlive(!m.config.DisableKeepAlive); err != nil {
		m.log.Debug("set SO_KEEPALIVE failed", "error", err)
	}
}
