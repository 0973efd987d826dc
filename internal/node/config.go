package node

import (
	"errors"
	"fmt"
	"net"

	"github.com/rmacdonaldsmith/streamcomm/internal/peerlink"
	"github.com/rmacdonaldsmith/streamcomm/internal/inbox"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peermsg"
)

// DefaultProtocol is the inbox protocol when none is configured
const DefaultProtocol uint32 = 1

var (
	// ErrInvalidListenAddress is returned when the peer listen address is unusable
	ErrInvalidListenAddress = errors.New("listen address must be host:port")
	// ErrInvalidAdvertiseAddress is returned when the advertised address is unusable
	ErrInvalidAdvertiseAddress = errors.New("advertise address must be host:port with a specific host")
)

// Config represents configuration for a Node
type Config struct {
	// ListenAddress is where the peer transport accepts connections
	ListenAddress string

	// AdvertiseAddress is the host:port peers use to reach this node and
	// the basis of its identity. Defaults to ListenAddress.
	AdvertiseAddress string

	// GRPCAddress is where the gRPC health service listens. Empty disables it.
	GRPCAddress string

	// Protocols are the tags delivered to the inbox
	Protocols []uint32

	// InboxCapacity and InboxPreviewSize size the inbox
	InboxCapacity    int
	InboxPreviewSize int

	// Seeds are peers connected to at startup
	Seeds []string

	// Store configures where received payloads are kept
	Store peermsg.Config

	TLS TLSConfig

	// PeerLink configuration - will be passed to the transport
	PeerLinkConfig *peerlink.Config
}

// NewConfig creates a new Node configuration with safe defaults
func NewConfig(listenAddress string) *Config {
	return &Config{
		ListenAddress:    listenAddress,
		InboxCapacity:    inbox.DefaultCapacity,
		InboxPreviewSize: inbox.DefaultPreviewSize,
		Protocols:        []uint32{DefaultProtocol},
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidListenAddress, err)
	}
	host, _, err := net.SplitHostPort(c.advertise())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAdvertiseAddress, err)
	}
	if host == "" || net.ParseIP(host).IsUnspecified() {
		return ErrInvalidAdvertiseAddress
	}
	if c.InboxCapacity < 0 || c.InboxPreviewSize < 0 {
		return errors.New("inbox sizes cannot be negative")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid TLS config: %w", err)
	}

	// Validate PeerLink config if provided
	if c.PeerLinkConfig != nil {
		if err := c.PeerLinkConfig.Validate(); err != nil {
			return fmt.Errorf("invalid PeerLink config: %w", err)
		}
	}
	return nil
}

func (c *Config) advertise() string {
	if c.AdvertiseAddress != "" {
		return c.AdvertiseAddress
	}
	return c.ListenAddress
}

// WithAdvertiseAddress sets the address peers reach this node at
func (c *Config) WithAdvertiseAddress(addr string) *Config {
	c.AdvertiseAddress = addr
	return c
}

// WithGRPCAddress enables the gRPC health service
func (c *Config) WithGRPCAddress(addr string) *Config {
	c.GRPCAddress = addr
	return c
}

// WithProtocols sets the protocol tags delivered to the inbox
func (c *Config) WithProtocols(protocols ...uint32) *Config {
	c.Protocols = protocols
	return c
}

// WithSeeds sets the peers connected to at startup
func (c *Config) WithSeeds(seeds ...string) *Config {
	c.Seeds = seeds
	return c
}

// WithDataDir spools large received payloads to dir
func (c *Config) WithDataDir(dir string) *Config {
	c.Store.DataDir = dir
	return c
}

// WithTLS sets the TLS configuration
func (c *Config) WithTLS(t TLSConfig) *Config {
	c.TLS = t
	return c
}

// WithPeerLinkConfig sets the PeerLink configuration
func (c *Config) WithPeerLinkConfig(config *peerlink.Config) *Config {
	c.PeerLinkConfig = config
	return c
}
