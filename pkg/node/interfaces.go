package node

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// Node is one participant in the peer network
type Node interface {
	io.Closer

	// Start starts the transport and, if configured, the health service,
	// then connects to the seed peers
	Start(ctx context.Context) error

	// Stop shuts the node down. Unsent messages are discarded.
	Stop(ctx context.Context) error

	// Send queues payload for peer, an identity string or host:port
	Send(ctx context.Context, peer string, protocol uint32, payload []byte, opts SendOptions) error

	// Connect opens a channel to peer ahead of any send
	Connect(ctx context.Context, peer string) (peerlink.ChannelStatus, error)

	// ReadInbox returns received messages with sequence at or above since.
	// A zero protocol matches all protocols.
	ReadInbox(ctx context.Context, since int64, protocol uint32, limit int) ([]ReceivedMessage, error)

	// GetLocalID returns the identity this node announces to peers
	GetLocalID() string

	GetChannels(ctx context.Context) []peerlink.ChannelStatus
	GetPeers(ctx context.Context) []peerlink.PeerStatus
	GetStats(ctx context.Context) Stats

	// GetHealth returns the overall health status of this node
	GetHealth(ctx context.Context) (HealthStatus, error)

	// Gatherer exposes the node's metrics registry
	Gatherer() prometheus.Gatherer
}

// SendOptions are per-message delivery preferences. Zero values take the
// transport defaults.
type SendOptions struct {
	// ExpiresIn drops the message if it isn't delivered in time
	ExpiresIn time.Duration

	// RetryInterval asks for retries at least this often
	RetryInterval time.Duration

	// RetryMax bounds the delivery attempts after the first failure.
	// Negative disables retries.
	RetryMax int
}

// ReceivedMessage describes one message delivered to the inbox
type ReceivedMessage struct {
	ID       string    `json:"id"`
	Seq      int64     `json:"seq"`
	Protocol uint32    `json:"protocol"`
	Sender   string    `json:"sender"`
	Size     int64     `json:"size"`
	Received time.Time `json:"received"`
	Preview  []byte    `json:"preview,omitempty"`
}

// Stats combines transport and inbox counts
type Stats struct {
	peerlink.CommStats
	InboxSize  int   `json:"inboxSize"`
	InboxTotal int64 `json:"inboxTotal"`
}

// HealthStatus represents the overall health of a node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool `json:"healthy"`

	// TransportRunning indicates the peer transport is accepting sends
	TransportRunning bool `json:"transportRunning"`

	LocalID      string `json:"localId"`
	Channels     int    `json:"channels"`
	Peers        int    `json:"peers"`
	PeersToRetry int    `json:"peersToRetry"`

	// Message provides additional health information
	Message string `json:"message"`
}
