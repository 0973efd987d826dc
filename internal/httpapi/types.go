package httpapi

import (
	"time"

	nodepkg "github.com/rmacdonaldsmith/streamcomm/pkg/node"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SendRequest represents a message send request. Payload is base64 in JSON.
// Durations use Go duration syntax such as "30s".
type SendRequest struct {
	Peer          string `json:"peer"`
	Protocol      uint32 `json:"protocol"`
	Payload       []byte `json:"payload"`
	ExpiresIn     string `json:"expiresIn,omitempty"`
	RetryInterval string `json:"retryInterval,omitempty"`
	RetryMax      int    `json:"retryMax,omitempty"`
}

// SendResponse represents an accepted send
type SendResponse struct {
	// ClientID is the authenticated client that queued the message
	ClientID string    `json:"clientId"`
	Peer     string    `json:"peer"`
	Protocol uint32    `json:"protocol"`
	Size     int       `json:"size"`
	QueuedAt time.Time `json:"queuedAt"`
}

// InboxResponse represents a page of received messages
type InboxResponse struct {
	Messages []nodepkg.ReceivedMessage `json:"messages"`
	Count    int                       `json:"count"`

	// NextSeq is the since value that continues after this page
	NextSeq int64 `json:"nextSeq"`
}

// ConnectRequest asks the node to open a channel to a peer
type ConnectRequest struct {
	Peer string `json:"peer"`
}

// ChannelsResponse represents the channel status table
type ChannelsResponse struct {
	Channels []peerlink.ChannelStatus `json:"channels"`
}

// PeersResponse represents the peer status table
type PeersResponse struct {
	Peers []peerlink.PeerStatus `json:"peers"`
}

// StatsResponse represents transport and inbox statistics
type StatsResponse = nodepkg.Stats

// HealthResponse represents health check response
type HealthResponse = nodepkg.HealthStatus

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
