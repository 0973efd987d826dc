package httpclient

import (
	"time"

	"github.com/rmacdonaldsmith/streamcomm/pkg/node"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the streamcomm HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// ClientID is the identifier for this client
	ClientID string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries bounds retries of GET requests that fail with a transport
	// error or a 502, 503 or 504 response
	MaxRetries int

	// RetryBackoff is the wait before the first retry; it grows linearly
	RetryBackoff time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SendOptions are optional delivery preferences for Send
type SendOptions struct {
	ExpiresIn     time.Duration
	RetryInterval time.Duration
	RetryMax      int
}

// SendRequest represents a message send request
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

// ReceivedMessage is one inbox record
type ReceivedMessage = node.ReceivedMessage

// InboxResponse represents a page of received messages
type InboxResponse struct {
	Messages []ReceivedMessage `json:"messages"`
	Count    int               `json:"count"`
	NextSeq  int64             `json:"nextSeq"`
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
type StatsResponse = node.Stats

// HealthResponse represents health check response
type HealthResponse = node.HealthStatus

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
