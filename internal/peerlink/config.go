package peerlink

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values
const (
	DefaultMaxChannels           = 50
	DefaultConnectTimeout        = 2 * time.Minute
	DefaultHandshakeTimeout      = 5 * time.Minute
	DefaultChannelIdleTime       = 2 * time.Minute
	DefaultDrainInputTime        = 10 * time.Second
	DefaultSendWakeupTime        = 1 * time.Minute
	DefaultRetryBeforeExpiration = 1 * time.Minute
	DefaultMaxPeerRetryInterval  = 30 * time.Minute
	DefaultMinPeerRetryInterval  = 30 * time.Second
	DefaultRetryDelay            = 5 * time.Second
	DefaultMaxMessageSize        = 1024 * 1024 * 1024
	DefaultWaitExit              = 2 * time.Second
	DefaultReceiveWorkers        = 1
	DefaultReceiveQueueSize      = 1000

	// hungGrace is added to the idle time to get the hung-send threshold
	hungGrace = time.Second
)

// Config holds configuration for the stream transport.
// Zero values are replaced by defaults in SetDefaults.
type Config struct {
	// ListenAddress is the host:port to accept peer connections on.
	// Empty means no listener; the transport can only originate.
	ListenAddress string

	// BindAddress is the local IP outgoing connections are bound to
	BindAddress string

	// MaxChannels limits the number of primary channels
	MaxChannels int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	// DataTimeout bounds each socket read on an open channel. Zero disables.
	DataTimeout time.Duration

	// ChannelIdleTime is how long a channel may go without traffic before
	// it is half-closed
	ChannelIdleTime time.Duration

	// DrainInputTime is how long a half-closed channel waits for the peer
	// to close its side
	DrainInputTime time.Duration

	// SendWakeupTime is the longest the writer sleeps on an empty queue
	SendWakeupTime time.Duration

	RetryBeforeExpiration time.Duration
	MaxPeerRetryInterval  time.Duration
	MinPeerRetryInterval  time.Duration

	// RetryDelay separates consecutive successful retry originations
	RetryDelay time.Duration

	MaxMessageSize int64

	DisableBufferedSend bool
	DisableTCPNoDelay   bool
	DisableKeepAlive    bool

	// IgnoreUnknownOp skips frames with an unknown opcode instead of
	// aborting the channel
	IgnoreUnknownOp bool

	// WaitExit bounds how long Stop waits for goroutines to exit
	WaitExit time.Duration

	ReceiveWorkers   int
	ReceiveQueueSize int

	// Per-peer message rate limits in messages per second. Zero is unlimited.
	SendRateLimit    float64
	SendRateBurst    int
	ReceiveRateLimit float64
	ReceiveRateBurst int
}

var (
	ErrNegativeDuration = errors.New("durations cannot be negative")
	ErrNegativeSize     = errors.New("sizes and counts cannot be negative")
	ErrRetryBounds      = errors.New("min peer retry interval exceeds max peer retry interval")
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"connect timeout":         c.ConnectTimeout,
		"handshake timeout":       c.HandshakeTimeout,
		"data timeout":            c.DataTimeout,
		"channel idle time":       c.ChannelIdleTime,
		"drain input time":        c.DrainInputTime,
		"send wakeup time":        c.SendWakeupTime,
		"retry before expiration": c.RetryBeforeExpiration,
		"max peer retry interval": c.MaxPeerRetryInterval,
		"min peer retry interval": c.MinPeerRetryInterval,
		"retry delay":             c.RetryDelay,
		"wait exit":               c.WaitExit,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s: %w", name, ErrNegativeDuration)
		}
	}
	if c.MaxChannels < 0 || c.MaxMessageSize < 0 || c.ReceiveWorkers < 0 ||
		c.ReceiveQueueSize < 0 || c.SendRateBurst < 0 || c.ReceiveRateBurst < 0 ||
		c.SendRateLimit < 0 || c.ReceiveRateLimit < 0 {
		return ErrNegativeSize
	}
	if c.MaxPeerRetryInterval > 0 && c.MinPeerRetryInterval > c.MaxPeerRetryInterval {
		return ErrRetryBounds
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.MaxChannels == 0 {
		c.MaxChannels = DefaultMaxChannels
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ChannelIdleTime == 0 {
		c.ChannelIdleTime = DefaultChannelIdleTime
	}
	if c.DrainInputTime == 0 {
		c.DrainInputTime = DefaultDrainInputTime
	}
	if c.SendWakeupTime == 0 {
		c.SendWakeupTime = DefaultSendWakeupTime
	}
	if c.RetryBeforeExpiration == 0 {
		c.RetryBeforeExpiration = DefaultRetryBeforeExpiration
	}
	if c.MaxPeerRetryInterval == 0 {
		c.MaxPeerRetryInterval = DefaultMaxPeerRetryInterval
	}
	if c.MinPeerRetryInterval == 0 {
		c.MinPeerRetryInterval = DefaultMinPeerRetryInterval
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.WaitExit == 0 {
		c.WaitExit = DefaultWaitExit
	}
	if c.ReceiveWorkers == 0 {
		c.ReceiveWorkers = DefaultReceiveWorkers
	}
	if c.ReceiveQueueSize == 0 {
		c.ReceiveQueueSize = DefaultReceiveQueueSize
	}
}

// ChannelHungTime is the inactivity after which a channel with unsent
// messages is considered hung
func (c *Config) ChannelHungTime() time.Duration {
	return c.ChannelIdleTime + hungGrace
}

func (c *Config) retryPolicy() retryPolicy {
	return retryPolicy{
		beforeExpiration: c.RetryBeforeExpiration,
		minInterval:      c.MinPeerRetryInterval,
		maxInterval:      c.MaxPeerRetryInterval,
	}
}
