package peerlink

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiters holds one token bucket per peer and direction. A zero limit
// disables limiting in that direction.
type rateLimiters struct {
	sendLimit    rate.Limit
	sendBurst    int
	receiveLimit rate.Limit
	receiveBurst int

	mu      sync.Mutex
	senders map[string]*rate.Limiter
	rcvrs   map[string]*rate.Limiter
}

func newRateLimiters(c *Config) *rateLimiters {
	return &rateLimiters{
		sendLimit:    rate.Limit(c.SendRateLimit),
		sendBurst:    burst(c.SendRateLimit, c.SendRateBurst),
		receiveLimit: rate.Limit(c.ReceiveRateLimit),
		receiveBurst: burst(c.ReceiveRateLimit, c.ReceiveRateBurst),
		senders:      make(map[string]*rate.Limiter),
		rcvrs:        make(map[string]*rate.Limiter),
	}
}

// burst defaults to one second's worth of messages, at least one
func burst(limit float64, b int) int {
	if b > 0 {
		return b
	}
	if limit >= 1 {
		return int(limit)
	}
	return 1
}

// sender returns the send limiter for peer, or nil if sends are unlimited
func (r *rateLimiters) sender(peer string) *rate.Limiter {
	if r.sendLimit == 0 {
		return nil
	}
	return r.get(r.senders, peer, r.sendLimit, r.sendBurst)
}

// receiver returns the receive limiter for peer, or nil if unlimited
func (r *rateLimiters) receiver(peer string) *rate.Limiter {
	if r.receiveLimit == 0 {
		return nil
	}
	return r.get(r.rcvrs, peer, r.receiveLimit, r.receiveBurst)
}

func (r *rateLimiters) get(m map[string]*rate.Limiter, peer string, limit rate.Limit, b int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := m[peer]
	if !ok {
		lim = rate.NewLimiter(limit, b)
		m[peer] = lim
	}
	return lim
}
