package peerlink

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultRetryMax is the number of delivery retries a new message allows.
const DefaultRetryMax = 3

// Body is the storage behind a Message payload.
type Body interface {
	// Size returns the number of payload bytes written so far
	Size() int64

	// NewReader returns a reader positioned at the start of the payload
	NewReader() (io.ReadCloser, error)

	// NewWriter returns a writer that appends to the payload
	NewWriter() (io.WriteCloser, error)

	// Delete releases the storage. The body is unusable afterwards.
	Delete() error
}

// Message is one application message carried by a DATA frame.
//
// Protocol, Expiration, RetryInterval and RetryMax are set by the sender
// before the message is handed to the transport. The retry bookkeeping is
// maintained by the transport.
type Message struct {
	Protocol uint32

	// Expiration is the time after which the message is dropped rather
	// than retried. Zero means never.
	Expiration time.Time

	// RetryInterval is the preferred interval between delivery attempts.
	// Zero leaves the choice to the transport.
	RetryInterval time.Duration

	// RetryMax is the maximum number of delivery retries. A message with
	// RetryMax == 0 is never requeued after a failed attempt.
	RetryMax int

	body Body

	mu         sync.Mutex
	sender     PeerIdentity
	retryCount int
	lastRetry  time.Time
}

// NewMessage returns a message over body with the default retry policy
func NewMessage(protocol uint32, body Body) *Message {
	return &Message{
		Protocol: protocol,
		RetryMax: DefaultRetryMax,
		body:     body,
	}
}

// Body returns the payload storage
func (m *Message) Body() Body {
	return m.body
}

// Size returns the payload length
func (m *Message) Size() int64 {
	if m.body == nil {
		return 0
	}
	return m.body.Size()
}

// Sender returns the identity of the peer the message was received from
func (m *Message) Sender() PeerIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender
}

// SetSender records the peer a received message came from
func (m *Message) SetSender(id PeerIdentity) {
	m.mu.Lock()
	m.sender = id
	m.mu.Unlock()
}

// IsExpired reports whether the message expired at or before now
func (m *Message) IsExpired(now time.Time) bool {
	return !m.Expiration.IsZero() && !now.Before(m.Expiration)
}

// IsRequeueable reports whether a failed delivery attempt may be retried
func (m *Message) IsRequeueable() bool {
	return m.RetryMax > 0
}

// RetryCount returns the number of delivery retries so far
func (m *Message) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// IncrRetryCount records one more delivery retry
func (m *Message) IncrRetryCount() {
	m.mu.Lock()
	m.retryCount++
	m.mu.Unlock()
}

// LastRetry returns the time of the last delivery attempt
func (m *Message) LastRetry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRetry
}

// SetLastRetry records the time of a delivery attempt
func (m *Message) SetLastRetry(t time.Time) {
	m.mu.Lock()
	m.lastRetry = t
	m.mu.Unlock()
}

// Delete releases the payload storage
func (m *Message) Delete() error {
	if m.body == nil {
		return nil
	}
	return m.body.Delete()
}

// ReadAll returns the whole payload
func (m *Message) ReadAll() ([]byte, error) {
	if m.body == nil {
		return nil, nil
	}
	r, err := m.body.NewReader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (m *Message) String() string {
	return fmt.Sprintf("[Msg proto=%d size=%d retries=%d]", m.Protocol, m.Size(), m.RetryCount())
}
