package peerlink

import (
	"context"
	"fmt"
	"net"
)

// ChannelState is the state of one peer channel
type ChannelState int

const (
	StateNone ChannelState = iota
	StateInit
	StateConnecting
	StateDissociating
	StateConnectFail
	StateAccepted
	StateStarting
	StateOpen
	StateDrainInput
	StateDrainOutput
	StateNeedClose
	StateClosing
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateDissociating:
		return "DISSOCIATING"
	case StateConnectFail:
		return "CONNECT_FAIL"
	case StateAccepted:
		return "ACCEPTED"
	case StateStarting:
		return "STARTING"
	case StateOpen:
		return "OPEN"
	case StateDrainInput:
		return "DRAIN_INPUT"
	case StateDrainOutput:
		return "DRAIN_OUTPUT"
	case StateNeedClose:
		return "NEED_CLOSE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in status tables.
func (s ChannelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as written by MarshalText
func (s *ChannelState) UnmarshalText(text []byte) error {
	for st := StateNone; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown channel state %q", text)
}

// PeerIdentity identifies a remote participant.
// Identities are owned by an IdentityManager and are immutable.
type PeerIdentity interface {
	// ID returns the identity string exchanged in the handshake
	ID() string

	// Address returns the dialable host:port of the peer, or "" if the
	// peer cannot be reached by originating a connection
	Address() string
}

// IdentityManager parses and classifies peer identities.
type IdentityManager interface {
	// ParseIdentity returns the canonical identity for an identity string
	ParseIdentity(id string) (PeerIdentity, error)

	// IsLocal reports whether the identity is this node's own identity
	IsLocal(id PeerIdentity) bool

	// LocalIdentity returns this node's identity
	LocalIdentity() PeerIdentity
}

// SocketFactory creates the connections a transport runs over. Plain TCP,
// TLS and in-process test sockets are all provided this way.
type SocketFactory interface {
	// Dial opens a connection to address
	Dial(ctx context.Context, address string) (net.Conn, error)

	// Listen opens a listener on address
	Listen(ctx context.Context, address string) (net.Listener, error)
}

// MessageFactory allocates messages for incoming data frames.
type MessageFactory interface {
	// NewMessage returns an empty message with the given protocol tag.
	// sizeHint is the expected payload size, or -1 if unknown.
	NewMessage(protocol uint32, sizeHint int64) (*Message, error)
}

// MessageHandler receives messages for one protocol tag
type MessageHandler interface {
	HandleMessage(msg *Message)
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(msg *Message)

// HandleMessage calls f(msg)
func (f MessageHandlerFunc) HandleMessage(msg *Message) { f(msg) }

// StreamComm is the peer-to-peer stream transport
type StreamComm interface {
	// Start opens the listener and starts background work
	Start(ctx context.Context) error

	// Stop aborts all channels and waits for background work to finish
	Stop(ctx context.Context) error

	// SendTo queues msg for delivery to peer. Only precondition failures
	// are returned; transport failures are retried internally.
	SendTo(msg *Message, peer PeerIdentity) error

	// RegisterMessageHandler installs the handler for a protocol tag
	RegisterMessageHandler(protocol uint32, handler MessageHandler) error

	// UnregisterMessageHandler removes the handler for a protocol tag
	UnregisterMessageHandler(protocol uint32)

	// Channels returns a snapshot of all live channels
	Channels() []ChannelStatus

	// Peers returns a snapshot of all peer records
	Peers() []PeerStatus

	// Stats returns summary statistics
	Stats() CommStats
}
