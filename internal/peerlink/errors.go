package peerlink

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

// Precondition faults, returned to callers of the public API
var (
	ErrNotRunning        = errors.New("stream comm not running")
	ErrNilMessage        = errors.New("nil message")
	ErrNilPeer           = errors.New("nil peer")
	ErrLocalPeer         = errors.New("cannot send to local peer")
	ErrNilHandler        = errors.New("nil message handler")
	ErrHandlerRegistered = errors.New("protocol already registered")
	ErrNoIdentityManager = errors.New("identity manager is required")
)

var (
	// ErrProtocol marks violations of the wire protocol by the remote side
	ErrProtocol = errors.New("protocol violation")

	// ErrIllegalState marks an out-of-sequence channel state transition
	ErrIllegalState = errors.New("illegal channel state")

	// ErrHungSend marks a write that did not complete within its deadline
	ErrHungSend = errors.New("hung sending")

	// ErrNotDialable is returned when originating to a peer with no address
	ErrNotDialable = errors.New("peer has no dialable address")
)

// isRetryable reports whether a failure to connect or handshake with a
// peer should leave its queued messages for another attempt. Failures of
// TLS peer verification are final.
func isRetryable(err error) bool {
	if err == nil {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return false
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return false
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		return false
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return false
	}
	var recordErr tls.RecordHeaderError
	return !errors.As(err, &recordErr)
}
