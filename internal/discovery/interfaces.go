package discovery

import (
	"context"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// Discovery defines the interface for peer discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns the identities of available peers
	FindPeers(ctx context.Context) ([]peerlink.PeerIdentity, error)
}
