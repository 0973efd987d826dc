package discovery

import (
	"context"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// StaticDiscovery implements Discovery using a static list of seed peers
type StaticDiscovery struct {
	ids       *IdentityManager
	seedNodes []string
}

// NewStaticDiscovery creates a new static discovery service with the given
// seed peers, each an identity string or a host:port
func NewStaticDiscovery(ids *IdentityManager, seedNodes []string) *StaticDiscovery {
	return &StaticDiscovery{
		ids:       ids,
		seedNodes: seedNodes,
	}
}

// FindPeers returns the seed peers, skipping the local identity
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]peerlink.PeerIdentity, error) {
	peers := make([]peerlink.PeerIdentity, 0, len(s.seedNodes))
	for _, seed := range s.seedNodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := s.ids.Lookup(seed)
		if err != nil {
			return nil, err
		}
		if s.ids.IsLocal(id) {
			continue
		}
		peers = append(peers, id)
	}
	return peers, nil
}
