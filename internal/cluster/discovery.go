// Package cluster keeps this node in sync with its peers.
package cluster

import (
	"context"
	"strings"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/config"
)

// StaticDiscovery serves the peers listed in configuration, leaving out
// this node itself.
type StaticDiscovery struct {
	peers []catalyst.Peer
}

var _ catalyst.Discovery = (*StaticDiscovery)(nil)

// NewStaticDiscovery drops any peer whose id is selfID or whose address is
// selfURL.
func NewStaticDiscovery(peers []config.PeerConfig, selfID, selfURL string) *StaticDiscovery {
	selfURL = normalizeAddress(selfURL)
	d := &StaticDiscovery{}
	for _, p := range peers {
		addr := normalizeAddress(p.Address)
		if addr == "" || (selfID != "" && p.ID == selfID) || (selfURL != "" && addr == selfURL) {
			continue
		}
		d.peers = append(d.peers, catalyst.Peer{ID: p.ID, Address: addr, Owner: strings.ToLower(p.Owner)})
	}
	return d
}

func (d *StaticDiscovery) ListPeers(ctx context.Context) ([]catalyst.Peer, error) {
	out := make([]catalyst.Peer, len(d.peers))
	copy(out, d.peers)
	return out, nil
}

func normalizeAddress(addr string) string {
	return strings.TrimRight(strings.TrimSpace(addr), "/")
}
