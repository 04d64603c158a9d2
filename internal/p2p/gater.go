package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// gater keeps banned peers out in both directions and refuses new
// inbound peers once MaxPeers is reached.
type gater struct {
	node *Node
}

func (g *gater) banned(p peer.ID) bool {
	return g.node.BanManager != nil && g.node.BanManager.IsBanned(p)
}

func (g *gater) full(p peer.ID) bool {
	max := g.node.config.MaxPeers
	if max <= 0 {
		return false
	}
	g.node.mu.RLock()
	_, known := g.node.peers[p]
	n := len(g.node.peers)
	g.node.mu.RUnlock()
	return !known && n >= max
}

func (g *gater) InterceptPeerDial(p peer.ID) bool { return !g.banned(p) }

func (g *gater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool { return true }

// Peer identity is unknown before the security handshake.
func (g *gater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

func (g *gater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.banned(p) {
		return false
	}
	return dir != network.DirInbound || !g.full(p)
}

func (g *gater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
