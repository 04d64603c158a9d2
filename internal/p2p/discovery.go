package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// discoveryNotifee connects to peers found via mDNS.
type discoveryNotifee struct {
	node *Node
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() {
		return
	}
	if max := d.node.config.MaxPeers; max > 0 && d.node.PeerCount() >= max {
		return
	}

	ctx, cancel := context.WithTimeout(d.node.ctx, peerConnectTimeout)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err == nil {
		d.node.addPeer(pi.ID)
		d.node.setSource(pi.ID, "mdns")
	}
}
