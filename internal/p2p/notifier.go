package p2p

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier tracks connection lifecycle events via the network.Notifiee
// interface.
type connNotifier struct {
	node *Node
}

// Connected registers the peer and starts the handshake on outbound
// connections. Inbound handshakes arrive through the stream handler.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if remotePeer == cn.node.host.ID() {
		return
	}
	cn.node.addPeer(remotePeer)
	if !cn.node.handshakeEnabled {
		cn.node.markReady(remotePeer, 0)
		return
	}
	if conn.Stat().Direction == network.DirOutbound {
		go cn.node.doHandshake(remotePeer)
	}
}

// Disconnected removes the peer once its last connection closes.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if len(net.ConnsToPeer(remotePeer)) == 0 {
		cn.node.removePeer(remotePeer)
	}
}

// Listen is called when the node starts listening on a new address.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr) {}

// ListenClose is called when the node stops listening on an address.
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
