package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "dht", "mdns", "seed", "gossip"

	// Ready is set once the handshake succeeded, or on connect when the
	// handshake is disabled. Only ready peers serve sync requests.
	Ready      bool
	BestHeight uint64
}

// PeerEvent reports a peer becoming ready or going away.
type PeerEvent struct {
	ID        peer.ID
	Connected bool
}
