package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// TopicBlocks is the GossipSub topic for block announcements.
const TopicBlocks = "/klingnet-staker/block/1.0.0"

// Stream protocols.
const (
	HandshakeProtocol  = protocol.ID("/klingnet-staker/handshake/1.0.0")
	GetBlocksProtocol  = protocol.ID("/klingnet-staker/getblocks/1.0.0")
	GetHeadersProtocol = protocol.ID("/klingnet-staker/getheaders/1.0.0")
	TipProtocol        = protocol.ID("/klingnet-staker/tip/1.0.0")
)

const (
	// ProtocolVersion is advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the lowest version accepted from peers.
	MinProtocolVersion uint32 = 1
)

// Request limits.
const (
	MaxBlocksPerRequest  = 100
	MaxHeadersPerRequest = 2000
)
