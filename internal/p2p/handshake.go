package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const (
	handshakeTimeout  = 10 * time.Second
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between peers to verify compatibility.
type HandshakeMessage struct {
	ProtocolVersion uint32     `json:"protocol_version"`
	GenesisHash     types.Hash `json:"genesis_hash"`
	NetworkID       string     `json:"network_id"`
	BestHeight      uint64     `json:"best_height"`
}

// registerHandshakeHandler answers handshakes opened by dialing peers.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()
		remotePeer := stream.Conn().RemotePeer()
		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var peerMsg HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake read failed")
			return
		}
		// Mark the peer ready before answering so its first sync request
		// is never refused.
		if !n.finishHandshake(remotePeer, peerMsg) {
			return
		}
		ourMsg := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake write failed")
		}
	})
}

// doHandshake initiates a handshake with a remote peer (dialer side).
func (n *Node) doHandshake(peerID peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	defer cancel()

	stream, err := n.host.NewStream(ctx, peerID, HandshakeProtocol)
	if err != nil {
		n.logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake stream failed")
		return
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ourMsg := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
		n.logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake send failed")
		return
	}
	stream.CloseWrite()

	var peerMsg HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
		n.logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake response read failed")
		return
	}
	n.finishHandshake(peerID, peerMsg)
}

// finishHandshake bans an incompatible peer or marks it ready. It
// reports whether the peer was accepted.
func (n *Node) finishHandshake(id peer.ID, msg HandshakeMessage) bool {
	if reason := n.validateHandshake(msg); reason != "" {
		n.logger.Warn().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Msg("Handshake rejected, banning peer")
		if n.BanManager != nil {
			n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
		}
		n.DisconnectPeer(id)
		return false
	}
	n.markReady(id, msg.BestHeight)
	n.logger.Debug().Str("peer", shortID(id)).Uint64("height", msg.BestHeight).Msg("Handshake complete")
	return true
}

// validateHandshake returns an empty string for a compatible peer, or the
// reason it is not.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.GenesisHash != n.genesisHash {
		return fmt.Sprintf("genesis mismatch: peer=%s local=%s",
			msg.GenesisHash.Short(), n.genesisHash.Short())
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		GenesisHash:     n.genesisHash,
		NetworkID:       n.config.NetworkID,
	}
	if n.heightFn != nil {
		msg.BestHeight = n.heightFn()
	}
	return msg
}
