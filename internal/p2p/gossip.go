package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-staker/pkg/block"
)

// joinBlocks installs the block validator and subscribes to block gossip.
func (n *Node) joinBlocks() error {
	if err := n.pubsub.RegisterTopicValidator(TopicBlocks, n.validateBlock); err != nil {
		return fmt.Errorf("register block validator: %w", err)
	}
	topic, err := n.pubsub.Join(TopicBlocks)
	if err != nil {
		return fmt.Errorf("join block topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe block: %w", err)
	}
	n.topicBlock, n.subBlock = topic, sub
	return nil
}

// validateBlock decodes a block announcement once. Undecodable messages
// are not forwarded and cost the sender ban score.
func (n *Node) validateBlock(_ context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	blk, err := decodeBlock(msg.Data)
	if err != nil {
		if n.BanManager != nil && from != n.host.ID() {
			n.BanManager.RecordOffense(from, PenaltyInvalidBlock, "undecodable block announcement")
		}
		return pubsub.ValidationReject
	}
	msg.ValidatorData = blk
	return pubsub.ValidationAccept
}

func decodeBlock(data []byte) (*block.Block, error) {
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, err
	}
	if blk.Header == nil || len(blk.Transactions) == 0 {
		return nil, fmt.Errorf("block without header or transactions")
	}
	return &blk, nil
}

// readBlocks hands validated announcements from other peers to the block
// handler until the node stops.
func (n *Node) readBlocks() {
	for {
		msg, err := n.subBlock.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		blk, ok := msg.ValidatorData.(*block.Block)
		if !ok {
			continue
		}
		n.addPeer(msg.ReceivedFrom)
		n.deliver(msg.ReceivedFrom, blk)
	}
}

// deliver runs the block handler; a panic in it must not end the read loop.
func (n *Node) deliver(from peer.ID, blk *block.Block) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Interface("panic", r).Str("peer", from.String()).Msg("Block handler panicked")
		}
	}()
	if n.blockHandler != nil {
		n.blockHandler(from, blk)
	}
}

// BroadcastBlock publishes a block to the gossip network.
func (n *Node) BroadcastBlock(b *block.Block) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	return n.topicBlock.Publish(n.ctx, data)
}
