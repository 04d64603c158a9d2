package syncer

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	"github.com/Klingon-tech/klingnet-staker/internal/fetch"
	"github.com/Klingon-tech/klingnet-staker/internal/metrics"
	"github.com/Klingon-tech/klingnet-staker/internal/p2p"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
)

// Submit queues a block announced by a peer. It drops the block when the
// queue is full; the download window recovers anything missed.
func (s *Syncer) Submit(blk *block.Block, peer string) bool {
	select {
	case s.incoming <- fetch.Received{Block: blk, Peer: peer}:
		return true
	default:
		s.logger.Debug().Str("hash", blk.Hash().Short()).Msg("Incoming queue full, dropping block")
		return false
	}
}

// RunReceiver handles announced blocks until ctx is done. It returns
// only fatal errors.
func (s *Syncer) RunReceiver(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-s.incoming:
			if err := s.handleBlock(ctx, r.Block, r.Peer); err != nil {
				return err
			}
		}
	}
}

// handleBlock is the steady-state path for a single block: drop known
// and buffered blocks, buffer orphans, validate, then replay any orphans
// that were waiting on it.
func (s *Syncer) handleBlock(ctx context.Context, blk *block.Block, peer string) error {
	if blk == nil || blk.Header == nil {
		return nil
	}
	hash := blk.Hash()
	if s.idx.Store().Has(hash) || s.orphans.Has(hash) {
		return nil
	}
	if s.hc.IsInvalid(hash) || s.hc.IsInvalid(blk.Header.PrevHash) {
		metrics.BlockInvalid(consensus.KindConsensus.String())
		s.net.Penalize(peer, p2p.PenaltyInvalidBlock, "block on invalidated branch")
		return nil
	}

	accepted, tipChanged, err := s.idx.ProcessBlock(ctx, blk, peer)
	switch consensus.Classify(err) {
	case consensus.KindNone:
	case consensus.KindOrphan:
		return s.buffer(ctx, blk, peer)
	case consensus.KindStructural, consensus.KindConsensus:
		s.rejected(blk, peer, err)
		return nil
	case consensus.KindCanceled:
		return nil
	default:
		return fmt.Errorf("process block %s: %w", hash.Short(), err)
	}

	if !accepted {
		return nil
	}
	s.clearFailures(hash)
	metrics.BlockConnected()
	if tipChanged {
		s.logger.Info().
			Uint64("height", s.hc.Height()).
			Str("hash", hash.Short()).
			Str("peer", peer).
			Msg("New tip")
		if !s.idx.Mode().InDownload() {
			s.relay(blk)
		}
	}
	return s.replayOrphans(ctx, hash)
}
