package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-staker/internal/storage"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// TxIndex maps transaction IDs to the hash of the block containing them.
// When a transaction appears in blocks on competing branches the last
// stored block wins.
type TxIndex struct {
	db storage.DB
}

func (ti *TxIndex) stage(b storage.Batch, blockHash types.Hash, blk *block.Block) error {
	for _, t := range blk.Transactions {
		if err := b.Put(hashKey(prefixTx, t.Hash()), blockHash[:]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the block holding txid.
func (ti *TxIndex) Lookup(txid types.Hash) (types.Hash, bool, error) {
	raw, err := ti.db.Get(hashKey(prefixTx, txid))
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, false, nil
	}
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("tx index lookup %s: %w", txid, err)
	}
	h, err := types.BytesToHash(raw)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("tx index entry %s: %w", txid, err)
	}
	return h, true, nil
}

// Watermark returns the last block whose transactions are known to be
// indexed.
func (ti *TxIndex) Watermark() (types.Hash, uint64, bool) {
	return readMarker(ti.db, keyTxWatermark)
}

func (ti *TxIndex) setWatermark(b storage.Batch, hash types.Hash, height uint64) error {
	return b.Put(keyTxWatermark, marker{height: height, hash: hash}.bytes())
}

// Reset drops every entry and the watermark. CatchUp rebuilds them.
func (ti *TxIndex) Reset() error {
	var keys [][]byte
	if err := ti.db.ForEach(prefixTx, func(k, _ []byte) error {
		keys = append(keys, k)
		return nil
	}); err != nil {
		return err
	}
	b := newBatch(ti.db)
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	if err := b.Delete(keyTxWatermark); err != nil {
		return err
	}
	return b.Commit()
}

// ActiveChain resolves heights on the active header path.
type ActiveChain interface {
	GetByHeight(height uint64) (*block.ChainedBlock, bool)
}

// CatchUp indexes the transactions of every block between the tx index
// watermark and the store's indexed-block watermark along the active
// chain.
func (ti *TxIndex) CatchUp(ctx context.Context, chain ActiveChain, s *Store) error {
	lastHash, lastHeight, ok := s.LastIndexed()
	if !ok {
		return nil
	}
	from := uint64(0)
	if wmHash, wmHeight, ok := ti.Watermark(); ok {
		if wmHeight >= lastHeight {
			return nil
		}
		// A watermark on a dead branch is rebuilt from its fork point.
		if cb, ok := chain.GetByHeight(wmHeight); ok && cb.Hash == wmHash {
			from = wmHeight + 1
		}
	}

	count := 0
	for h := from; h <= lastHeight; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cb, ok := chain.GetByHeight(h)
		if !ok {
			return fmt.Errorf("tx index catch-up: no header at height %d", h)
		}
		blk, err := s.Get(cb.Hash)
		if err != nil {
			return fmt.Errorf("tx index catch-up at %d: %w", h, err)
		}
		b := newBatch(ti.db)
		if err := ti.stage(b, cb.Hash, blk); err != nil {
			return err
		}
		if err := ti.setWatermark(b, cb.Hash, h); err != nil {
			return err
		}
		if err := b.Commit(); err != nil {
			return fmt.Errorf("tx index catch-up at %d: %w", h, err)
		}
		count++
	}
	if count > 0 {
		s.logger.Info().Int("blocks", count).Str("tip", lastHash.Short()).Msg("Transaction index caught up")
	}
	return nil
}
