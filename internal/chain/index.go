package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-staker/internal/blockstore"
	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Listener receives blocks entering and leaving the validated active
// chain. Disconnects are delivered tip first, connects in height order.
type Listener interface {
	BlockConnected(b *block.Block, cb *block.ChainedBlock)
	BlockDisconnected(b *block.Block, cb *block.ChainedBlock)
}

// Index ties the header chain to stored bodies and the validator.
type Index struct {
	headers   *HeaderChain
	store     *blockstore.Store
	mode      *SyncMode
	validator *consensus.Validator

	mu          sync.Mutex // serializes ProcessBlock
	lastIndexed atomic.Pointer[block.ChainedBlock]

	lmu       sync.RWMutex
	listeners []Listener

	logger zerolog.Logger
}

// NewIndex composes an index. Call Init before processing blocks.
func NewIndex(headers *HeaderChain, store *blockstore.Store, p *consensus.Params, mode *SyncMode) (*Index, error) {
	if headers == nil {
		return nil, fmt.Errorf("header chain is required")
	}
	if store == nil {
		return nil, fmt.Errorf("block store is required")
	}
	if p == nil {
		return nil, fmt.Errorf("consensus params are required")
	}
	if mode == nil {
		mode = NewSyncMode()
	}
	idx := &Index{
		headers: headers,
		store:   store,
		mode:    mode,
		logger:  klog.WithComponent("index"),
	}
	idx.validator = consensus.NewValidator(p, idx, idx, idx)
	idx.lastIndexed.Store(headers.Genesis())
	return idx, nil
}

// Headers returns the header chain.
func (idx *Index) Headers() *HeaderChain { return idx.headers }

// Store returns the block body store.
func (idx *Index) Store() *blockstore.Store { return idx.store }

// Mode returns the sync mode flag.
func (idx *Index) Mode() *SyncMode { return idx.mode }

// Validator returns the block validator bound to this index.
func (idx *Index) Validator() *consensus.Validator { return idx.validator }

// AddListener registers l for connect and disconnect events.
func (idx *Index) AddListener(l Listener) {
	idx.lmu.Lock()
	idx.listeners = append(idx.listeners, l)
	idx.lmu.Unlock()
}

// Init stores genesis if needed, locates the indexed watermark, restores
// PoS parameters up to it and catches up the tx index.
func (idx *Index) Init(ctx context.Context, genesis *block.Block) error {
	g := idx.headers.Genesis()
	if genesis.Hash() != g.Hash {
		return fmt.Errorf("%w: block %s, chain %s", ErrGenesisMismatch, genesis.Hash().Short(), g.Hash.Short())
	}
	g.SetPosParams(consensus.GenesisPosParams(g.Hash))
	if !idx.store.Has(g.Hash) {
		pos, _ := g.Pos()
		if err := idx.store.Put(genesis, pos); err != nil {
			return fmt.Errorf("store genesis: %w", err)
		}
	}

	last := idx.store.FindLastContiguous(idx.headers)
	if hash, _, ok := idx.store.LastIndexed(); ok {
		if cb, ok := idx.headers.GetByHash(hash); ok && cb.Height < last.Height {
			last = cb
		}
	} else {
		// Without a watermark the bodies below may have gaps.
		for n := last; n.Prev != nil; n = n.Prev {
			if !idx.store.Has(n.Hash) {
				last = n.Prev
			}
		}
	}
	last = idx.extendContiguous(last)

	if err := idx.restorePos(ctx, last); err != nil {
		return err
	}
	if err := idx.store.SetLastIndexed(last.Hash, last.Height); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	if err := idx.store.TxIndex().CatchUp(ctx, idx.headers, idx.store); err != nil {
		return fmt.Errorf("tx index: %w", err)
	}
	idx.setLastIndexed(last)

	idx.logger.Info().
		Uint64("indexed", last.Height).
		Uint64("headers", idx.headers.Height()).
		Msg("Chain index ready")
	return nil
}

// restorePos fills PoS parameters along the active path up to last,
// re-validating blocks whose parameters were never stored.
func (idx *Index) restorePos(ctx context.Context, last *block.ChainedBlock) error {
	for h := uint64(1); h <= last.Height; h++ {
		if h%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		cb, _ := idx.headers.GetByHeight(h)
		if cb.HasPos() {
			continue
		}
		pos, ok, err := idx.store.GetPos(cb.Hash)
		if err != nil {
			return fmt.Errorf("load pos %d: %w", h, err)
		}
		if ok {
			cb.SetPosParams(*pos)
			continue
		}
		blk, err := idx.store.Get(cb.Hash)
		if err != nil {
			return fmt.Errorf("load block %d: %w", h, err)
		}
		if err := idx.validator.ValidateAndComputeStake(cb, blk); err != nil {
			return fmt.Errorf("revalidate block %d: %w", h, err)
		}
		p, _ := cb.Pos()
		if err := idx.store.UpdatePos(cb.Hash, *p); err != nil {
			return fmt.Errorf("store pos %d: %w", h, err)
		}
	}
	return nil
}

// LastIndexed returns the highest active block whose body and every
// ancestor body are stored.
func (idx *Index) LastIndexed() *block.ChainedBlock {
	return idx.lastIndexed.Load()
}

func (idx *Index) setLastIndexed(cb *block.ChainedBlock) {
	idx.lastIndexed.Store(cb)
	idx.headers.SetLastIndexed(cb)
}

// SetLastIndexed moves the watermark to cb and persists it.
func (idx *Index) SetLastIndexed(cb *block.ChainedBlock) error {
	if err := idx.store.SetLastIndexed(cb.Hash, cb.Height); err != nil {
		return err
	}
	idx.setLastIndexed(cb)
	return nil
}

// ProcessBlock validates blk, stores it and offers it as the new tip.
// A block already stored is accepted without work. A block whose parent
// is unknown or not yet validated fails with consensus.ErrOrphan.
func (idx *Index) ProcessBlock(ctx context.Context, blk *block.Block, peer string) (accepted, tipChanged bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	hash := blk.Hash()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.store.Has(hash) {
		return false, false, nil
	}

	_, headerKnown := idx.headers.lookup(hash)
	cb, err := idx.headers.Connect(blk.Header)
	switch {
	case errors.Is(err, ErrUnknownParent):
		return false, false, fmt.Errorf("%w: %w", consensus.ErrOrphan, err)
	case err != nil:
		return false, false, fmt.Errorf("%w: %w", consensus.ErrConsensus, err)
	}
	if prev := cb.Prev; prev != nil && !prev.HasPos() {
		pos, ok, err := idx.store.GetPos(prev.Hash)
		if err != nil {
			return false, false, fmt.Errorf("%w: %w", consensus.ErrFatal, err)
		}
		if !ok {
			return false, false, fmt.Errorf("%w: parent %s not validated", consensus.ErrOrphan, prev.Hash.Short())
		}
		prev.SetPosParams(*pos)
	}

	if err := idx.validator.ValidateAndComputeStake(cb, blk); err != nil {
		idx.logger.Debug().Err(err).Str("hash", hash.Short()).Str("peer", peer).Msg("Block rejected")
		if !headerKnown {
			idx.headers.Forget(hash)
		}
		return false, false, err
	}
	pos, _ := cb.Pos()
	if err := idx.store.Put(blk, pos); err != nil {
		return false, false, fmt.Errorf("%w: %w", consensus.ErrFatal, err)
	}

	tipChanged = idx.headers.SetLongestTip(cb)
	if err := idx.advance(); err != nil {
		return true, tipChanged, err
	}
	return true, tipChanged, nil
}

// advance recomputes the watermark against the current active path and
// emits events for the blocks that left or joined it.
func (idx *Index) advance() error {
	old := idx.lastIndexed.Load()
	tip := idx.headers.Tip()

	start := block.FindFork(old, tip)
	if start == nil {
		start = idx.headers.Genesis()
	}
	next := idx.extendContiguous(start)
	if next == old {
		return nil
	}
	if err := idx.SetLastIndexed(next); err != nil {
		return fmt.Errorf("%w: persist watermark: %w", consensus.ErrFatal, err)
	}

	fork := block.FindFork(old, next)
	idx.emit(old, next, fork)
	return nil
}

// extendContiguous walks the active path upward from cb while bodies
// are stored.
func (idx *Index) extendContiguous(cb *block.ChainedBlock) *block.ChainedBlock {
	for {
		n, ok := idx.headers.GetByHeight(cb.Height + 1)
		if !ok || !idx.store.Has(n.Hash) {
			return cb
		}
		cb = n
	}
}

func (idx *Index) emit(old, next, fork *block.ChainedBlock) {
	idx.lmu.RLock()
	listeners := idx.listeners
	idx.lmu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	for n := old; n != nil && n != fork; n = n.Prev {
		blk, err := idx.store.Get(n.Hash)
		if err != nil {
			idx.logger.Error().Err(err).Str("hash", n.Hash.Short()).Msg("Disconnect: body missing")
			continue
		}
		for _, l := range listeners {
			l.BlockDisconnected(blk, n)
		}
	}

	var path []*block.ChainedBlock
	for n := next; n != nil && n != fork; n = n.Prev {
		path = append(path, n)
	}
	for i := len(path) - 1; i >= 0; i-- {
		blk, err := idx.store.Get(path[i].Hash)
		if err != nil {
			idx.logger.Error().Err(err).Str("hash", path[i].Hash.Short()).Msg("Connect: body missing")
			continue
		}
		for _, l := range listeners {
			l.BlockConnected(blk, path[i])
		}
	}
}

// GetFullBlock returns a stored block body.
func (idx *Index) GetFullBlock(hash types.Hash) (*block.Block, error) {
	return idx.store.Get(hash)
}

// GetTransaction returns txid and the hash of the block holding it.
func (idx *Index) GetTransaction(txid types.Hash) (*tx.Transaction, types.Hash, error) {
	blockHash, ok, err := idx.store.TxIndex().Lookup(txid)
	if err != nil {
		return nil, types.Hash{}, err
	}
	if !ok {
		return nil, types.Hash{}, fmt.Errorf("transaction %s: %w", txid, blockstore.ErrNotFound)
	}
	blk, err := idx.store.Get(blockHash)
	if err != nil {
		return nil, types.Hash{}, err
	}
	for _, t := range blk.Transactions {
		if t.Hash() == txid {
			return t, blockHash, nil
		}
	}
	return nil, types.Hash{}, fmt.Errorf("transaction %s missing from block %s", txid, blockHash)
}

// GetByHeight implements consensus.HeaderReader.
func (idx *Index) GetByHeight(height uint64) (*block.ChainedBlock, bool) {
	return idx.headers.GetByHeight(height)
}

// FindAncestor implements consensus.HeaderReader.
func (idx *Index) FindAncestor(hash types.Hash) (*block.ChainedBlock, bool) {
	return idx.headers.FindAncestor(hash)
}

// Lookup implements consensus.TxLocator.
func (idx *Index) Lookup(txid types.Hash) (types.Hash, bool, error) {
	return idx.store.TxIndex().Lookup(txid)
}

// Get implements consensus.BlockGetter.
func (idx *Index) Get(hash types.Hash) (*block.Block, error) {
	return idx.store.Get(hash)
}
