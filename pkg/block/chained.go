package block

import (
	"math/big"
	"sync/atomic"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// PoS parameter flags.
const (
	FlagProofOfStake  uint32 = 1 << 0
	FlagStakeEntropy  uint32 = 1 << 1
	FlagStakeModifier uint32 = 1 << 2
)

// PosParams is the proof-of-stake record computed when a block is
// validated. Headers received from peers never carry it.
type PosParams struct {
	StakeModifier types.Hash `json:"stake_modifier"`
	Checksum      uint32     `json:"checksum"`
	Flags         uint32     `json:"flags"`
	HashProof     types.Hash `json:"hash_proof"`
	EntropyBit    uint8      `json:"entropy_bit"`
}

// IsProofOfStake reports whether the flags mark a staked block.
func (p *PosParams) IsProofOfStake() bool {
	return p.Flags&FlagProofOfStake != 0
}

// ChainedBlock is a header connected to the header tree. It is immutable
// once created apart from its PoS parameters, which are set at most once.
type ChainedBlock struct {
	Header    *Header
	Hash      types.Hash
	Height    uint64
	ChainWork *big.Int
	Prev      *ChainedBlock

	pos atomic.Pointer[PosParams]
}

// NewGenesisBlock roots a header tree at h.
func NewGenesisBlock(h *Header) *ChainedBlock {
	return &ChainedBlock{
		Header:    h,
		Hash:      h.Hash(),
		ChainWork: blockchain.CalcWork(h.Bits),
	}
}

// NewChainedBlock connects h on top of prev.
func NewChainedBlock(h *Header, prev *ChainedBlock) *ChainedBlock {
	work := new(big.Int).Add(prev.ChainWork, blockchain.CalcWork(h.Bits))
	return &ChainedBlock{
		Header:    h,
		Hash:      h.Hash(),
		Height:    prev.Height + 1,
		ChainWork: work,
		Prev:      prev,
	}
}

// Time returns the header timestamp.
func (cb *ChainedBlock) Time() uint32 {
	return cb.Header.Time
}

// Pos returns the PoS parameters if they have been computed.
func (cb *ChainedBlock) Pos() (*PosParams, bool) {
	p := cb.pos.Load()
	return p, p != nil
}

// HasPos reports whether PoS parameters are set.
func (cb *ChainedBlock) HasPos() bool {
	return cb.pos.Load() != nil
}

// SetPosParams stores p if no parameters are set yet. It returns false,
// leaving the existing value in place, on every later call.
func (cb *ChainedBlock) SetPosParams(p PosParams) bool {
	return cb.pos.CompareAndSwap(nil, &p)
}

// IsProofOfStake reports whether the block is known to be staked. Blocks
// whose parameters are not computed yet report false.
func (cb *ChainedBlock) IsProofOfStake() bool {
	p := cb.pos.Load()
	return p != nil && p.IsProofOfStake()
}

// GetAncestor returns the block at height on this block's branch.
func (cb *ChainedBlock) GetAncestor(height uint64) *ChainedBlock {
	if height > cb.Height {
		return nil
	}
	n := cb
	for n != nil && n.Height > height {
		n = n.Prev
	}
	return n
}

// FindAncestorOrSelf walks back from cb looking for hash.
func (cb *ChainedBlock) FindAncestorOrSelf(hash types.Hash) *ChainedBlock {
	for n := cb; n != nil; n = n.Prev {
		if n.Hash == hash {
			return n
		}
	}
	return nil
}

// FindFork returns the last block common to both branches.
func FindFork(a, b *ChainedBlock) *ChainedBlock {
	for a != nil && b != nil && a.Height > b.Height {
		a = a.Prev
	}
	for a != nil && b != nil && b.Height > a.Height {
		b = b.Prev
	}
	for a != nil && b != nil && a != b && a.Hash != b.Hash {
		a, b = a.Prev, b.Prev
	}
	if a == nil || b == nil {
		return nil
	}
	return a
}
