package consensus

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// lastBlockOfKind walks back from cb to the most recent block whose kind
// matches pos. Genesis stops the walk.
func lastBlockOfKind(cb *block.ChainedBlock, pos bool) *block.ChainedBlock {
	for cb != nil && cb.Prev != nil && cb.IsProofOfStake() != pos {
		cb = cb.Prev
	}
	return cb
}

// ComputeNextTarget returns the compact target required of a block of the
// given kind built on prev. The retarget follows the continuous
// exponential moving adjustment:
//
//	new = old * ((interval-1)*spacing + 2*actual) / ((interval+1)*spacing)
//
// where actual is the spacing between the last two blocks of the same kind.
func ComputeNextTarget(prev *block.ChainedBlock, p *Params, pos bool) uint32 {
	limitBits, limit := p.PowLimitBits, p.PowLimit
	if pos {
		limitBits, limit = p.PosLimitBits, p.PosLimit
	}
	if prev == nil {
		return limitBits
	}

	last := lastBlockOfKind(prev, pos)
	if last.Prev == nil {
		return limitBits // first block
	}
	prevPrev := lastBlockOfKind(last.Prev, pos)
	if prevPrev.Prev == nil {
		return limitBits // second block
	}

	spacing := p.TargetSpacing
	actual := int64(last.Time()) - int64(prevPrev.Time())
	if actual < 0 {
		actual = spacing
	}
	if actual > spacing*10 {
		actual = spacing * 10
	}

	interval := p.TargetTimespan / spacing
	next := blockchain.CompactToBig(last.Header.Bits)
	next.Mul(next, big.NewInt((interval-1)*spacing+2*actual))
	next.Div(next, big.NewInt((interval+1)*spacing))

	if next.Sign() <= 0 || next.Cmp(limit) > 0 {
		return limitBits
	}
	return blockchain.BigToCompact(next)
}

// CheckProofOfWork reports whether hash, read as a big-endian integer,
// does not exceed the target encoded by bits.
func CheckProofOfWork(hash types.Hash, bits uint32) bool {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return false
	}
	return new(big.Int).SetBytes(hash[:]).Cmp(target) <= 0
}
