package consensus

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// StakeInput is a spent output together with the chain context the kernel
// and coin age are measured from.
type StakeInput struct {
	Output      tx.Output
	TxTime      uint32     // time of the transaction that created the output
	BlockHash   types.Hash // block containing that transaction
	BlockHeight uint64
	BlockTime   uint32
	Generated   bool // created by a coinbase or coinstake
}

// CoinSource resolves outpoints to stake inputs.
type CoinSource interface {
	StakeInput(op types.Outpoint) (*StakeInput, error)
}

// KernelHash computes the stake kernel for spending prevout at txTime.
func KernelHash(modifier types.Hash, blockFromTime, txPrevTime uint32, prevout types.Outpoint, txTime uint32) types.Hash {
	le := func(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
	return crypto.HashParts(
		modifier[:],
		le(blockFromTime),
		le(txPrevTime),
		prevout.TxID[:],
		le(prevout.Index),
		le(txTime),
	)
}

// CoinDayWeight returns value weighted by its capped age beyond the
// minimum, in coin-days.
func CoinDayWeight(p *Params, value uint64, txPrevTime, txTime uint32) *big.Int {
	age := int64(txTime) - int64(txPrevTime)
	if age > int64(p.StakeMaxAge) {
		age = int64(p.StakeMaxAge)
	}
	age -= int64(p.StakeMinAge)
	if age <= 0 {
		return new(big.Int)
	}
	w := new(big.Int).SetUint64(value)
	w.Mul(w, big.NewInt(age))
	w.Div(w, new(big.Int).SetUint64(p.Coin))
	w.Div(w, big.NewInt(24*60*60))
	return w
}

// StakeModifierOf returns the modifier recorded on cb, or zero when cb has
// no computed parameters.
func StakeModifierOf(cb *block.ChainedBlock) types.Hash {
	if cb == nil {
		return types.Hash{}
	}
	if pos, ok := cb.Pos(); ok {
		return pos.StakeModifier
	}
	return types.Hash{}
}

// CheckKernel tests the kernel for spending in at txTime on top of prev
// against bits. It returns the kernel hash and the weighted target.
func CheckKernel(p *Params, prev *block.ChainedBlock, bits uint32, in *StakeInput, prevout types.Outpoint, txTime uint32) (types.Hash, *big.Int, error) {
	if txTime < in.TxTime {
		return types.Hash{}, nil, rejected(fmt.Errorf("%w: tx %d < prev %d", ErrTimeViolation, txTime, in.TxTime))
	}
	if uint64(in.BlockTime)+uint64(p.StakeMinAge) > uint64(txTime) {
		return types.Hash{}, nil, rejected(fmt.Errorf("%w: block %d + %d > %d", ErrMinAge, in.BlockTime, p.StakeMinAge, txTime))
	}

	target := blockchain.CompactToBig(bits)
	target.Mul(target, CoinDayWeight(p, in.Output.Value, in.TxTime, txTime))

	kernel := KernelHash(StakeModifierOf(prev), in.BlockTime, in.TxTime, prevout, txTime)
	if new(big.Int).SetBytes(kernel[:]).Cmp(target) > 0 {
		return kernel, target, rejected(fmt.Errorf("%w: %s", ErrKernelTarget, kernel))
	}
	return kernel, target, nil
}

// CheckProofOfStake resolves the kernel input of coinstake and checks the
// kernel against bits. The input must sit on prev's branch.
func CheckProofOfStake(p *Params, prev *block.ChainedBlock, coinstake *tx.Transaction, bits uint32, src CoinSource) (types.Hash, *big.Int, error) {
	if coinstake == nil || !coinstake.IsCoinStake() {
		return types.Hash{}, nil, structural(ErrNotCoinStake)
	}
	prevout := coinstake.Inputs[0].PrevOut
	in, err := src.StakeInput(prevout)
	if err != nil {
		return types.Hash{}, nil, err
	}
	if in.BlockHeight > prev.Height {
		return types.Hash{}, nil, rejected(fmt.Errorf("%w: %s", ErrStakeWrongBranch, prevout))
	}
	return CheckKernel(p, prev, bits, in, prevout, coinstake.Time)
}
