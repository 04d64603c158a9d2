package consensus

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// ComputeStakeModifier chains the kernel of a new block into the modifier
// of its predecessor.
func ComputeStakeModifier(prev *block.ChainedBlock, kernel types.Hash) types.Hash {
	if prev == nil {
		return types.Hash{}
	}
	m := StakeModifierOf(prev)
	return crypto.HashParts(kernel[:], m[:])
}

// StakeModifierChecksum commits to the predecessor checksum and the new
// block's parameters, so diverging modifier histories are detected early.
func StakeModifierChecksum(prev *block.ChainedBlock, pos *block.PosParams) uint32 {
	var prevSum uint32
	if prev != nil {
		if pp, ok := prev.Pos(); ok {
			prevSum = pp.Checksum
		}
	}
	buf := binary.LittleEndian.AppendUint32(nil, prevSum)
	buf = binary.LittleEndian.AppendUint32(buf, pos.Flags)
	buf = append(buf, pos.HashProof[:]...)
	buf = append(buf, pos.StakeModifier[:]...)
	h := crypto.Hash(buf)
	return binary.LittleEndian.Uint32(h[:4])
}

// EntropyBit is the low bit of the block hash.
func EntropyBit(hash types.Hash) uint8 {
	return hash[0] & 1
}

// BuildPosParams assembles the parameters of cb given its proof hash.
func BuildPosParams(prev *block.ChainedBlock, hash types.Hash, hashProof types.Hash, pos bool) block.PosParams {
	params := block.PosParams{
		HashProof:     hashProof,
		StakeModifier: ComputeStakeModifier(prev, hashProof),
		EntropyBit:    EntropyBit(hash),
		Flags:         block.FlagStakeModifier,
	}
	if pos {
		params.Flags |= block.FlagProofOfStake
	}
	if params.EntropyBit == 1 {
		params.Flags |= block.FlagStakeEntropy
	}
	params.Checksum = StakeModifierChecksum(prev, &params)
	return params
}

// GenesisPosParams returns the parameters of the genesis block.
func GenesisPosParams(hash types.Hash) block.PosParams {
	return BuildPosParams(nil, hash, hash, false)
}
