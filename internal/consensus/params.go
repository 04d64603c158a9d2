// Package consensus implements the proof-of-stake rules: block structure
// and signature checks, the difficulty retarget, the stake kernel, coin age
// and reward, and the stake modifier.
package consensus

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/Klingon-tech/klingnet-staker/config"
)

// Params are the protocol constants the rules are evaluated against.
type Params struct {
	TargetSpacing  int64
	TargetTimespan int64
	PowLimitBits   uint32
	PosLimitBits   uint32
	PowLimit       *big.Int
	PosLimit       *big.Int

	LastPoWBlock          uint64
	StakeMinAge           uint32
	StakeMaxAge           uint32
	StakeMinConfirmations uint64
	StakeTimestampMask    uint32
	CoinYearReward        uint64
	CoinbaseMaturity      uint64
	FutureDrift           uint32

	Coin uint64
	Cent uint64
}

// NewParams derives Params from the genesis rules.
func NewParams(g *config.Genesis) *Params {
	c := g.Protocol.Consensus
	return &Params{
		TargetSpacing:         int64(c.TargetSpacing),
		TargetTimespan:        int64(c.TargetTimespan),
		PowLimitBits:          c.PowLimitBits,
		PosLimitBits:          c.PosLimitBits,
		PowLimit:              blockchain.CompactToBig(c.PowLimitBits),
		PosLimit:              blockchain.CompactToBig(c.PosLimitBits),
		LastPoWBlock:          c.LastPoWBlock,
		StakeMinAge:           c.StakeMinAge,
		StakeMaxAge:           c.StakeMaxAge,
		StakeMinConfirmations: c.StakeMinConfirmations,
		StakeTimestampMask:    c.StakeTimestampMask,
		CoinYearReward:        c.CoinYearReward,
		CoinbaseMaturity:      c.CoinbaseMaturity,
		FutureDrift:           c.FutureDrift,
		Coin:                  config.Coin,
		Cent:                  config.Cent,
	}
}

// MaskTime rounds t down to the stake timestamp granularity.
func (p *Params) MaskTime(t uint32) uint32 {
	return t &^ p.StakeTimestampMask
}

// CheckStakeTime reports whether t is on the stake timestamp grid.
func (p *Params) CheckStakeTime(t uint32) bool {
	return t&p.StakeTimestampMask == 0
}
