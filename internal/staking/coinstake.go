package staking

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	"github.com/Klingon-tech/klingnet-staker/internal/wallet"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// maxStakeInputs caps the inputs of one coinstake, kernel included.
const maxStakeInputs = 100

// coinSource resolves outpoints from wallet coins.
type coinSource map[types.Outpoint]*consensus.StakeInput

func (s coinSource) StakeInput(op types.Outpoint) (*consensus.StakeInput, error) {
	in, ok := s[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s", consensus.ErrStakeNotFound, op)
	}
	return in, nil
}

func stakeInput(c wallet.Coin) *consensus.StakeInput {
	return &consensus.StakeInput{
		Output:      tx.Output{Value: c.Value, Script: c.Script},
		TxTime:      c.TxTime,
		BlockHeight: c.Height,
		BlockTime:   c.BlockTime,
		Generated:   c.Generated,
	}
}

// spendableAt reports whether c may be an input of a coinstake at t.
func spendableAt(p *consensus.Params, c wallet.Coin, t uint32) bool {
	return c.TxTime <= t && uint64(c.BlockTime)+uint64(p.StakeMinAge) <= uint64(t)
}

// buildCoinStake spends kernel, plus small coins of the same address from
// pool, back to key at time t. The credit is the inputs plus the coin age
// reward, split in two when it reaches twice combine. It returns the
// signed transaction and the coins it spends.
func buildCoinStake(p *consensus.Params, kernel wallet.Coin, pool []wallet.Coin, t uint32, combine uint64, key *crypto.PrivateKey) (*tx.Transaction, []wallet.Coin, error) {
	used := []wallet.Coin{kernel}
	total := kernel.Value
	for _, c := range pool {
		if len(used) >= maxStakeInputs || total >= combine {
			break
		}
		if c.Outpoint == kernel.Outpoint || c.Address != kernel.Address {
			continue
		}
		if c.Value >= combine || !spendableAt(p, c, t) {
			continue
		}
		used = append(used, c)
		total += c.Value
	}

	b := tx.NewBuilder().SetTime(t)
	src := make(coinSource, len(used))
	for _, c := range used {
		b.AddInput(c.Outpoint)
		src[c.Outpoint] = stakeInput(c)
	}
	coinAge, err := consensus.GetCoinAge(p, b.Build(), src)
	if err != nil {
		return nil, nil, fmt.Errorf("coin age: %w", err)
	}
	reward, err := consensus.StakeReward(p, coinAge, 0)
	if err != nil {
		return nil, nil, err
	}
	credit := total + reward

	script := types.P2PKScript(key.PublicKey())
	b.AddEmptyOutput()
	if combine > 0 && credit >= 2*combine {
		first := credit / 2 / p.Cent * p.Cent
		b.AddOutput(first, script).AddOutput(credit-first, script)
	} else {
		b.AddOutput(credit, script)
	}
	if err := b.Sign(key); err != nil {
		return nil, nil, err
	}
	return b.Build(), used, nil
}

// assembleBlock wraps coinstake in a staked block on prev and signs it
// with key.
func assembleBlock(prev *block.ChainedBlock, bits uint32, coinstake *tx.Transaction, key *crypto.PrivateKey) (*block.Block, error) {
	t := coinstake.Time
	coinbase := tx.NewCoinbase(prev.Height+1, t, 0, types.Script{})
	blk := block.NewBlock(&block.Header{
		Version:  block.CurrentVersion,
		PrevHash: prev.Hash,
		Time:     t,
		Bits:     bits,
	}, []*tx.Transaction{coinbase, coinstake})
	blk.UpdateMerkleRoot()

	hash := blk.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign block: %w", err)
	}
	blk.Signature = sig
	return blk, nil
}
