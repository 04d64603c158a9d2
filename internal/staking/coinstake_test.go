package staking

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-staker/config"
	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	"github.com/Klingon-tech/klingnet-staker/internal/wallet"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const coinTime uint32 = 1_000_000

func testParams() *consensus.Params {
	return consensus.NewParams(config.TestnetGenesis())
}

func testCoin(addr types.Address, seq byte, value uint64, blockTime uint32) wallet.Coin {
	return wallet.Coin{
		Outpoint:  types.Outpoint{TxID: types.Hash{seq}, Index: 0},
		Value:     value,
		Script:    types.P2PKHScript(addr),
		Address:   addr,
		Height:    1,
		BlockTime: blockTime,
		TxTime:    blockTime,
	}
}

func TestBuildCoinStake_CombinesSmallCoins(t *testing.T) {
	p := testParams()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.AddressFromPubKey(key.PublicKey())
	stakeTime := p.MaskTime(coinTime + 30*86400)

	kernel := testCoin(addr, 1, 10*config.Coin, coinTime)
	pool := []wallet.Coin{
		kernel,
		testCoin(addr, 2, 1*config.Coin, coinTime),
		testCoin(addr, 3, 2*config.Coin, coinTime),
		testCoin(types.Address{9}, 4, 1*config.Coin, coinTime),  // other owner
		testCoin(addr, 5, 200*config.Coin, coinTime),            // above threshold
		testCoin(addr, 6, 1*config.Coin, stakeTime-p.StakeMinAge+1), // too young
	}

	cs, used, err := buildCoinStake(p, kernel, pool, stakeTime, 100*config.Coin, key)
	require.NoError(t, err)
	require.Len(t, used, 3)
	require.Equal(t, kernel.Outpoint, cs.Inputs[0].PrevOut)
	require.True(t, cs.IsCoinStake())
	require.Equal(t, stakeTime, cs.Time)
	require.NoError(t, cs.Validate())
	require.NoError(t, cs.VerifySignatures())

	// One output back to the staking key, carrying inputs plus reward.
	require.Len(t, cs.Outputs, 2)
	require.Equal(t, types.P2PKScript(key.PublicKey()), cs.Outputs[1].Script)
	require.Greater(t, cs.Outputs[1].Value, uint64(13*config.Coin))
}

func TestBuildCoinStake_SplitsLargeCredit(t *testing.T) {
	p := testParams()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.AddressFromPubKey(key.PublicKey())
	stakeTime := p.MaskTime(coinTime + 86400)

	kernel := testCoin(addr, 1, 1000*config.Coin, coinTime)
	cs, used, err := buildCoinStake(p, kernel, nil, stakeTime, 100*config.Coin, key)
	require.NoError(t, err)
	require.Len(t, used, 1)
	require.Len(t, cs.Outputs, 3)

	first, second := cs.Outputs[1].Value, cs.Outputs[2].Value
	require.Zero(t, first%p.Cent)
	require.GreaterOrEqual(t, second, first)
	require.Greater(t, first+second, uint64(1000*config.Coin))
}

func TestBuildCoinStake_RewardWithinAllowance(t *testing.T) {
	p := testParams()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.AddressFromPubKey(key.PublicKey())
	stakeTime := p.MaskTime(coinTime + 90*86400)

	kernel := testCoin(addr, 1, 50*config.Coin, coinTime)
	cs, used, err := buildCoinStake(p, kernel, nil, stakeTime, 100*config.Coin, key)
	require.NoError(t, err)

	src := coinSource{used[0].Outpoint: stakeInput(used[0])}
	coinAge, err := consensus.GetCoinAge(p, cs, src)
	require.NoError(t, err)
	allowed, err := consensus.StakeReward(p, coinAge, 0)
	require.NoError(t, err)
	total, err := cs.TotalOutputValue()
	require.NoError(t, err)
	require.Equal(t, kernel.Value+allowed, total)
}

func TestAssembleBlock_Signed(t *testing.T) {
	p := testParams()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.AddressFromPubKey(key.PublicKey())
	stakeTime := p.MaskTime(coinTime + 86400)

	cs, _, err := buildCoinStake(p, testCoin(addr, 1, 10*config.Coin, coinTime), nil, stakeTime, 100*config.Coin, key)
	require.NoError(t, err)

	prev := block.NewGenesisBlock(&block.Header{Version: 1, Time: coinTime, Bits: p.PosLimitBits})
	blk, err := assembleBlock(prev, p.PosLimitBits, cs, key)
	require.NoError(t, err)
	require.Equal(t, prev.Hash, blk.Header.PrevHash)
	require.Equal(t, stakeTime, blk.Header.Time)
	require.True(t, blk.IsProofOfStake())
	require.NoError(t, consensus.CheckBlockStructural(blk))

	// Any change to the header breaks the block signature.
	blk.Header.Nonce++
	require.Error(t, consensus.CheckBlockStructural(blk))
}

func TestCoinSource_Unknown(t *testing.T) {
	_, err := coinSource{}.StakeInput(types.Outpoint{Index: 1})
	require.ErrorIs(t, err, consensus.ErrStakeNotFound)
}
