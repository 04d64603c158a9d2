package staking

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-staker/config"
	"github.com/Klingon-tech/klingnet-staker/internal/blockstore"
	"github.com/Klingon-tech/klingnet-staker/internal/chain"
	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	"github.com/Klingon-tech/klingnet-staker/internal/p2p"
	"github.com/Klingon-tech/klingnet-staker/internal/storage"
	"github.com/Klingon-tech/klingnet-staker/internal/wallet"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const allocCoins = 1_000_000

type fakeNet struct {
	mu        sync.Mutex
	ready     int
	events    chan p2p.PeerEvent
	broadcast []*block.Block
}

func newFakeNet(ready int) *fakeNet {
	return &fakeNet{ready: ready, events: make(chan p2p.PeerEvent, 4)}
}

func (n *fakeNet) ReadyCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ready
}

func (n *fakeNet) SubscribePeers() <-chan p2p.PeerEvent { return n.events }

func (n *fakeNet) BroadcastBlock(b *block.Block) error {
	n.mu.Lock()
	n.broadcast = append(n.broadcast, b)
	n.mu.Unlock()
	return nil
}

func (n *fakeNet) setReady(v int) {
	n.mu.Lock()
	n.ready = v
	n.mu.Unlock()
}

func (n *fakeNet) broadcastCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.broadcast)
}

type stakeEnv struct {
	params  *consensus.Params
	genesis *block.Block
	idx     *chain.Index
	tracker *wallet.CoinTracker
	net     *fakeNet
	staker  *Staker
}

// newStakeEnv builds a chain whose genesis pays allocCoins to a wallet
// key, extends it with n proof-of-work blocks and starts a staker over it.
func newStakeEnv(t *testing.T, n int, cfg Config) *stakeEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.AddressFromPubKey(key.PublicKey())

	g := config.TestnetGenesis()
	g.Alloc = map[string]uint64{addr.Hex(): allocCoins * config.Coin}
	gb, err := block.Genesis(g)
	require.NoError(t, err)

	store, err := blockstore.Open(filepath.Join(t.TempDir(), "blocks"), storage.NewMemory(), blockstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	params := consensus.NewParams(g)
	idx, err := chain.NewIndex(chain.NewHeaderChain(gb.Header), store, params, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, idx.Init(ctx, gb))

	env := &stakeEnv{params: params, genesis: gb, idx: idx}
	for i := 0; i < n; i++ {
		accepted, _, err := idx.ProcessBlock(ctx, env.powBlock(), "")
		require.NoError(t, err)
		require.True(t, accepted)
	}

	env.tracker = wallet.NewCoinTracker(storage.NewMemory(), params)
	env.tracker.AddKey(key)
	require.NoError(t, env.tracker.Load())
	require.NoError(t, env.tracker.Rescan(ctx, idx))
	idx.AddListener(env.tracker)

	env.net = newFakeNet(1)
	if cfg.MinPeers == 0 {
		cfg.MinPeers = 1
	}
	if cfg.CombineThreshold == 0 {
		cfg.CombineThreshold = 100 * config.Coin
	}
	env.staker = New(idx, idx, env.tracker, env.net, cfg)
	env.staker.SetClock(env.clockAt(20000))
	return env
}

// powBlock mines a proof-of-work block on the indexed tip paying a
// foreign address.
func (e *stakeEnv) powBlock() *block.Block {
	prev := e.idx.LastIndexed()
	ts := prev.Time() + 64
	coinbase := tx.NewCoinbase(prev.Height+1, ts, 50*config.Coin, types.P2PKHScript(types.Address{3}))
	blk := block.NewBlock(&block.Header{
		Version:  1,
		PrevHash: prev.Hash,
		Time:     ts,
		Bits:     consensus.ComputeNextTarget(prev, e.params, false),
	}, []*tx.Transaction{coinbase})
	blk.UpdateMerkleRoot()
	for !consensus.CheckProofOfWork(blk.Hash(), blk.Header.Bits) {
		blk.Header.Nonce++
	}
	return blk
}

func (e *stakeEnv) clockAt(offset uint32) func() time.Time {
	at := time.Unix(int64(e.genesis.Header.Time+offset), 0)
	return func() time.Time { return at }
}

func TestStaker_AttemptStakesBlock(t *testing.T) {
	env := newStakeEnv(t, 10, Config{})
	ctx := context.Background()

	blk, err := env.staker.attempt(ctx)
	require.NoError(t, err)
	require.NotNil(t, blk)

	require.Equal(t, uint64(11), env.idx.LastIndexed().Height)
	require.Equal(t, blk.Hash(), env.idx.Headers().Tip().Hash)
	require.True(t, blk.IsProofOfStake())
	require.True(t, env.params.CheckStakeTime(blk.Header.Time))
	require.Equal(t, 1, env.net.broadcastCount())
	require.Equal(t, 1, env.staker.Mined().Len())

	// The whole allocation plus the reward comes back as two immature
	// pay-to-pubkey outputs.
	cs := blk.CoinStake()
	require.Len(t, cs.Outputs, 3)
	require.True(t, cs.Outputs[0].IsEmpty())
	total, err := cs.TotalOutputValue()
	require.NoError(t, err)
	require.Greater(t, total, uint64(allocCoins*config.Coin))

	bal := env.tracker.Balance()
	require.Zero(t, bal.Confirmed)
	require.Equal(t, total, bal.Immature)
	require.Zero(t, bal.Staking)
	for _, c := range env.tracker.Coins() {
		require.Equal(t, types.ScriptTypeP2PK, c.Script.Type)
	}
	require.True(t, env.staker.Mined().Claimed(cs.Inputs[0].PrevOut))
}

func TestStaker_OneBlockPerSlot(t *testing.T) {
	env := newStakeEnv(t, 10, Config{})
	ctx := context.Background()

	blk, err := env.staker.attempt(ctx)
	require.NoError(t, err)
	require.NotNil(t, blk)

	// Same clock on the new tip: the only slot is not after the tip.
	blk, err = env.staker.attempt(ctx)
	require.NoError(t, err)
	require.Nil(t, blk)
	require.Equal(t, uint64(11), env.idx.LastIndexed().Height)
}

func TestStaker_ReserveHoldsEverything(t *testing.T) {
	env := newStakeEnv(t, 10, Config{ReserveBalance: allocCoins * config.Coin})

	blk, err := env.staker.attempt(context.Background())
	require.NoError(t, err)
	require.Nil(t, blk)
	require.Equal(t, uint64(10), env.idx.LastIndexed().Height)
	require.Zero(t, env.net.broadcastCount())
}

func TestStaker_ShallowCoinsDoNotStake(t *testing.T) {
	env := newStakeEnv(t, 5, Config{})

	blk, err := env.staker.attempt(context.Background())
	require.NoError(t, err)
	require.Nil(t, blk)
	require.Equal(t, uint64(5), env.idx.LastIndexed().Height)
}

func TestStaker_WaitsForBodies(t *testing.T) {
	env := newStakeEnv(t, 10, Config{})
	ahead := env.powBlock()
	_, err := env.idx.Headers().AddHeaders([]*block.Header{ahead.Header})
	require.NoError(t, err)
	require.NotEqual(t, env.idx.Headers().Tip().Hash, env.idx.LastIndexed().Hash)

	blk, err := env.staker.attempt(context.Background())
	require.NoError(t, err)
	require.Nil(t, blk)
}

func TestStaker_NoSlotAfterTip(t *testing.T) {
	env := newStakeEnv(t, 10, Config{})
	// The tip is 640s past genesis; this leaves no slot after it.
	env.staker.SetClock(env.clockAt(650))

	blk, err := env.staker.attempt(context.Background())
	require.NoError(t, err)
	require.Nil(t, blk)
}

func TestStaker_RunWaitsForPeers(t *testing.T) {
	env := newStakeEnv(t, 10, Config{Interval: 20 * time.Millisecond, PeerWait: time.Hour})
	env.net.setReady(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.staker.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, uint64(10), env.idx.LastIndexed().Height)

	env.net.setReady(1)
	env.net.events <- p2p.PeerEvent{Connected: true}
	require.Eventually(t, func() bool {
		return env.idx.LastIndexed().Height == 11
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, env.net.broadcastCount())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("staker did not stop")
	}
}

func TestStaker_ReleaseOffPathBlocks(t *testing.T) {
	env := newStakeEnv(t, 10, Config{BuryDepth: 1})
	coins := env.tracker.SelectStakeableCoins(0, env.genesis.Header.Time+20000)
	require.Len(t, coins, 1)

	// A staked block that never joined the chain still holds its claim.
	key, ok := env.tracker.GetKey(coins[0].Address)
	require.True(t, ok)
	cs, used, err := buildCoinStake(env.params, coins[0], nil, env.genesis.Header.Time+4096, 0, key)
	require.NoError(t, err)
	orphan, err := assembleBlock(env.idx.Headers().Genesis(), env.params.PosLimitBits, cs, key)
	require.NoError(t, err)
	require.NoError(t, env.tracker.MarkSpent(used[0].Outpoint, cs.Hash()))
	env.staker.Mined().Add(orphan, 1)
	require.Empty(t, env.tracker.SelectStakeableCoins(0, env.genesis.Header.Time+20000))

	env.staker.release(env.staker.Mined().Prune(env.idx.LastIndexed().Height))
	require.Zero(t, env.staker.Mined().Len())
	require.Len(t, env.tracker.SelectStakeableCoins(0, env.genesis.Header.Time+20000), 1)
}
