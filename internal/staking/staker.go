// Package staking searches for stake kernels over the wallet's coins and
// submits the blocks it finds.
package staking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-staker/internal/chain"
	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/metrics"
	"github.com/Klingon-tech/klingnet-staker/internal/p2p"
	"github.com/Klingon-tech/klingnet-staker/internal/wallet"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Defaults.
const (
	DefaultInterval     = 500 * time.Millisecond
	DefaultSearchWindow = 60
	DefaultBuryDepth    = 10
	DefaultPeerWait     = 5 * time.Second
)

// Attempt outcomes reported to metrics.
const (
	resultFound = "found"
	resultNone  = "none"
	resultError = "error"
)

// Wallet is the coin and key source.
type Wallet interface {
	Balance() wallet.Balance
	SelectStakeableCoins(minValue uint64, spendTime uint32) []wallet.Coin
	GetKey(addr types.Address) (*crypto.PrivateKey, bool)
	MarkSpent(op types.Outpoint, txid types.Hash) error
	Release(txid types.Hash)
}

// Network is the peer layer the staker needs.
type Network interface {
	ReadyCount() int
	SubscribePeers() <-chan p2p.PeerEvent
	BroadcastBlock(b *block.Block) error
}

// BlockSubmitter validates and applies a block.
type BlockSubmitter interface {
	ProcessBlock(ctx context.Context, blk *block.Block, peer string) (accepted, tipChanged bool, err error)
}

// Config tunes the staker.
type Config struct {
	MinPeers         int
	ReserveBalance   uint64
	CombineThreshold uint64
	MinInputValue    uint64
	Interval         time.Duration
	SearchWindow     uint32 // seconds searched back from now
	BuryDepth        uint64
	PeerWait         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SearchWindow == 0 {
		c.SearchWindow = DefaultSearchWindow
	}
	if c.BuryDepth == 0 {
		c.BuryDepth = DefaultBuryDepth
	}
	if c.PeerWait <= 0 {
		c.PeerWait = DefaultPeerWait
	}
	return c
}

// searchMark records how far the kernel search got on a tip.
type searchMark struct {
	prev types.Hash
	upTo uint32
}

// Staker runs the staking loop.
type Staker struct {
	idx    *chain.Index
	hc     *chain.HeaderChain
	params *consensus.Params
	submit BlockSubmitter
	wallet Wallet
	net    Network
	mined  *MinedSet
	cfg    Config

	mu       sync.Mutex
	now      func() time.Time
	searched searchMark

	logger zerolog.Logger
}

// New creates a staker building on idx and submitting through submit.
func New(idx *chain.Index, submit BlockSubmitter, w Wallet, net Network, cfg Config) *Staker {
	cfg = cfg.withDefaults()
	return &Staker{
		idx:    idx,
		hc:     idx.Headers(),
		params: idx.Validator().Params(),
		submit: submit,
		wallet: w,
		net:    net,
		mined:  NewMinedSet(cfg.BuryDepth),
		cfg:    cfg,
		now:    time.Now,
		logger: klog.WithComponent("stake"),
	}
}

// SetClock overrides the time source.
func (s *Staker) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Mined returns the set of staked blocks not yet buried.
func (s *Staker) Mined() *MinedSet { return s.mined }

func (s *Staker) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Run stakes until ctx is done. It returns only fatal errors.
func (s *Staker) Run(ctx context.Context) error {
	tipCh := s.hc.Subscribe()
	peerCh := s.net.SubscribePeers()

	s.logger.Info().Int("min_peers", s.cfg.MinPeers).Msg("Staker started")
	for {
		if err := s.idx.Mode().WaitIdle(ctx); err != nil {
			return nil
		}
		if !s.waitPeers(ctx, &peerCh) {
			return nil
		}

		if _, err := s.attempt(ctx); err != nil {
			// Only storage failures stop the node; a rejected block or a
			// wallet race costs one attempt.
			switch {
			case errors.Is(err, consensus.ErrFatal):
				return err
			case ctx.Err() != nil:
				return nil
			}
			s.logger.Warn().Err(err).Msg("Stake attempt failed")
		}

		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-tipCh:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// waitPeers blocks until enough peers are ready. Peer events wake it
// early; the timer covers dropped events.
func (s *Staker) waitPeers(ctx context.Context, peerCh *<-chan p2p.PeerEvent) bool {
	logged := false
	for s.net.ReadyCount() < s.cfg.MinPeers {
		if !logged {
			s.logger.Info().Int("have", s.net.ReadyCount()).Int("want", s.cfg.MinPeers).Msg("Waiting for peers")
			logged = true
		}
		timer := time.NewTimer(s.cfg.PeerWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case _, ok := <-*peerCh:
			if !ok {
				*peerCh = nil
			}
		case <-timer.C:
		}
		timer.Stop()
	}
	return true
}

// attempt runs one kernel search on the current tip and submits the block
// it finds. It returns nil when nothing was found.
func (s *Staker) attempt(ctx context.Context) (*block.Block, error) {
	prev := s.idx.LastIndexed()
	if s.hc.Tip().Hash != prev.Hash {
		// Bodies lag the headers; the wallet does not see the tip yet.
		return nil, nil
	}
	s.release(s.mined.Prune(prev.Height))

	p := s.params
	now := p.MaskTime(uint32(s.clock().Unix()))
	lower := int64(prev.Time()) + 1
	if w := int64(now) - int64(s.cfg.SearchWindow); w > lower {
		lower = w
	}
	if m := s.searched; m.prev == prev.Hash && int64(m.upTo) >= lower {
		lower = int64(m.upTo) + 1
	}
	if int64(now) < lower {
		return nil, nil
	}

	coins := s.candidates(now)
	if len(coins) == 0 {
		metrics.StakeAttempt(resultNone)
		return nil, nil
	}
	var weight uint64
	for _, c := range coins {
		weight += c.Value
	}
	metrics.SetStakeWeight(weight)

	bits := consensus.ComputeNextTarget(prev, p, true)
	step := int64(p.StakeTimestampMask) + 1
	for _, c := range coins {
		in := stakeInput(c)
		for t := int64(now); t >= lower; t -= step {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !spendableAt(p, c, uint32(t)) {
				break
			}
			if _, _, err := consensus.CheckKernel(p, prev, bits, in, c.Outpoint, uint32(t)); err != nil {
				continue
			}
			return s.mint(ctx, prev, bits, uint32(t), c, coins)
		}
		if s.hc.Tip().Hash != prev.Hash {
			s.logger.Debug().Str("prev", prev.Hash.Short()).Msg("Tip moved, search abandoned")
			return nil, nil
		}
	}

	s.searched = searchMark{prev: prev.Hash, upTo: now}
	metrics.StakeAttempt(resultNone)
	return nil, nil
}

// candidates returns the coins that may stake at spendTime: stakeable in
// the wallet, not claimed by a held block and not needed for the reserve.
func (s *Staker) candidates(spendTime uint32) []wallet.Coin {
	coins := s.wallet.SelectStakeableCoins(s.cfg.MinInputValue, spendTime)
	out := coins[:0]
	for _, c := range coins {
		if !s.mined.Claimed(c.Outpoint) {
			out = append(out, c)
		}
	}
	if s.cfg.ReserveBalance == 0 || len(out) == 0 {
		return out
	}

	if s.wallet.Balance().Confirmed <= s.cfg.ReserveBalance {
		return nil
	}
	sel, err := wallet.SelectCoins(out, s.cfg.ReserveBalance)
	if err != nil {
		// The reserve is held by coins that cannot stake yet.
		return out
	}
	reserved := make(map[types.Outpoint]bool, len(sel.Inputs))
	for _, c := range sel.Inputs {
		reserved[c.Outpoint] = true
	}
	free := out[:0]
	for _, c := range out {
		if !reserved[c.Outpoint] {
			free = append(free, c)
		}
	}
	return free
}

// mint builds, signs and submits the block for a kernel found on coin at t.
func (s *Staker) mint(ctx context.Context, prev *block.ChainedBlock, bits, t uint32, kernel wallet.Coin, pool []wallet.Coin) (*block.Block, error) {
	key, ok := s.wallet.GetKey(kernel.Address)
	if !ok {
		metrics.StakeAttempt(resultError)
		return nil, fmt.Errorf("no key for %s", kernel.Address)
	}
	cs, used, err := buildCoinStake(s.params, kernel, pool, t, s.cfg.CombineThreshold, key)
	if err != nil {
		metrics.StakeAttempt(resultError)
		return nil, fmt.Errorf("build coinstake: %w", err)
	}
	blk, err := assembleBlock(prev, bits, cs, key)
	if err != nil {
		metrics.StakeAttempt(resultError)
		return nil, err
	}

	csHash := cs.Hash()
	for _, c := range used {
		if err := s.wallet.MarkSpent(c.Outpoint, csHash); err != nil {
			s.wallet.Release(csHash)
			metrics.StakeAttempt(resultError)
			return nil, err
		}
	}

	accepted, tipChanged, err := s.submit.ProcessBlock(ctx, blk, "")
	if err != nil || !accepted {
		s.wallet.Release(csHash)
		metrics.StakeAttempt(resultError)
		if err == nil {
			err = errors.New("staked block already known")
		}
		return nil, fmt.Errorf("submit %s: %w", blk.Hash().Short(), err)
	}

	height := prev.Height + 1
	s.mined.Add(blk, height)
	metrics.StakeAttempt(resultFound)
	s.logger.Info().
		Uint64("height", height).
		Str("hash", blk.Hash().Short()).
		Uint64("stake", kernel.Value).
		Int("inputs", len(used)).
		Bool("tip", tipChanged).
		Msg("Staked block")

	if tipChanged {
		if err := s.net.BroadcastBlock(blk); err != nil {
			s.logger.Warn().Err(err).Str("hash", blk.Hash().Short()).Msg("Broadcast failed")
		}
	}
	return blk, nil
}

// release frees wallet claims held by buried blocks that never reached
// the active path.
func (s *Staker) release(buried []*block.Block) {
	for _, blk := range buried {
		if _, ok := s.hc.GetByHash(blk.Hash()); ok {
			continue
		}
		if cs := blk.CoinStake(); cs != nil {
			s.wallet.Release(cs.Hash())
		}
	}
}
