// Package node assembles the staker: storage, the chain index, the
// wallet, networking, sync and staking, run under one lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-staker/config"
	"github.com/Klingon-tech/klingnet-staker/internal/blockstore"
	"github.com/Klingon-tech/klingnet-staker/internal/chain"
	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/metrics"
	"github.com/Klingon-tech/klingnet-staker/internal/p2p"
	"github.com/Klingon-tech/klingnet-staker/internal/staking"
	"github.com/Klingon-tech/klingnet-staker/internal/storage"
	"github.com/Klingon-tech/klingnet-staker/internal/syncer"
	"github.com/Klingon-tech/klingnet-staker/internal/wallet"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// headerSaveInterval paces header-chain persistence.
const headerSaveInterval = time.Minute

// ErrNoStakingKeys is returned when staking is enabled without an
// unlocked wallet.
var ErrNoStakingKeys = errors.New("staking requires an unlocked wallet")

// Node is a fully initialized staker.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger
	logFile io.Closer

	// Storage and chain
	db    *storage.BadgerDB
	store *blockstore.Store
	mode  *chain.SyncMode
	idx   *chain.Index

	// Wallet (nil without keys)
	tracker *wallet.CoinTracker

	// Networking (nil when P2P is disabled)
	p2pNode  *p2p.Node
	exchange *p2p.Exchange
	syncer   *syncer.Syncer

	staker *staking.Staker

	// Tip of the last header file write; owned by the chain loop until
	// Stop.
	savedTip types.Hash

	// Lifecycle
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// New opens storage, restores the chain and builds every component. Keys
// in accounts are watched by the wallet and used for staking. Background
// work starts with Start.
func New(cfg *config.Config, accounts []wallet.Account) (n *Node, err error) {
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}
	if cfg.Staking.Enabled && len(accounts) == 0 {
		return nil, ErrNoStakingKeys
	}

	// ── Logger ──────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(cfg.LogsDir(), "staker.log")
	}
	closer, err := klog.Init(cfg.Log.Level, cfg.Log.JSON, expandHome(logFile))
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	n = &Node{
		cfg:     cfg,
		genesis: config.GenesisFor(cfg.Network),
		logger:  klog.WithComponent("node"),
		logFile: closer,
	}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	n.logger.Info().
		Str("chain_id", n.genesis.ChainID).
		Str("network", string(cfg.Network)).
		Bool("staking", cfg.Staking.Enabled).
		Msg("Starting Klingnet staker")

	gb, err := block.Genesis(n.genesis)
	if err != nil {
		return nil, fmt.Errorf("build genesis: %w", err)
	}
	params := consensus.NewParams(n.genesis)

	// ── Storage ─────────────────────────────────────────────────────
	if n.db, err = storage.NewBadger(cfg.IndexDir()); err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.IndexDir(), err)
	}
	n.mode = chain.NewSyncMode()
	n.store, err = blockstore.Open(cfg.BlocksDir(), n.db, blockstore.Options{
		CacheSize:   cfg.Blocks.CacheSize,
		MaxFileSize: cfg.Blocks.MaxFileSize,
		Mode:        n.mode,
	})
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	if cfg.Reindex {
		n.logger.Info().Msg("Rebuilding block index from segments")
		if err := n.store.Reindex(); err != nil {
			return nil, fmt.Errorf("reindex: %w", err)
		}
	}

	// ── Chain ───────────────────────────────────────────────────────
	hc := chain.LoadHeaderChain(cfg.HeadersFile(), gb.Header)
	if n.idx, err = chain.NewIndex(hc, n.store, params, n.mode); err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	if err := n.idx.Init(context.Background(), gb); err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	// ── Wallet ──────────────────────────────────────────────────────
	if len(accounts) > 0 {
		n.tracker = wallet.NewCoinTracker(n.db, params)
		for _, a := range accounts {
			n.tracker.AddKey(a.Key)
		}
		if err := n.tracker.Load(); err != nil {
			return nil, fmt.Errorf("load wallet: %w", err)
		}
		if err := n.tracker.Rescan(context.Background(), n.idx); err != nil {
			return nil, fmt.Errorf("wallet rescan: %w", err)
		}
		n.idx.AddListener(n.tracker)
		bal := n.tracker.Balance()
		n.logger.Info().
			Int("keys", len(accounts)).
			Uint64("confirmed", bal.Confirmed).
			Uint64("immature", bal.Immature).
			Msg("Wallet ready")
	}

	// ── P2P and sync ────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		if err := n.startP2P(gb.Hash()); err != nil {
			return nil, err
		}
	} else if cfg.Staking.Enabled {
		return nil, fmt.Errorf("staking requires p2p")
	}

	// ── Staking ─────────────────────────────────────────────────────
	if cfg.Staking.Enabled {
		n.staker = staking.New(n.idx, n.idx, n.tracker, n.p2pNode, stakingConfig(cfg.Staking))
	}
	return n, nil
}

// startP2P starts the libp2p node and wires the exchange and the syncer
// to it.
func (n *Node) startP2P(genesisHash types.Hash) error {
	cfg := n.cfg
	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         n.db,
		DHTServer:  cfg.P2P.DHTServer,
		NetworkID:  n.genesis.ChainID,
		DataDir:    cfg.ChainDataDir(),
	})
	n.p2pNode.SetGenesisHash(genesisHash)
	n.p2pNode.SetHeightFn(func() uint64 { return n.idx.LastIndexed().Height })
	n.p2pNode.SetBlockHandler(func(from peer.ID, blk *block.Block) {
		if n.syncer != nil {
			n.syncer.Submit(blk, from.String())
		}
	})

	if err := n.p2pNode.Start(); err != nil {
		n.p2pNode = nil
		return fmt.Errorf("start P2P: %w", err)
	}
	if cfg.P2P.ClearBans {
		n.logger.Info().Int("bans", n.p2pNode.BanManager.Clear()).Msg("Peer bans cleared")
	}

	n.exchange = p2p.NewExchange(n.p2pNode)
	n.exchange.Register(n.serveBlocks, n.idx.Headers().HeadersAfter, n.tipInfo)
	n.syncer = syncer.New(n.idx, n.exchange, n.p2pNode, n.exchange, syncConfig(cfg.Sync))

	n.logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Int("port", cfg.P2P.Port).
		Bool("discovery", !cfg.P2P.NoDiscover).
		Msg("P2P node started")
	return nil
}

// serveBlocks answers getblocks from the staked set first, then the store.
func (n *Node) serveBlocks(hashes []types.Hash) []*block.Block {
	out := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		if n.staker != nil {
			if blk, ok := n.staker.Mined().Get(h); ok {
				out = append(out, blk)
				continue
			}
		}
		blk, err := n.store.Get(h)
		if err != nil {
			continue
		}
		out = append(out, blk)
	}
	return out
}

func (n *Node) tipInfo() (uint64, types.Hash) {
	tip := n.idx.Headers().Tip()
	return tip.Height, tip.Hash
}

// Start launches the background workers. A fatal error in any of them
// stops the rest; Wait reports it.
func (n *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	n.group = g

	if n.syncer != nil {
		g.Go(func() error { return n.syncer.Run(ctx) })
		g.Go(func() error { return n.syncer.RunReceiver(ctx) })
	}
	if n.staker != nil {
		g.Go(func() error { return n.staker.Run(ctx) })
	}
	if n.cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(ctx, n.cfg.Metrics.Addr) })
	}
	g.Go(func() error { return n.runChainLoop(ctx) })

	n.logger.Info().
		Uint64("headers", n.idx.Headers().Height()).
		Uint64("indexed", n.idx.LastIndexed().Height).
		Str("tip", n.idx.Headers().Tip().Hash.Short()).
		Bool("staking", n.staker != nil).
		Msg("Node started")
	return nil
}

// Wait blocks until the workers exit and returns the first fatal error.
func (n *Node) Wait() error {
	if n.group == nil {
		return nil
	}
	return n.group.Wait()
}

// Stop cancels the workers, waits for them and releases every resource.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		err = n.Wait()
		n.saveHeaders()
		n.close()
		n.logger.Info().Msg("Goodbye!")
	})
	return err
}

// close releases resources in reverse order of creation.
func (n *Node) close() {
	if n.p2pNode != nil {
		if err := n.p2pNode.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("P2P shutdown")
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("Block store close")
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("Database close")
		}
	}
	if n.logFile != nil {
		n.logFile.Close()
	}
}

// runChainLoop publishes chain heights on every tip change and saves the
// header chain periodically.
func (n *Node) runChainLoop(ctx context.Context) error {
	tipCh := n.idx.Headers().Subscribe()
	ticker := time.NewTicker(headerSaveInterval)
	defer ticker.Stop()

	n.publishHeights()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tipCh:
			n.publishHeights()
		case <-ticker.C:
			n.saveHeaders()
		}
	}
}

func (n *Node) publishHeights() {
	metrics.SetHeights(n.idx.Headers().Height(), n.idx.LastIndexed().Height)
	if n.syncer != nil {
		metrics.SetOrphans(n.syncer.Orphans().Len())
	}
}

// saveHeaders writes the header chain when the tip moved since the last
// write. It reports whether the file was written.
func (n *Node) saveHeaders() bool {
	if n.idx == nil {
		return false
	}
	tip := n.idx.Headers().Tip().Hash
	if tip == n.savedTip {
		return false
	}
	height, err := chain.SaveHeaders(n.cfg.HeadersFile(), n.idx.Headers())
	if err != nil {
		n.logger.Error().Err(err).Msg("Saving header chain failed")
		return false
	}
	n.savedTip = tip
	n.logger.Debug().Uint64("height", height).Msg("Header chain saved")
	return true
}

// Index returns the chain index.
func (n *Node) Index() *chain.Index { return n.idx }

// Wallet returns the coin tracker, or nil without keys.
func (n *Node) Wallet() *wallet.CoinTracker { return n.tracker }

// Height returns the indexed height.
func (n *Node) Height() uint64 { return n.idx.LastIndexed().Height }
