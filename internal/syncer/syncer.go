// Package syncer drives block download and steady-state block intake.
//
// The orchestrator moves between three states. Idle waits for work.
// Downloading keeps a window of body requests open above the indexed
// watermark and applies arrivals in height order. Catchup pulls headers
// and decides whether more bodies are needed.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-staker/internal/chain"
	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	"github.com/Klingon-tech/klingnet-staker/internal/fetch"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/metrics"
	"github.com/Klingon-tech/klingnet-staker/internal/p2p"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Defaults.
const (
	DefaultBatchSize       = 100
	DefaultMissWait        = 100 * time.Second
	DefaultTick            = 5 * time.Second
	DefaultHeaderPoll      = 30 * time.Second
	DefaultMaxBlockRetries = 3
	incomingQueue          = 256
)

// State is the orchestrator state.
type State int32

const (
	StateIdle State = iota
	StateDownloading
	StateCatchup
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateCatchup:
		return "catchup"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// HeaderSyncer extends the header chain from peers.
type HeaderSyncer interface {
	SyncHeaders(ctx context.Context, hc *chain.HeaderChain) error
}

// Network is the peer layer the syncer drives.
type Network interface {
	ReadyPeers() []string
	SubscribePeers() <-chan p2p.PeerEvent
	Penalize(peer string, penalty int, reason string)
	BroadcastBlock(b *block.Block) error
}

// Config tunes the syncer.
type Config struct {
	BatchSize       int
	MaxOrphans      int
	MissWait        time.Duration
	Tick            time.Duration
	HeaderPoll      time.Duration
	MaxBlockRetries int
	Fetch           fetch.Config
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MissWait <= 0 {
		c.MissWait = DefaultMissWait
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.HeaderPoll <= 0 {
		c.HeaderPoll = DefaultHeaderPoll
	}
	if c.MaxBlockRetries <= 0 {
		c.MaxBlockRetries = DefaultMaxBlockRetries
	}
	return c
}

// Syncer owns the fetch pipeline, the orphan buffer and the download
// window.
type Syncer struct {
	idx     *chain.Index
	hc      *chain.HeaderChain
	headers HeaderSyncer
	net     Network
	pipe    *fetch.Pipeline
	orphans *Orphans
	cfg     Config

	state    atomic.Int32
	incoming chan fetch.Received
	kick     chan struct{}

	// Orchestrator-only state.
	window       map[types.Hash]uint64 // requested active hashes -> height
	held         map[types.Hash]fetch.Received
	lastProgress time.Time
	lastHeaders  time.Time

	fmu      sync.Mutex
	failures map[types.Hash]*blockFailures

	logger zerolog.Logger
}

// New creates a syncer fetching bodies through src.
func New(idx *chain.Index, headers HeaderSyncer, net Network, src fetch.BlockSource, cfg Config) *Syncer {
	cfg = cfg.withDefaults()
	if cfg.Fetch.BatchSize <= 0 || cfg.Fetch.BatchSize > cfg.BatchSize {
		cfg.Fetch.BatchSize = min(cfg.BatchSize, fetch.MaxBatchSize)
	}
	return &Syncer{
		idx:      idx,
		hc:       idx.Headers(),
		headers:  headers,
		net:      net,
		pipe:     fetch.NewPipeline(context.Background(), src, cfg.Fetch),
		orphans:  NewOrphans(cfg.MaxOrphans),
		cfg:      cfg,
		incoming: make(chan fetch.Received, incomingQueue),
		kick:     make(chan struct{}, 1),
		window:   make(map[types.Hash]uint64),
		held:     make(map[types.Hash]fetch.Received),
		failures: make(map[types.Hash]*blockFailures),
		logger:   klog.WithComponent("sync"),
	}
}

// State returns the orchestrator state.
func (s *Syncer) State() State { return State(s.state.Load()) }

// Orphans exposes the orphan buffer.
func (s *Syncer) Orphans() *Orphans { return s.orphans }

func (s *Syncer) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	mode := s.idx.Mode()
	switch next {
	case StateDownloading:
		mode.Enter()
	case StateIdle:
		mode.Exit()
	}
	metrics.SetInitialDownload(mode.InDownload())
	s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("Sync state")
}

// wake asks the orchestrator for a header pass.
func (s *Syncer) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the orchestrator until ctx is done. It returns only fatal
// errors.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.pipe.Close()

	tipCh := s.hc.Subscribe()
	peerCh := s.net.SubscribePeers()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	// Start in download mode until the first header pass says otherwise.
	s.idx.Mode().Enter()
	s.state.Store(int32(StateCatchup))
	s.reconcilePeers()
	s.lastProgress = time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := s.step(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case r := <-s.pipe.Received():
			if err := s.onReceived(ctx, r); err != nil {
				return err
			}
		case lost := <-s.pipe.Lost():
			s.logger.Info().Str("peer", lost.Peer).Err(lost.Err).Msg("Dropped fetch peer")
			s.net.Penalize(lost.Peer, p2p.PenaltyBadResponse, "unresponsive to block requests")
		case ev, ok := <-peerCh:
			if !ok {
				peerCh = nil
				continue
			}
			if ev.Connected {
				s.pipe.AddPeer(ev.ID.String())
				if s.State() == StateIdle {
					s.setState(StateCatchup)
				}
			} else {
				s.pipe.RemovePeer(ev.ID.String())
			}
		case <-tipCh:
			s.pruneWindow()
		case <-s.kick:
			if s.State() == StateIdle {
				s.setState(StateCatchup)
			}
		case <-ticker.C:
			s.reconcilePeers()
			s.pipe.Flush()
			s.checkStall()
			if s.State() == StateIdle && time.Since(s.lastHeaders) >= s.cfg.HeaderPoll {
				s.setState(StateCatchup)
			}
		}
	}
}

// step performs the work of the current state.
func (s *Syncer) step(ctx context.Context) error {
	li := s.idx.LastIndexed()
	tip := s.hc.Tip()
	metrics.SetHeights(tip.Height, li.Height)

	switch s.State() {
	case StateIdle:
		if tip.Height > li.Height {
			s.setState(StateDownloading)
			s.lastProgress = time.Now()
			s.fill()
		}
	case StateDownloading:
		if tip.Height <= li.Height && len(s.window) == 0 {
			s.setState(StateCatchup)
			return s.step(ctx)
		}
		s.fill()
	case StateCatchup:
		s.lastHeaders = time.Now()
		before := s.hc.Tip()
		if err := s.headers.SyncHeaders(ctx, s.hc); err != nil && ctx.Err() == nil {
			s.logger.Debug().Err(err).Msg("Header sync incomplete")
		}
		after := s.hc.Tip()
		if after.Height > s.idx.LastIndexed().Height {
			if after != before {
				s.logger.Info().Uint64("tip", after.Height).Uint64("indexed", s.idx.LastIndexed().Height).Msg("Downloading blocks")
			}
			s.setState(StateDownloading)
			s.lastProgress = time.Now()
			s.fill()
			return nil
		}
		s.setState(StateIdle)
	}
	return nil
}

// fill tops the request window back up once it has drained below half.
func (s *Syncer) fill() {
	if len(s.window) > s.cfg.BatchSize/2 {
		return
	}
	li := s.idx.LastIndexed()
	tip := s.hc.Tip()
	store := s.idx.Store()

	var req []types.Hash
	for h := li.Height + 1; h <= tip.Height && len(s.window) < s.cfg.BatchSize; h++ {
		cb, ok := s.hc.GetByHeight(h)
		if !ok {
			break
		}
		if _, ok := s.window[cb.Hash]; ok {
			continue
		}
		if _, ok := s.held[cb.Hash]; ok {
			continue
		}
		if store.Has(cb.Hash) {
			continue
		}
		s.window[cb.Hash] = h
		req = append(req, cb.Hash)
	}
	if len(req) > 0 {
		s.pipe.Request(req)
		s.logger.Debug().Int("blocks", len(req)).Uint64("from", li.Height+1).Msg("Requested blocks")
	}
}

// pruneWindow forgets requests that left the active path.
func (s *Syncer) pruneWindow() {
	for hash, h := range s.window {
		if cb, ok := s.hc.GetByHeight(h); !ok || cb.Hash != hash {
			delete(s.window, hash)
		}
	}
	for hash, r := range s.held {
		if !s.onActivePath(hash) {
			delete(s.held, hash)
			// Still a valid body; let the receiver decide what it is.
			s.Submit(r.Block, r.Peer)
		}
	}
}

func (s *Syncer) onActivePath(hash types.Hash) bool {
	cb, ok := s.hc.GetByHash(hash)
	return ok && cb != nil
}

// checkStall re-requests from the watermark when nothing was applied for
// MissWait.
func (s *Syncer) checkStall() {
	if s.State() != StateDownloading || time.Since(s.lastProgress) < s.cfg.MissWait {
		return
	}
	s.logger.Warn().
		Uint64("indexed", s.idx.LastIndexed().Height).
		Int("window", len(s.window)).
		Msg("Download stalled, re-requesting")
	clear(s.window)
	s.lastProgress = time.Now()
	s.fill()
}

func (s *Syncer) reconcilePeers() {
	ready := s.net.ReadyPeers()
	live := make(map[string]struct{}, len(ready))
	for _, id := range ready {
		live[id] = struct{}{}
		if !s.pipe.Has(id) {
			s.pipe.AddPeer(id)
		}
	}
	for _, id := range s.pipe.Peers() {
		if _, ok := live[id]; !ok {
			s.pipe.RemovePeer(id)
		}
	}
}

// onReceived routes a fetched block. Window blocks are applied strictly
// in height order; anything else goes through the steady-state path.
func (s *Syncer) onReceived(ctx context.Context, r fetch.Received) error {
	hash := r.Block.Hash()
	if _, ok := s.window[hash]; ok {
		delete(s.window, hash)
		s.held[hash] = r
	} else if err := s.handleBlock(ctx, r.Block, r.Peer); err != nil {
		return err
	}
	if err := s.drainHeld(ctx); err != nil {
		return err
	}
	s.fill()
	return nil
}

// drainHeld applies held blocks while the next height above the
// watermark is among them.
func (s *Syncer) drainHeld(ctx context.Context) error {
	for {
		next, ok := s.hc.GetByHeight(s.idx.LastIndexed().Height + 1)
		if !ok {
			return nil
		}
		held, ok := s.held[next.Hash]
		if !ok {
			return nil
		}
		delete(s.held, next.Hash)

		accepted, err := s.apply(ctx, held.Block, held.Peer)
		if err != nil {
			return err
		}
		if !accepted {
			return nil
		}
		s.lastProgress = time.Now()
	}
}

// apply processes one block and runs the failure policy. It reports
// whether the watermark may have moved.
func (s *Syncer) apply(ctx context.Context, blk *block.Block, peer string) (bool, error) {
	hash := blk.Hash()
	accepted, tipChanged, err := s.idx.ProcessBlock(ctx, blk, peer)
	switch consensus.Classify(err) {
	case consensus.KindNone:
		s.clearFailures(hash)
		if accepted {
			metrics.BlockConnected()
			if err := s.replayOrphans(ctx, hash); err != nil {
				return true, err
			}
			if tipChanged && !s.idx.Mode().InDownload() {
				s.relay(blk)
			}
		}
		return true, nil
	case consensus.KindOrphan:
		return false, s.buffer(ctx, blk, peer)
	case consensus.KindStructural, consensus.KindConsensus:
		s.rejected(blk, peer, err)
		// The retry is already out to other peers; keep fill from asking
		// the whole set again.
		if cb, ok := s.hc.GetByHash(hash); ok {
			s.window[hash] = cb.Height
		}
		return false, nil
	case consensus.KindCanceled:
		return false, nil
	default:
		return false, fmt.Errorf("process block %s: %w", hash.Short(), err)
	}
}

// blockFailures records who sent a failing body for a known header.
type blockFailures struct {
	senders   map[string]struct{}
	// condemned holds the senders whose body matched the header's merkle
	// root and still failed consensus.
	condemned map[string]struct{}
}

// rejected penalizes the sender and asks peers that have not sent the
// block yet. The header is invalidated only once MaxBlockRetries distinct
// peers delivered a body committed to by the header that fails
// consensus. A body that does not match its header says nothing about
// the header.
func (s *Syncer) rejected(blk *block.Block, peer string, err error) {
	hash := blk.Hash()
	kind := consensus.Classify(err)
	metrics.BlockInvalid(kind.String())
	s.logger.Warn().Err(err).Str("hash", hash.Short()).Str("peer", peer).Msg("Invalid block")
	s.net.Penalize(peer, p2p.PenaltyInvalidBlock, err.Error())

	if _, known := s.hc.GetAnyTip(hash); !known {
		return
	}
	committed := kind == consensus.KindConsensus &&
		block.TxMerkleRoot(blk.Transactions) == blk.Header.MerkleRoot

	s.fmu.Lock()
	f := s.failures[hash]
	if f == nil {
		f = &blockFailures{senders: make(map[string]struct{}), condemned: make(map[string]struct{})}
		s.failures[hash] = f
	}
	f.senders[peer] = struct{}{}
	if committed {
		f.condemned[peer] = struct{}{}
	}
	condemned := len(f.condemned)
	avoid := make([]string, 0, len(f.senders))
	for id := range f.senders {
		avoid = append(avoid, id)
	}
	s.fmu.Unlock()

	if condemned >= s.cfg.MaxBlockRetries {
		s.clearFailures(hash)
		if err := s.hc.InvalidateBlock(hash); err != nil {
			s.logger.Error().Err(err).Str("hash", hash.Short()).Msg("Invalidate failed")
		}
		return
	}
	s.pipe.RequestExcept([]types.Hash{hash}, avoid...)
}

func (s *Syncer) clearFailures(hash types.Hash) {
	s.fmu.Lock()
	delete(s.failures, hash)
	s.fmu.Unlock()
}

// buffer holds an orphan until its parent is applied. The parent may
// have been applied and its children replayed after ProcessBlock looked,
// so the store is checked again once the orphan is buffered.
func (s *Syncer) buffer(ctx context.Context, blk *block.Block, peer string) error {
	hash := blk.Hash()
	if !s.orphans.Add(blk, peer) {
		return nil
	}
	parent := blk.Header.PrevHash
	if s.idx.Store().Has(parent) {
		return s.replayOrphans(ctx, parent)
	}
	s.logger.Debug().Str("hash", hash.Short()).Str("parent", parent.Short()).Msg("Orphan buffered")
	s.requestMissing(hash)
	return nil
}

// requestMissing asks for the ancestor an orphan chain is waiting on and
// wakes a header pass in case the branch is unknown.
func (s *Syncer) requestMissing(orphan types.Hash) {
	root := s.orphans.Root(orphan)
	if !s.idx.Store().Has(root) {
		s.pipe.Request([]types.Hash{root})
	}
	s.wake()
}

// replayOrphans processes the buffered descendants of parent. Each orphan
// leaves the buffer before it is processed.
func (s *Syncer) replayOrphans(ctx context.Context, parent types.Hash) error {
	queue := []types.Hash{parent}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, o := range s.orphans.TakeChildren(p) {
			accepted, tipChanged, err := s.idx.ProcessBlock(ctx, o.Block, o.Peer)
			switch consensus.Classify(err) {
			case consensus.KindNone:
				if accepted {
					s.clearFailures(o.Block.Hash())
					metrics.BlockConnected()
					queue = append(queue, o.Block.Hash())
					if tipChanged && !s.idx.Mode().InDownload() {
						s.relay(o.Block)
					}
				}
			case consensus.KindOrphan:
				// p is stored; buffer would replay it again.
				s.orphans.Add(o.Block, o.Peer)
			case consensus.KindStructural, consensus.KindConsensus:
				s.rejected(o.Block, o.Peer, err)
			case consensus.KindCanceled:
				return nil
			default:
				return fmt.Errorf("replay orphan %s: %w", o.Block.Hash().Short(), err)
			}
		}
	}
	return nil
}

func (s *Syncer) relay(blk *block.Block) {
	if err := s.net.BroadcastBlock(blk); err != nil {
		s.logger.Debug().Err(err).Str("hash", blk.Hash().Short()).Msg("Relay failed")
	}
}
