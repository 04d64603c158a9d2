package fetch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/metrics"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("fetch pipeline closed")

// PeerLost reports a worker that stopped on its own.
type PeerLost struct {
	Peer string
	Err  error
}

type running struct {
	w      *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Pipeline owns one worker per peer.
type Pipeline struct {
	src BlockSource
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu      sync.Mutex
	workers map[string]*running
	order   []string
	rr      int
	backlog []types.Hash
	closed  bool

	// asked counts peers that answered a hash with not found.
	asked map[types.Hash]int

	out  chan Received
	lost chan PeerLost

	logger zerolog.Logger
}

// NewPipeline creates a pipeline whose workers live until ctx is done or
// Close is called.
func NewPipeline(ctx context.Context, src BlockSource, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Pipeline{
		src:     src,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*running),
		asked:   make(map[types.Hash]int),
		out:     make(chan Received, cfg.QueueSize),
		lost:    make(chan PeerLost, 16),
		logger:  klog.WithComponent("fetch"),
	}
}

// Received delivers blocks from every worker.
func (p *Pipeline) Received() <-chan Received { return p.out }

// Lost delivers workers that gave up on their peer. The worker is already
// removed and its hashes are back in the backlog.
func (p *Pipeline) Lost() <-chan PeerLost { return p.lost }

// AddPeer starts a worker for peer and hands it the backlog.
func (p *Pipeline) AddPeer(peer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.workers[peer]; ok {
		return false
	}

	w := newWorker(peer, p.src, p.cfg, p.out)
	w.settle = p.settle
	ctx, cancel := context.WithCancel(p.ctx)
	r := &running{w: w, cancel: cancel, done: make(chan struct{})}
	p.workers[peer] = r
	p.order = append(p.order, peer)
	metrics.SetFetchWorkers(len(p.workers))

	p.group.Go(func() error {
		defer close(r.done)
		err := w.Run(ctx)
		if err != nil {
			p.workerFailed(r, err)
		}
		return nil
	})

	backlog := p.backlog
	p.backlog = nil
	p.distributeLocked(backlog)
	p.logger.Debug().Str("peer", peer).Int("backlog", len(backlog)).Msg("Fetch worker started")
	return true
}

func (p *Pipeline) workerFailed(r *running, err error) {
	p.mu.Lock()
	if p.workers[r.w.peer] != r {
		p.mu.Unlock()
		return
	}
	p.dropLocked(r.w.peer)
	p.distributeLocked(r.w.Unsent())
	p.mu.Unlock()

	p.logger.Info().Err(err).Str("peer", r.w.peer).Msg("Fetch worker stopped")
	select {
	case p.lost <- PeerLost{Peer: r.w.peer, Err: err}:
	default:
	}
}

// RemovePeer stops peer's worker and returns its unsent hashes to the
// other workers or the backlog.
func (p *Pipeline) RemovePeer(peer string) {
	p.mu.Lock()
	r, ok := p.workers[peer]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.dropLocked(peer)
	p.mu.Unlock()

	r.cancel()
	<-r.done

	p.mu.Lock()
	p.distributeLocked(r.w.Unsent())
	p.mu.Unlock()
	p.logger.Debug().Str("peer", peer).Msg("Fetch worker removed")
}

func (p *Pipeline) dropLocked(peer string) {
	delete(p.workers, peer)
	for i, id := range p.order {
		if id == peer {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	metrics.SetFetchWorkers(len(p.workers))
}

// Request queues hashes round robin over live workers. It starts a
// fresh round of not-found attempts for each hash.
func (p *Pipeline) Request(hashes []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, h := range hashes {
		delete(p.asked, h)
	}
	p.distributeLocked(hashes)
}

// RequestExcept queues hashes on workers other than those in avoid.
// Hashes no other worker can take are dropped; the caller's own retry
// path asks again later.
func (p *Pipeline) RequestExcept(hashes []types.Hash, avoid ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	skip := make(map[string]struct{}, len(avoid))
	for _, id := range avoid {
		skip[id] = struct{}{}
	}
	for _, h := range hashes {
		if !p.placeLocked(h, skip) {
			p.logger.Debug().Str("hash", h.Short()).Int("avoided", len(skip)).Msg("No other peer for block")
		}
	}
}

// settle runs on a worker after each answered batch. Served hashes are
// done. A hash the peer did not have moves to another peer until
// HashAttempts peers, or every live peer, have said not found.
func (p *Pipeline) settle(w *Worker, served, missing []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range served {
		delete(p.asked, h)
	}
	if p.closed {
		return
	}
	skip := map[string]struct{}{w.peer: {}}
	dropped := 0
	for _, h := range missing {
		p.asked[h]++
		if p.asked[h] >= p.cfg.HashAttempts || p.asked[h] >= len(p.order) || !p.placeLocked(h, skip) {
			delete(p.asked, h)
			dropped++
		}
	}
	if dropped > 0 {
		p.logger.Debug().Str("peer", w.peer).Int("dropped", dropped).Msg("Blocks not found, giving up")
	}
}

// placeLocked offers h to the next worker not in skip.
func (p *Pipeline) placeLocked(h types.Hash, skip map[string]struct{}) bool {
	for range p.order {
		peer := p.order[p.rr%len(p.order)]
		p.rr++
		if _, ok := skip[peer]; ok {
			continue
		}
		if p.workers[peer].w.offer(h) {
			return true
		}
	}
	return false
}

func (p *Pipeline) distributeLocked(hashes []types.Hash) {
	for i, h := range hashes {
		if len(p.order) == 0 {
			p.backlog = append(p.backlog, hashes[i:]...)
			return
		}
		if !p.placeLocked(h, nil) {
			p.backlog = append(p.backlog, h)
		}
	}
}

// Has reports whether peer has a live worker.
func (p *Pipeline) Has(peer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workers[peer]
	return ok
}

// Peers returns the peers with live workers in round-robin order.
func (p *Pipeline) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Backlog returns the number of hashes waiting for a worker.
func (p *Pipeline) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Flush retries the backlog against live workers.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	backlog := p.backlog
	p.backlog = nil
	p.distributeLocked(backlog)
}

// Close stops every worker and waits for them.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	return p.group.Wait()
}

// IsPeerLost reports whether err means a worker gave up on its peer.
func IsPeerLost(err error) bool {
	return errors.Is(err, consensus.ErrPeerLost)
}
