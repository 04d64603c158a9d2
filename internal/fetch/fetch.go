// Package fetch downloads block bodies from peers.
//
// Each peer gets a Worker fed through a demand channel. The Pipeline
// spreads requested hashes over live workers and keeps a backlog for
// hashes no worker can take.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/metrics"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Defaults.
const (
	MaxBatchSize          = 100
	DefaultRequestsPerSec = 20
	DefaultMaxFailures    = 3
	DefaultQueueSize      = 500
	DefaultRequestTimeout = 30 * time.Second
	DefaultHashAttempts   = 3
)

// ErrUnrequested is reported when a peer answers with blocks nobody asked
// it for.
var ErrUnrequested = errors.New("peer sent unrequested blocks")

// BlockSource requests block bodies from one peer.
type BlockSource interface {
	GetBlocks(ctx context.Context, peer string, hashes []types.Hash) ([]*block.Block, error)
}

// Received is a block delivered by a peer.
type Received struct {
	Block *block.Block
	Peer  string
}

// Config tunes workers.
type Config struct {
	BatchSize      int
	RequestsPerSec int
	MaxFailures    int
	QueueSize      int
	RequestTimeout time.Duration
	// HashAttempts bounds how many peers are asked for a hash that keeps
	// coming back not found.
	HashAttempts   int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 || c.BatchSize > MaxBatchSize {
		c.BatchSize = MaxBatchSize
	}
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = DefaultRequestsPerSec
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HashAttempts <= 0 {
		c.HashAttempts = DefaultHashAttempts
	}
	return c
}

// Worker fetches blocks from a single peer.
type Worker struct {
	peer   string
	src    BlockSource
	cfg    Config
	demand chan types.Hash
	out    chan<- Received
	rl     ratelimit.Limiter
	logger zerolog.Logger

	// settle is told which hashes of a batch the peer served and which
	// it did not have. Without it unserved hashes are dropped.
	settle func(w *Worker, served, missing []types.Hash)

	// inflight is the batch being requested. Only the worker goroutine
	// touches it while running; Unsent reads it after Run returns.
	inflight []types.Hash
}

func newWorker(peer string, src BlockSource, cfg Config, out chan<- Received) *Worker {
	return &Worker{
		peer:   peer,
		src:    src,
		cfg:    cfg,
		demand: make(chan types.Hash, cfg.QueueSize),
		out:    out,
		rl:     ratelimit.New(cfg.RequestsPerSec),
		logger: klog.WithPeer("fetch", peer),
	}
}

// Peer returns the peer this worker talks to.
func (w *Worker) Peer() string { return w.peer }

// offer queues hash without blocking. It reports false when the queue is
// full.
func (w *Worker) offer(hash types.Hash) bool {
	select {
	case w.demand <- hash:
		return true
	default:
		return false
	}
}

// next blocks for the first hash then drains whatever else is queued, up
// to the batch size.
func (w *Worker) next(ctx context.Context) ([]types.Hash, error) {
	batch := make([]types.Hash, 0, w.cfg.BatchSize)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case h := <-w.demand:
		batch = append(batch, h)
	}
	for len(batch) < w.cfg.BatchSize {
		select {
		case h := <-w.demand:
			batch = append(batch, h)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Run serves demand until ctx is canceled or the peer fails MaxFailures
// times in a row, in which case it returns an error wrapping
// consensus.ErrPeerLost. Only transport errors and unrequested blocks are
// failures; a hash the peer does not have is handed back through settle.
func (w *Worker) Run(ctx context.Context) error {
	failures := 0
	for {
		if len(w.inflight) == 0 {
			batch, err := w.next(ctx)
			if err != nil {
				return nil
			}
			w.inflight = batch
		}

		w.rl.Take()
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
		blocks, err := w.src.GetBlocks(reqCtx, w.peer, w.inflight)
		cancel()

		var served []*block.Block
		if err == nil {
			served, err = w.filter(blocks)
		}
		metrics.ObserveFetch(err, started)

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			w.logger.Debug().Err(err).Int("failures", failures).Int("batch", len(w.inflight)).Msg("Block request failed")
			if failures >= w.cfg.MaxFailures {
				return fmt.Errorf("%w: %s: %d consecutive failures: %v", consensus.ErrPeerLost, w.peer, failures, err)
			}
			continue
		}
		failures = 0

		got := make(map[types.Hash]struct{}, len(served))
		hashes := make([]types.Hash, 0, len(served))
		for _, b := range served {
			select {
			case w.out <- Received{Block: b, Peer: w.peer}:
			case <-ctx.Done():
				return nil
			}
			h := b.Hash()
			got[h] = struct{}{}
			hashes = append(hashes, h)
		}
		var missing []types.Hash
		for _, h := range w.inflight {
			if _, ok := got[h]; !ok {
				missing = append(missing, h)
			}
		}
		w.inflight = nil
		if len(missing) > 0 {
			w.logger.Debug().Int("missing", len(missing)).Int("served", len(served)).Msg("Peer lacks blocks")
		}
		if w.settle != nil {
			w.settle(w, hashes, missing)
		}
	}
}

// filter checks that every block in a reply was asked for.
func (w *Worker) filter(blocks []*block.Block) ([]*block.Block, error) {
	wanted := make(map[types.Hash]struct{}, len(w.inflight))
	for _, h := range w.inflight {
		wanted[h] = struct{}{}
	}
	for _, b := range blocks {
		if b == nil || b.Header == nil {
			return nil, fmt.Errorf("%w: empty block", ErrUnrequested)
		}
		h := b.Hash()
		if _, ok := wanted[h]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnrequested, h.Short())
		}
		delete(wanted, h)
	}
	return blocks, nil
}

// Unsent returns the hashes the worker still owed: the in-flight batch
// plus everything queued. Call only after Run has returned.
func (w *Worker) Unsent() []types.Hash {
	out := append([]types.Hash(nil), w.inflight...)
	w.inflight = nil
	for {
		select {
		case h := <-w.demand:
			out = append(out, h)
		default:
			return out
		}
	}
}
