package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// fakeSource serves blocks from a map. Peers listed in failing always
// error; peers in blocked hang until released.
type fakeSource struct {
	mu       sync.Mutex
	blocks   map[types.Hash]*block.Block
	failing  map[string]bool
	blocked  map[string]chan struct{}
	requests map[string][][]types.Hash
}

func newFakeSource(blocks []*block.Block) *fakeSource {
	s := &fakeSource{
		blocks:   make(map[types.Hash]*block.Block),
		failing:  make(map[string]bool),
		blocked:  make(map[string]chan struct{}),
		requests: make(map[string][][]types.Hash),
	}
	for _, b := range blocks {
		s.blocks[b.Hash()] = b
	}
	return s
}

func (s *fakeSource) GetBlocks(ctx context.Context, peer string, hashes []types.Hash) ([]*block.Block, error) {
	s.mu.Lock()
	s.requests[peer] = append(s.requests[peer], append([]types.Hash(nil), hashes...))
	fail := s.failing[peer]
	gate := s.blocked[peer]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("stream reset")
	}
	var out []*block.Block
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		if b, ok := s.blocks[h]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeSource) requestCount(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests[peer])
}

func testBlocks(n int) []*block.Block {
	out := make([]*block.Block, n)
	for i := range out {
		out[i] = block.NewBlock(&block.Header{Version: 1, Nonce: uint32(i + 1)}, nil)
	}
	return out
}

func hashesOf(blocks []*block.Block) []types.Hash {
	out := make([]types.Hash, len(blocks))
	for i, b := range blocks {
		out[i] = b.Hash()
	}
	return out
}

func collect(t *testing.T, p *Pipeline, n int) map[types.Hash]string {
	t.Helper()
	got := make(map[types.Hash]string)
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case r := <-p.Received():
			got[r.Block.Hash()] = r.Peer
		case <-timeout:
			t.Fatalf("received %d of %d blocks", len(got), n)
		}
	}
	return got
}

func fastConfig() Config {
	return Config{RequestsPerSec: 1000, MaxFailures: 2, RequestTimeout: time.Second}
}

func TestWorker_DrainsQueueIntoOneBatch(t *testing.T) {
	blocks := testBlocks(5)
	src := newFakeSource(blocks)
	out := make(chan Received, 10)
	w := newWorker("a", src, fastConfig().withDefaults(), out)
	for _, h := range hashesOf(blocks) {
		require.True(t, w.offer(h))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for range blocks {
		select {
		case <-out:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not deliver")
		}
	}
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 1, src.requestCount("a"))
}

func TestWorker_BatchCapped(t *testing.T) {
	blocks := testBlocks(MaxBatchSize + 20)
	src := newFakeSource(blocks)
	out := make(chan Received, len(blocks))
	w := newWorker("a", src, fastConfig().withDefaults(), out)
	for _, h := range hashesOf(blocks) {
		require.True(t, w.offer(h))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for range blocks {
		select {
		case <-out:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not deliver")
		}
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.requests["a"], 2)
	require.Len(t, src.requests["a"][0], MaxBatchSize)
	require.Len(t, src.requests["a"][1], 20)
}

func TestWorker_PeerLostAfterFailures(t *testing.T) {
	blocks := testBlocks(3)
	src := newFakeSource(blocks)
	src.failing["bad"] = true
	w := newWorker("bad", src, fastConfig().withDefaults(), make(chan Received, 3))
	for _, h := range hashesOf(blocks) {
		w.offer(h)
	}

	err := w.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, consensus.ErrPeerLost)
	require.Equal(t, consensus.KindPeerLost, consensus.Classify(err))
	require.Equal(t, 2, src.requestCount("bad"))
	require.ElementsMatch(t, hashesOf(blocks), w.Unsent())
}

func TestWorker_NotFoundIsNotFailure(t *testing.T) {
	src := newFakeSource(nil)
	w := newWorker("honest", src, fastConfig().withDefaults(), make(chan Received, 1))
	var (
		mu      sync.Mutex
		missing []types.Hash
	)
	w.settle = func(_ *Worker, _, m []types.Hash) {
		mu.Lock()
		missing = append(missing, m...)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	unknown := testBlocks(1)[0].Hash()
	for i := 0; i < 5; i++ {
		require.True(t, w.offer(unknown))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(missing) == 5
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done, "not found answers must not cost the peer")
	require.Empty(t, w.Unsent())
}

// strayingSource answers every request with one block nobody asked for.
type strayingSource struct {
	stray *block.Block
}

func (s *strayingSource) GetBlocks(context.Context, string, []types.Hash) ([]*block.Block, error) {
	return []*block.Block{s.stray}, nil
}

func TestWorker_UnrequestedBlocksAreFailures(t *testing.T) {
	blocks := testBlocks(2)
	src := &strayingSource{stray: blocks[1]}
	out := make(chan Received, 4)
	w := newWorker("liar", src, fastConfig().withDefaults(), out)
	w.offer(blocks[0].Hash())

	err := w.Run(context.Background())
	require.ErrorIs(t, err, consensus.ErrPeerLost)
	require.ErrorIs(t, err, ErrUnrequested)
	require.Empty(t, out, "unrequested blocks must not be delivered")
	require.Equal(t, []types.Hash{blocks[0].Hash()}, w.Unsent())
}

func TestPipeline_RoundRobin(t *testing.T) {
	blocks := testBlocks(40)
	src := newFakeSource(blocks)
	p := NewPipeline(context.Background(), src, fastConfig())
	defer p.Close()

	require.True(t, p.AddPeer("a"))
	require.True(t, p.AddPeer("b"))
	require.False(t, p.AddPeer("a"))

	p.Request(hashesOf(blocks))
	got := collect(t, p, len(blocks))

	perPeer := map[string]int{}
	for _, peer := range got {
		perPeer[peer]++
	}
	require.Equal(t, 20, perPeer["a"])
	require.Equal(t, 20, perPeer["b"])
}

func TestPipeline_BacklogWithoutPeers(t *testing.T) {
	blocks := testBlocks(10)
	src := newFakeSource(blocks)
	p := NewPipeline(context.Background(), src, fastConfig())
	defer p.Close()

	p.Request(hashesOf(blocks))
	require.Equal(t, 10, p.Backlog())

	p.AddPeer("late")
	require.Equal(t, 0, p.Backlog())
	got := collect(t, p, len(blocks))
	for _, peer := range got {
		require.Equal(t, "late", peer)
	}
}

func TestPipeline_LostPeerHashesMoveToReplacement(t *testing.T) {
	blocks := testBlocks(6)
	src := newFakeSource(blocks)
	src.failing["bad"] = true
	p := NewPipeline(context.Background(), src, fastConfig())
	defer p.Close()

	p.AddPeer("bad")
	p.Request(hashesOf(blocks))

	select {
	case lost := <-p.Lost():
		require.Equal(t, "bad", lost.Peer)
		require.True(t, IsPeerLost(lost.Err))
	case <-time.After(5 * time.Second):
		t.Fatal("worker never gave up")
	}
	require.False(t, p.Has("bad"))
	require.Equal(t, 6, p.Backlog())

	p.AddPeer("good")
	got := collect(t, p, len(blocks))
	for _, peer := range got {
		require.Equal(t, "good", peer)
	}
}

func TestPipeline_RemovePeerReturnsUnsent(t *testing.T) {
	blocks := testBlocks(4)
	src := newFakeSource(blocks)
	src.blocked["slow"] = make(chan struct{})
	p := NewPipeline(context.Background(), src, fastConfig())
	defer p.Close()

	p.AddPeer("slow")
	p.Request(hashesOf(blocks))
	require.Eventually(t, func() bool { return src.requestCount("slow") == 1 }, 5*time.Second, 5*time.Millisecond)

	p.RemovePeer("slow")
	require.False(t, p.Has("slow"))
	require.Equal(t, 4, p.Backlog())
	require.Empty(t, p.Peers())
}

func TestPipeline_RequestExcept(t *testing.T) {
	blocks := testBlocks(8)
	src := newFakeSource(blocks)
	p := NewPipeline(context.Background(), src, fastConfig())
	defer p.Close()

	p.AddPeer("a")
	p.AddPeer("b")
	p.RequestExcept(hashesOf(blocks), "a")

	got := collect(t, p, len(blocks))
	for _, peer := range got {
		require.Equal(t, "b", peer)
	}
}

func TestPipeline_RequestExceptNeverFallsBack(t *testing.T) {
	blocks := testBlocks(3)
	src := newFakeSource(blocks)
	p := NewPipeline(context.Background(), src, fastConfig())
	defer p.Close()

	p.AddPeer("a")
	p.AddPeer("b")
	p.RequestExcept(hashesOf(blocks), "a", "b")
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, src.requestCount("a"))
	require.Zero(t, src.requestCount("b"))
	require.Zero(t, p.Backlog())
}

func TestPipeline_UnservedHashMovesOnThenDrops(t *testing.T) {
	src := newFakeSource(nil)
	p := NewPipeline(context.Background(), src, fastConfig())
	defer p.Close()

	p.AddPeer("a")
	p.AddPeer("b")
	unknown := testBlocks(1)[0].Hash()
	p.Request([]types.Hash{unknown})

	require.Eventually(t, func() bool {
		return src.requestCount("a")+src.requestCount("b") == 2
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, src.requestCount("a"), "each peer is asked once")
	require.Equal(t, 1, src.requestCount("b"), "each peer is asked once")
	require.Zero(t, p.Backlog())
	select {
	case lost := <-p.Lost():
		t.Fatalf("peer %s dropped for not having a block", lost.Peer)
	default:
	}
	require.ElementsMatch(t, []string{"a", "b"}, p.Peers())

	p.mu.Lock()
	require.Empty(t, p.asked)
	p.mu.Unlock()

	// A fresh request starts over.
	p.Request([]types.Hash{unknown})
	require.Eventually(t, func() bool {
		return src.requestCount("a")+src.requestCount("b") == 4
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPipeline_HashAttemptsCap(t *testing.T) {
	src := newFakeSource(nil)
	cfg := fastConfig()
	cfg.HashAttempts = 2
	p := NewPipeline(context.Background(), src, cfg)
	defer p.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		p.AddPeer(id)
	}
	p.Request([]types.Hash{testBlocks(1)[0].Hash()})

	total := func() int {
		n := 0
		for _, id := range []string{"a", "b", "c", "d"} {
			n += src.requestCount(id)
		}
		return n
	}
	require.Eventually(t, func() bool { return total() == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, total())
}

func TestPipeline_Close(t *testing.T) {
	p := NewPipeline(context.Background(), newFakeSource(nil), fastConfig())
	p.AddPeer("a")
	require.NoError(t, p.Close())
	require.ErrorIs(t, p.Close(), ErrClosed)
	require.False(t, p.AddPeer("b"))
}
