package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-staker/internal/chain"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const testBits = 0x207fffff

func testGenesis() *block.Header {
	return &block.Header{Version: 1, Time: 1770734096, Bits: testBits}
}

func buildHeaders(prev *block.Header, n int) []*block.Header {
	out := make([]*block.Header, n)
	for i := range out {
		h := &block.Header{
			Version:  1,
			PrevHash: prev.Hash(),
			Time:     prev.Time + 64,
			Bits:     testBits,
		}
		out[i] = h
		prev = h
	}
	return out
}

func startHandshakeNode(t *testing.T, genesis types.Hash, height uint64) *Node {
	t.Helper()
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, NetworkID: "test"})
	n.SetGenesisHash(genesis)
	n.SetHeightFn(func() uint64 { return height })
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

func waitReady(t *testing.T, nodes ...*Node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, n := range nodes {
		for n.ReadyCount() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("handshake did not complete")
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// servingPair returns a node serving hc and a connected client node.
func servingPair(t *testing.T, hc *chain.HeaderChain, blocks map[types.Hash]*block.Block) (*Node, *Node, *Exchange) {
	t.Helper()
	g := hc.Genesis().Hash
	server := startHandshakeNode(t, g, hc.Height())
	client := startHandshakeNode(t, g, 0)

	NewExchange(server).Register(
		func(hashes []types.Hash) []*block.Block {
			var out []*block.Block
			for _, h := range hashes {
				if b, ok := blocks[h]; ok {
					out = append(out, b)
				}
			}
			return out
		},
		hc.HeadersAfter,
		func() (uint64, types.Hash) { return hc.Height(), hc.Tip().Hash },
	)
	connectNodes(t, server, client)
	waitReady(t, server, client)
	return server, client, NewExchange(client)
}

func TestExchange_GetBlocks(t *testing.T) {
	g := testGenesis()
	hc := chain.NewHeaderChain(g)
	headers := buildHeaders(g, 3)
	blocks := make(map[types.Hash]*block.Block)
	for _, h := range headers[:2] {
		blocks[h.Hash()] = block.NewBlock(h, nil)
	}

	server, _, ex := servingPair(t, hc, blocks)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := ex.GetBlocks(ctx, server.ID().String(), []types.Hash{headers[0].Hash(), headers[2].Hash(), headers[1].Hash()})
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d blocks, want 2 (the third is unknown)", len(got))
	}
	if got[0].Hash() != headers[0].Hash() || got[1].Hash() != headers[1].Hash() {
		t.Error("blocks returned out of request order")
	}
}

func TestExchange_GetBlocksRejectsUnrequested(t *testing.T) {
	g := testGenesis()
	hc := chain.NewHeaderChain(g)
	stray := block.NewBlock(buildHeaders(g, 1)[0], nil)

	server := startHandshakeNode(t, hc.Genesis().Hash, 0)
	client := startHandshakeNode(t, hc.Genesis().Hash, 0)
	NewExchange(server).Register(
		func([]types.Hash) []*block.Block { return []*block.Block{stray} },
		hc.HeadersAfter,
		func() (uint64, types.Hash) { return 0, hc.Genesis().Hash },
	)
	connectNodes(t, server, client)
	waitReady(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewExchange(client).GetBlocks(ctx, server.ID().String(), []types.Hash{{0x01}})
	if !errors.Is(err, ErrUnrequestedBlock) {
		t.Fatalf("err = %v, want ErrUnrequestedBlock", err)
	}
}

func TestExchange_RequestTip(t *testing.T) {
	g := testGenesis()
	hc := chain.NewHeaderChain(g)
	if _, err := hc.AddHeaders(buildHeaders(g, 7)); err != nil {
		t.Fatal(err)
	}
	server, client, ex := servingPair(t, hc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tip, err := ex.RequestTip(ctx, server.ID())
	if err != nil {
		t.Fatalf("RequestTip: %v", err)
	}
	if tip.Height != 7 || tip.Hash != hc.Tip().Hash {
		t.Errorf("tip = %d %s", tip.Height, tip.Hash.Short())
	}
	for _, p := range client.PeerList() {
		if p.ID == server.ID() && p.BestHeight != 7 {
			t.Errorf("peer height = %d, want 7", p.BestHeight)
		}
	}
}

func TestExchange_SyncHeaders(t *testing.T) {
	g := testGenesis()
	remote := chain.NewHeaderChain(g)
	if _, err := remote.AddHeaders(buildHeaders(g, MaxHeadersPerRequest+50)); err != nil {
		t.Fatal(err)
	}
	_, _, ex := servingPair(t, remote, nil)

	local := chain.NewHeaderChain(g)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ex.SyncHeaders(ctx, local); err != nil {
		t.Fatalf("SyncHeaders: %v", err)
	}
	if local.Height() != remote.Height() {
		t.Fatalf("local height %d, want %d", local.Height(), remote.Height())
	}
	if local.Tip().Hash != remote.Tip().Hash {
		t.Error("tips differ after sync")
	}

	// A second pass finds nothing new.
	if err := ex.SyncHeaders(ctx, local); err != nil {
		t.Fatalf("second SyncHeaders: %v", err)
	}
}

func TestExchange_SyncHeadersNoPeers(t *testing.T) {
	n := startTestNode(t)
	err := NewExchange(n).SyncHeaders(context.Background(), chain.NewHeaderChain(testGenesis()))
	if !errors.Is(err, ErrNoSyncPeer) {
		t.Fatalf("err = %v, want ErrNoSyncPeer", err)
	}
}
