package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const (
	easyBits uint32 = 0x207fffff
	hardBits uint32 = 0x1f7fffff // more work per header than easyBits
	baseTime uint32 = 1_700_000_000
)

func genesisHeader() *block.Header {
	return &block.Header{Version: 1, Time: baseTime, Bits: easyBits}
}

// headersOn builds n headers on prev. salt separates competing branches.
func headersOn(prev *block.Header, n int, bits uint32, salt uint32) []*block.Header {
	out := make([]*block.Header, 0, n)
	for i := 0; i < n; i++ {
		h := &block.Header{
			Version:  1,
			PrevHash: prev.Hash(),
			Time:     prev.Time + 64,
			Bits:     bits,
			Nonce:    salt,
		}
		out = append(out, h)
		prev = h
	}
	return out
}

func mustAdd(t *testing.T, hc *HeaderChain, headers []*block.Header) {
	t.Helper()
	if _, err := hc.AddHeaders(headers); err != nil {
		t.Fatalf("AddHeaders: %v", err)
	}
}

func mustGet(t *testing.T, hc *HeaderChain, hash types.Hash) *block.ChainedBlock {
	t.Helper()
	cb, ok := hc.FindAncestor(hash)
	if !ok {
		t.Fatalf("header %s not found", hash.Short())
	}
	return cb
}

func countAlternate(hc *HeaderChain, hash types.Hash) int {
	n := 0
	for _, alt := range hc.AlternateTips() {
		if alt.Hash == hash {
			n++
		}
	}
	return n
}
