package chain

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHeaderFile_RoundTrip(t *testing.T) {
	g := genesisHeader()
	hc := NewHeaderChain(g)
	mustAdd(t, hc, headersOn(g, 30, easyBits, 0))
	// A fork must not leak into the saved active path.
	side := headersOn(g, 3, easyBits, 7)
	mustAdd(t, hc, side)

	path := filepath.Join(t.TempDir(), HeaderFileName)
	height, err := SaveHeaders(path, hc)
	if err != nil {
		t.Fatalf("SaveHeaders: %v", err)
	}
	if height != 30 {
		t.Errorf("saved height = %d, want 30", height)
	}

	loaded := LoadHeaderChain(path, g)
	if loaded.Height() != hc.Height() {
		t.Errorf("height = %d, want %d", loaded.Height(), hc.Height())
	}
	if loaded.Tip().Hash != hc.Tip().Hash {
		t.Errorf("tip = %s, want %s", loaded.Tip().Hash.Short(), hc.Tip().Hash.Short())
	}
	if loaded.Tip().ChainWork.Cmp(hc.Tip().ChainWork) != 0 {
		t.Error("chain work differs after reload")
	}
	if loaded.InAnyTip(side[2].Hash()) {
		t.Error("alternate branch was persisted")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

func TestHeaderFile_MissingFallsBackToGenesis(t *testing.T) {
	g := genesisHeader()
	hc := LoadHeaderChain(filepath.Join(t.TempDir(), "absent.dat"), g)
	if hc.Height() != 0 || hc.Tip().Hash != g.Hash() {
		t.Errorf("missing file: height %d", hc.Height())
	}
}

func TestHeaderFile_CorruptFallsBackToGenesis(t *testing.T) {
	g := genesisHeader()
	hc := NewHeaderChain(g)
	mustAdd(t, hc, headersOn(g, 5, easyBits, 0))
	path := filepath.Join(t.TempDir(), HeaderFileName)
	if _, err := SaveHeaders(path, hc); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-10], 0644); err != nil {
		t.Fatal(err)
	}
	if got := LoadHeaderChain(path, g); got.Height() != 0 {
		t.Errorf("truncated file: height %d, want 0", got.Height())
	}

	if err := os.WriteFile(path, []byte{0x05, 1, 2, 3, 4, 5}, 0644); err != nil {
		t.Fatal(err)
	}
	if got := LoadHeaderChain(path, g); got.Height() != 0 {
		t.Errorf("wrong entry size: height %d, want 0", got.Height())
	}
}

func TestHeaderFile_ForeignGenesis(t *testing.T) {
	g := genesisHeader()
	hc := NewHeaderChain(g)
	mustAdd(t, hc, headersOn(g, 5, easyBits, 0))
	path := filepath.Join(t.TempDir(), HeaderFileName)
	if _, err := SaveHeaders(path, hc); err != nil {
		t.Fatal(err)
	}

	other := genesisHeader()
	other.Nonce = 42
	got := LoadHeaderChain(path, other)
	if got.Height() != 0 || got.Tip().Hash != other.Hash() {
		t.Errorf("foreign file loaded onto another genesis: height %d", got.Height())
	}
}
