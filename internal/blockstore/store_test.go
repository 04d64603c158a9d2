package blockstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-staker/internal/storage"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

type fakeMode bool

func (f fakeMode) InDownload() bool { return bool(f) }

// testChain builds n linked blocks with one coinbase each.
func testChain(n int) ([]*block.Block, []*block.ChainedBlock) {
	var (
		blocks []*block.Block
		chain  []*block.ChainedBlock
		prev   types.Hash
	)
	for i := 0; i < n; i++ {
		cb := tx.NewCoinbase(uint64(i), 1_700_000_000+uint32(i)*64, 50, types.P2PKHScript(types.Address{1}))
		blk := block.NewBlock(&block.Header{
			Version:  1,
			PrevHash: prev,
			Time:     1_700_000_000 + uint32(i)*64,
			Bits:     0x207fffff,
		}, []*tx.Transaction{cb})
		blk.UpdateMerkleRoot()
		blocks = append(blocks, blk)
		if i == 0 {
			chain = append(chain, block.NewGenesisBlock(blk.Header))
		} else {
			chain = append(chain, block.NewChainedBlock(blk.Header, chain[i-1]))
		}
		prev = blk.Hash()
	}
	return blocks, chain
}

type pathChain []*block.ChainedBlock

func (p pathChain) Tip() *block.ChainedBlock { return p[len(p)-1] }

func (p pathChain) GetByHeight(h uint64) (*block.ChainedBlock, bool) {
	if h >= uint64(len(p)) {
		return nil, false
	}
	return p[h], true
}

func openStore(t *testing.T, dir string, db storage.DB, opts Options) *Store {
	t.Helper()
	s, err := Open(dir, db, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openStore(t, t.TempDir(), storage.NewMemory(), Options{})
	blocks, _ := testChain(3)

	for _, b := range blocks {
		require.NoError(t, s.Put(b, nil))
	}
	for i, b := range blocks {
		if !s.Has(b.Hash()) {
			t.Errorf("Has(block %d) = false", i)
		}
		got, err := s.Get(b.Hash())
		if err != nil {
			t.Fatalf("Get(block %d): %v", i, err)
		}
		if got.Hash() != b.Hash() {
			t.Errorf("Get(block %d) hash = %s, want %s", i, got.Hash(), b.Hash())
		}
	}

	if _, err := s.Get(types.Hash{0xff}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_PutIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, storage.NewMemory(), Options{})
	blocks, _ := testChain(1)

	require.NoError(t, s.Put(blocks[0], nil))
	before, _ := os.Stat(filepath.Join(dir, segmentName(0)))
	require.NoError(t, s.Put(blocks[0], nil))
	after, _ := os.Stat(filepath.Join(dir, segmentName(0)))
	if before.Size() != after.Size() {
		t.Errorf("second Put grew segment from %d to %d bytes", before.Size(), after.Size())
	}
}

func TestStore_ReadsFromDiskAfterEviction(t *testing.T) {
	s := openStore(t, t.TempDir(), storage.NewMemory(), Options{CacheSize: 1})
	blocks, _ := testChain(3)
	for _, b := range blocks {
		require.NoError(t, s.Put(b, nil))
	}
	if s.cache.Contains(blocks[0].Hash()) {
		t.Fatal("oldest block should have been evicted")
	}
	got, err := s.Get(blocks[0].Hash())
	require.NoError(t, err)
	if got.Hash() != blocks[0].Hash() {
		t.Error("wrong block returned after eviction")
	}
}

func TestStore_SkipsCacheInDownload(t *testing.T) {
	s := openStore(t, t.TempDir(), storage.NewMemory(), Options{Mode: fakeMode(true)})
	blocks, _ := testChain(1)
	require.NoError(t, s.Put(blocks[0], nil))
	if s.cache.Len() != 0 {
		t.Errorf("cache len = %d during download, want 0", s.cache.Len())
	}
	if !s.Has(blocks[0].Hash()) {
		t.Error("block not found in index")
	}
}

func TestStore_PosParams(t *testing.T) {
	s := openStore(t, t.TempDir(), storage.NewMemory(), Options{})
	blocks, _ := testChain(2)

	pos := &block.PosParams{Flags: block.FlagProofOfStake, Checksum: 7}
	require.NoError(t, s.Put(blocks[0], pos))
	got, ok, err := s.GetPos(blocks[0].Hash())
	if err != nil || !ok {
		t.Fatalf("GetPos = %v, %v", ok, err)
	}
	if got.Checksum != 7 || !got.IsProofOfStake() {
		t.Errorf("GetPos = %+v", got)
	}

	require.NoError(t, s.Put(blocks[1], nil))
	if _, ok, _ := s.GetPos(blocks[1].Hash()); ok {
		t.Error("GetPos should report missing params")
	}
	require.NoError(t, s.UpdatePos(blocks[1].Hash(), block.PosParams{Checksum: 9}))
	got, ok, _ = s.GetPos(blocks[1].Hash())
	if !ok || got.Checksum != 9 {
		t.Errorf("GetPos after update = %+v, %v", got, ok)
	}

	if err := s.UpdatePos(types.Hash{0xee}, block.PosParams{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePos(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_SegmentRotation(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, storage.NewMemory(), Options{MaxFileSize: 512})
	blocks, _ := testChain(6)
	for _, b := range blocks {
		require.NoError(t, s.Put(b, nil))
	}
	segs, err := listSegments(dir)
	require.NoError(t, err)
	if len(segs) < 2 {
		t.Fatalf("segments = %v, want rotation", segs)
	}
	for i, b := range blocks {
		s.cache.Remove(b.Hash())
		if _, err := s.Get(b.Hash()); err != nil {
			t.Errorf("Get(block %d): %v", i, err)
		}
	}
}

func TestStore_ReindexRebuildsLostIndex(t *testing.T) {
	dir := t.TempDir()
	blocks, _ := testChain(4)

	s, err := Open(dir, storage.NewMemory(), Options{MaxFileSize: 600})
	require.NoError(t, err)
	for _, b := range blocks {
		require.NoError(t, s.Put(b, nil))
	}
	s.Close()

	// A fresh index database sees the segment files only.
	s2 := openStore(t, dir, storage.NewMemory(), Options{})
	for i, b := range blocks {
		if !s2.Has(b.Hash()) {
			t.Errorf("block %d missing after reindex", i)
		}
		if _, ok, err := s2.TxIndex().Lookup(b.Transactions[0].Hash()); err != nil || !ok {
			t.Errorf("tx of block %d missing after reindex: %v", i, err)
		}
	}
}

func TestStore_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	db := storage.NewMemory()
	blocks, _ := testChain(2)

	s, err := Open(dir, db, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Put(blocks[0], nil))
	s.Close()

	path := filepath.Join(dir, segmentName(0))
	good, _ := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	f.Write(encodeRecord([]byte(`{"block":`))[:12])
	f.Close()

	s2 := openStore(t, dir, db, Options{})
	require.NoError(t, s2.Put(blocks[1], nil))
	s2.cache.Purge()
	for i, b := range blocks {
		if _, err := s2.Get(b.Hash()); err != nil {
			t.Errorf("Get(block %d) after torn tail: %v", i, err)
		}
	}
	loc, _ := s2.db.Get(hashKey(prefixBlock, blocks[1].Hash()))
	l, _ := decodeLocation(loc)
	if l.offset != good.Size() {
		t.Errorf("second block offset = %d, want %d", l.offset, good.Size())
	}
}

func TestStore_FindLastContiguous(t *testing.T) {
	s := openStore(t, t.TempDir(), storage.NewMemory(), Options{})
	blocks, chain := testChain(5)

	if got := s.FindLastContiguous(pathChain(chain)); got != chain[0] {
		t.Errorf("empty store: got height %d, want genesis", got.Height)
	}
	for _, b := range blocks[:3] {
		require.NoError(t, s.Put(b, nil))
	}
	if got := s.FindLastContiguous(pathChain(chain)); got.Height != 2 {
		t.Errorf("FindLastContiguous height = %d, want 2", got.Height)
	}
}

func TestTxIndex_ResetAndCatchUp(t *testing.T) {
	s := openStore(t, t.TempDir(), storage.NewMemory(), Options{})
	blocks, chain := testChain(4)
	for i, b := range blocks {
		require.NoError(t, s.Put(b, nil))
		require.NoError(t, s.SetLastIndexed(chain[i].Hash, uint64(i)))
	}
	if _, h, ok := s.TxIndex().Watermark(); !ok || h != 3 {
		t.Fatalf("watermark = %d, %v, want 3", h, ok)
	}

	require.NoError(t, s.TxIndex().Reset())
	txid := blocks[2].Transactions[0].Hash()
	if _, ok, _ := s.TxIndex().Lookup(txid); ok {
		t.Fatal("Lookup should miss after Reset")
	}

	require.NoError(t, s.TxIndex().CatchUp(context.Background(), pathChain(chain), s))
	got, ok, err := s.TxIndex().Lookup(txid)
	if err != nil || !ok {
		t.Fatalf("Lookup after CatchUp = %v, %v", ok, err)
	}
	if got != chain[2].Hash {
		t.Errorf("Lookup = %s, want %s", got, chain[2].Hash)
	}
	if _, h, ok := s.TxIndex().Watermark(); !ok || h != 3 {
		t.Errorf("watermark after CatchUp = %d, %v", h, ok)
	}
}

func TestTxIndex_CatchUpCanceled(t *testing.T) {
	s := openStore(t, t.TempDir(), storage.NewMemory(), Options{})
	blocks, chain := testChain(2)
	for i, b := range blocks {
		s.Put(b, nil)
		s.SetLastIndexed(chain[i].Hash, uint64(i))
	}
	s.TxIndex().Reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.TxIndex().CatchUp(ctx, pathChain(chain), s); !errors.Is(err, context.Canceled) {
		t.Errorf("CatchUp error = %v, want context.Canceled", err)
	}
}
