package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/Klingon-tech/klingnet-staker/config"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const day = 24 * 60 * 60

// t0 is aligned to the stake timestamp grid.
const t0 uint32 = 1_700_000_000

func testParams() *Params {
	return NewParams(config.TestnetGenesis())
}

// memHeaders is a minimal HeaderReader over one active path.
type memHeaders struct {
	byHash   map[types.Hash]*block.ChainedBlock
	byHeight []*block.ChainedBlock
}

func (m *memHeaders) GetByHeight(h uint64) (*block.ChainedBlock, bool) {
	if h >= uint64(len(m.byHeight)) {
		return nil, false
	}
	return m.byHeight[h], true
}

func (m *memHeaders) FindAncestor(hash types.Hash) (*block.ChainedBlock, bool) {
	cb, ok := m.byHash[hash]
	return cb, ok
}

type memTxIndex map[types.Hash]types.Hash

func (m memTxIndex) Lookup(txid types.Hash) (types.Hash, bool, error) {
	h, ok := m[txid]
	return h, ok, nil
}

type memBlocks map[types.Hash]*block.Block

func (m memBlocks) Get(hash types.Hash) (*block.Block, error) {
	b, ok := m[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

type fixture struct {
	t       *testing.T
	p       *Params
	key     *crypto.PrivateKey
	addr    types.Address
	headers *memHeaders
	txs     memTxIndex
	blocks  memBlocks
	v       *Validator
	genesis *block.ChainedBlock
	stake   types.Outpoint
}

const stakeValue = 1000 * config.Coin

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	f := &fixture{
		t:       t,
		p:       testParams(),
		key:     key,
		addr:    crypto.AddressFromPubKey(key.PublicKey()),
		headers: &memHeaders{byHash: make(map[types.Hash]*block.ChainedBlock)},
		txs:     make(memTxIndex),
		blocks:  make(memBlocks),
	}
	f.v = NewValidator(f.p, f.headers, f.txs, f.blocks)
	f.v.SetClock(func() time.Time { return time.Unix(int64(t0)+365*day, 0) })

	coinbase := tx.NewCoinbase(0, t0, stakeValue, types.P2PKHScript(f.addr))
	gb := block.NewBlock(&block.Header{Version: 1, Time: t0, Bits: f.p.PowLimitBits}, []*tx.Transaction{coinbase})
	gb.UpdateMerkleRoot()
	f.genesis = block.NewGenesisBlock(gb.Header)
	if err := f.v.ValidateAndComputeStake(f.genesis, gb); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.connect(f.genesis, gb)
	f.stake = types.Outpoint{TxID: coinbase.Hash(), Index: 0}
	return f
}

func (f *fixture) connect(cb *block.ChainedBlock, b *block.Block) {
	f.headers.byHash[cb.Hash] = cb
	f.headers.byHeight = append(f.headers.byHeight[:cb.Height], cb)
	f.blocks[cb.Hash] = b
	for _, t := range b.Transactions {
		f.txs[t.Hash()] = cb.Hash
	}
}

// stakeBlock builds a signed staked block on prev spending the fixture's
// genesis coin at txTime with the given reward.
func (f *fixture) stakeBlock(prev *block.ChainedBlock, txTime uint32, reward uint64) *block.Block {
	f.t.Helper()
	b := tx.NewBuilder().
		SetTime(txTime).
		AddInput(f.stake).
		AddEmptyOutput().
		AddOutput(stakeValue+reward, types.P2PKScript(f.key.PublicKey()))
	if err := b.Sign(f.key); err != nil {
		f.t.Fatalf("sign coinstake: %v", err)
	}
	coinbase := tx.NewCoinbase(prev.Height+1, txTime, 0, types.Script{})
	header := &block.Header{
		Version:  1,
		PrevHash: prev.Hash,
		Time:     txTime,
		Bits:     ComputeNextTarget(prev, f.p, true),
	}
	blk := block.NewBlock(header, []*tx.Transaction{coinbase, b.Build()})
	f.signBlock(blk, f.key)
	return blk
}

func (f *fixture) signBlock(blk *block.Block, key *crypto.PrivateKey) {
	f.t.Helper()
	blk.UpdateMerkleRoot()
	hash := blk.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		f.t.Fatalf("sign block: %v", err)
	}
	blk.Signature = sig
}

// allowedReward is the maximum credit for staking the genesis coin at txTime.
func (f *fixture) allowedReward(txTime uint32) uint64 {
	f.t.Helper()
	cs := &tx.Transaction{Time: txTime, Inputs: []tx.Input{{PrevOut: f.stake}}}
	age, err := GetCoinAge(f.p, cs, f.v)
	if err != nil {
		f.t.Fatalf("coin age: %v", err)
	}
	r, err := StakeReward(f.p, age, 0)
	if err != nil {
		f.t.Fatalf("reward: %v", err)
	}
	return r
}

// chain builds n chained headers on prev with the given spacing. Every
// block is marked with the given kind.
func chain(prev *block.ChainedBlock, n int, spacing uint32, bits uint32, pos bool) *block.ChainedBlock {
	for i := 0; i < n; i++ {
		h := &block.Header{Version: 1, PrevHash: prev.Hash, Time: prev.Time() + spacing, Bits: bits}
		cb := block.NewChainedBlock(h, prev)
		var flags uint32
		if pos {
			flags = block.FlagProofOfStake
		}
		cb.SetPosParams(block.PosParams{Flags: flags})
		prev = cb
	}
	return prev
}

// grind searches nonces until the header meets its proof-of-work target.
func grind(blk *block.Block) {
	for !CheckProofOfWork(blk.Hash(), blk.Header.Bits) {
		blk.Header.Nonce++
	}
}

func highS(t *testing.T, der []byte) []byte {
	t.Helper()
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, s := sig.R(), sig.S()
	s.Negate()
	rb, sb := r.Bytes(), s.Bytes()
	canon := func(b []byte) []byte {
		for len(b) > 1 && b[0] == 0 && b[1]&0x80 == 0 {
			b = b[1:]
		}
		if b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	}
	rc, sc := canon(rb[:]), canon(sb[:])
	out := []byte{0x30, byte(4 + len(rc) + len(sc)), 0x02, byte(len(rc))}
	out = append(out, rc...)
	out = append(out, 0x02, byte(len(sc)))
	return append(out, sc...)
}
