// Package block defines headers, blocks, the chained header tree node and
// the compact difficulty encoding.
package block

import (
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Block represents a block in the chain. Signature is a DER signature of
// the block hash by the key that owns the stake.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
	Signature    []byte            `json:"signature,omitempty"`
}

type blockJSON struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
	Signature    string            `json:"signature,omitempty"`
}

// MarshalJSON encodes the block with a hex signature.
func (b *Block) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockJSON{
		Header:       b.Header,
		Transactions: b.Transactions,
		Signature:    hex.EncodeToString(b.Signature),
	})
}

// UnmarshalJSON decodes a block with a hex signature.
func (b *Block) UnmarshalJSON(data []byte) error {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	b.Header = j.Header
	b.Transactions = j.Transactions
	b.Signature = nil
	if j.Signature != "" {
		sig, err := hex.DecodeString(j.Signature)
		if err != nil {
			return err
		}
		b.Signature = sig
	}
	return nil
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// IsProofOfStake reports whether the second transaction is a coinstake.
func (b *Block) IsProofOfStake() bool {
	return len(b.Transactions) > 1 && b.Transactions[1] != nil && b.Transactions[1].IsCoinStake()
}

// CoinStake returns the coinstake transaction, or nil for a PoW block.
func (b *Block) CoinStake() *tx.Transaction {
	if !b.IsProofOfStake() {
		return nil
	}
	return b.Transactions[1]
}

// StakeOutpoint returns the outpoint staked by the kernel input.
func (b *Block) StakeOutpoint() (types.Outpoint, bool) {
	cs := b.CoinStake()
	if cs == nil {
		return types.Outpoint{}, false
	}
	return cs.Inputs[0].PrevOut, true
}

// UpdateMerkleRoot recomputes the header's merkle root from the
// transactions.
func (b *Block) UpdateMerkleRoot() {
	b.Header.MerkleRoot = TxMerkleRoot(b.Transactions)
}
