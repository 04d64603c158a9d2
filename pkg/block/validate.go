package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-staker/config"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader           = errors.New("block has nil header")
	ErrNoTransactions      = errors.New("block has no transactions")
	ErrBadMerkleRoot       = errors.New("merkle root mismatch")
	ErrBadVersion          = errors.New("unsupported block version")
	ErrZeroTimestamp       = errors.New("block timestamp is zero")
	ErrNoCoinbase          = errors.New("first transaction must be coinbase")
	ErrTooManyTxs          = errors.New("too many transactions in block")
	ErrBlockTooLarge       = errors.New("block too large")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
	ErrMultipleCoinbase    = errors.New("multiple coinbase transactions in block")
	ErrMisplacedCoinStake  = errors.New("coinstake outside second position")
	ErrCoinbaseNotEmpty    = errors.New("coinbase output not empty in proof-of-stake block")
	ErrTxTimeAfterBlock    = errors.New("transaction time later than block time")
	ErrNilTransaction      = errors.New("nil transaction")
)

// Block version constants.
const (
	CurrentVersion = 1
	MaxVersion     = 1
)

// Validate checks block structure and internal consistency. It does not
// check the block signature or any rule that needs chain context.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}

	if b.Header.Time == 0 {
		return ErrZeroTimestamp
	}

	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	blockSize := HeaderSize + len(b.Signature)
	for i, t := range b.Transactions {
		if t == nil {
			return fmt.Errorf("tx %d: %w", i, ErrNilTransaction)
		}
		blockSize += len(t.SigningBytes())
	}
	if blockSize > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, blockSize, config.MaxBlockSize)
	}

	if !b.Transactions[0].IsCoinbase() {
		return ErrNoCoinbase
	}
	for i, t := range b.Transactions[1:] {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("tx %d: %w", i+1, ErrMultipleCoinbase)
			}
		}
	}

	for i, t := range b.Transactions {
		if i != 1 && t.IsCoinStake() {
			return fmt.Errorf("tx %d: %w", i, ErrMisplacedCoinStake)
		}
	}
	if b.IsProofOfStake() {
		for i, out := range b.Transactions[0].Outputs {
			if !out.IsEmpty() {
				return fmt.Errorf("output %d: %w", i, ErrCoinbaseNotEmpty)
			}
		}
	}

	if root := TxMerkleRoot(b.Transactions); b.Header.MerkleRoot != root {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, root)
	}

	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		if t.Time > b.Header.Time {
			return fmt.Errorf("tx %d: %w: %d > %d", i, ErrTxTimeAfterBlock, t.Time, b.Header.Time)
		}
	}

	allInputs := make(map[types.Outpoint]int)
	for i, t := range b.Transactions {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if prevTx, exists := allInputs[in.PrevOut]; exists {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i, ErrDuplicateBlockInput, in.PrevOut, prevTx)
			}
			allInputs[in.PrevOut] = i
		}
	}

	return nil
}
