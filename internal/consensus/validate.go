package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// HeaderReader is the read side of the header chain.
type HeaderReader interface {
	GetByHeight(height uint64) (*block.ChainedBlock, bool)
	FindAncestor(hash types.Hash) (*block.ChainedBlock, bool)
}

// TxLocator maps a transaction ID to the block that contains it.
type TxLocator interface {
	Lookup(txid types.Hash) (types.Hash, bool, error)
}

// BlockGetter loads stored block bodies.
type BlockGetter interface {
	Get(hash types.Hash) (*block.Block, error)
}

// CheckBlockStructural runs every check that needs no chain context:
// block and transaction structure, input signatures and, for staked
// blocks, the block signature against the coinstake key.
func CheckBlockStructural(b *block.Block) error {
	if err := b.Validate(); err != nil {
		return structural(err)
	}
	for i, t := range b.Transactions[1:] {
		if err := t.VerifySignatures(); err != nil {
			return structural(fmt.Errorf("tx %d: %w", i+1, err))
		}
	}
	if !b.IsProofOfStake() {
		if len(b.Signature) != 0 {
			return structural(ErrUnexpectedSig)
		}
		return nil
	}
	return checkBlockSignature(b)
}

func checkBlockSignature(b *block.Block) error {
	key := b.CoinStake().Outputs[1].Script
	if key.Type != types.ScriptTypeP2PK {
		return structural(ErrNoStakeKey)
	}
	hash := b.Hash()
	if crypto.VerifySignature(hash[:], b.Signature, key.Data) {
		return nil
	}
	// Blocks signed before low-S enforcement verify once normalized.
	if ok, normalized := crypto.VerifySignatureLegacy(hash[:], b.Signature, key.Data); ok && normalized {
		klog.Consensus.Warn().Str("hash", hash.String()).Msg("Accepted high-S block signature after normalization")
		return nil
	}
	return structural(ErrBadBlockSignature)
}

// Validator runs full block acceptance against chain state.
type Validator struct {
	params  *Params
	headers HeaderReader
	txs     TxLocator
	blocks  BlockGetter
	now     func() time.Time
	logger  zerolog.Logger
}

// NewValidator creates a validator reading from the given stores.
func NewValidator(p *Params, headers HeaderReader, txs TxLocator, blocks BlockGetter) *Validator {
	return &Validator{
		params:  p,
		headers: headers,
		txs:     txs,
		blocks:  blocks,
		now:     time.Now,
		logger:  klog.WithComponent("consensus"),
	}
}

// Params returns the protocol parameters.
func (v *Validator) Params() *Params {
	return v.params
}

// SetClock replaces the wall clock used for the future-drift rule.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// StakeInput resolves op on the active chain.
func (v *Validator) StakeInput(op types.Outpoint) (*StakeInput, error) {
	return v.resolve(op, nil)
}

// SourceAt returns a CoinSource restricted to tip's branch.
func (v *Validator) SourceAt(tip *block.ChainedBlock) CoinSource {
	return &branchSource{v: v, tip: tip}
}

func (v *Validator) resolve(op types.Outpoint, tip *block.ChainedBlock) (*StakeInput, error) {
	blockHash, ok, err := v.txs.Lookup(op.TxID)
	if err != nil {
		return nil, fatal(fmt.Errorf("tx index lookup %s: %w", op.TxID, err))
	}
	if !ok {
		return nil, rejected(fmt.Errorf("%w: %s", ErrStakeNotFound, op))
	}
	cb, ok := v.headers.FindAncestor(blockHash)
	if !ok {
		return nil, rejected(fmt.Errorf("%w: %s (block %s unknown)", ErrStakeNotFound, op, blockHash.Short()))
	}
	if tip != nil {
		anc := v.ancestorAt(tip, cb.Height)
		if anc == nil || anc.Hash != cb.Hash {
			return nil, rejected(fmt.Errorf("%w: %s", ErrStakeWrongBranch, op))
		}
	}
	blk, err := v.blocks.Get(blockHash)
	if err != nil {
		return nil, fatal(fmt.Errorf("load block %s: %w", blockHash, err))
	}
	for _, t := range blk.Transactions {
		if t.Hash() != op.TxID {
			continue
		}
		if int(op.Index) >= len(t.Outputs) {
			break
		}
		return &StakeInput{
			Output:      t.Outputs[op.Index],
			TxTime:      t.Time,
			BlockHash:   blockHash,
			BlockHeight: cb.Height,
			BlockTime:   cb.Time(),
			Generated:   t.IsCoinbase() || t.IsCoinStake(),
		}, nil
	}
	return nil, rejected(fmt.Errorf("%w: %s", ErrStakeNotFound, op))
}

// ancestorAt uses the active height index when tip is on the active
// chain and walks the branch otherwise.
func (v *Validator) ancestorAt(tip *block.ChainedBlock, height uint64) *block.ChainedBlock {
	if height > tip.Height {
		return nil
	}
	if active, ok := v.headers.GetByHeight(tip.Height); ok && active.Hash == tip.Hash {
		cb, _ := v.headers.GetByHeight(height)
		return cb
	}
	return tip.GetAncestor(height)
}

// ValidateAndComputeStake performs full acceptance of b as the block
// chained at cb and, on success, records cb's PoS parameters.
func (v *Validator) ValidateAndComputeStake(cb *block.ChainedBlock, b *block.Block) error {
	if cb.Hash != b.Hash() {
		return structural(fmt.Errorf("%w: %s != %s", ErrHashMismatch, b.Hash(), cb.Hash))
	}
	if err := CheckBlockStructural(b); err != nil {
		return err
	}

	prev := cb.Prev
	if prev == nil {
		cb.SetPosParams(GenesisPosParams(cb.Hash))
		return nil
	}

	p := v.params
	h := b.Header
	pos := b.IsProofOfStake()
	if !pos && cb.Height > p.LastPoWBlock {
		return rejected(fmt.Errorf("%w: height %d", ErrPoWAfterLast, cb.Height))
	}
	if h.Time <= prev.Time() {
		return rejected(fmt.Errorf("%w: %d <= %d", ErrTimeTooOld, h.Time, prev.Time()))
	}
	if int64(h.Time) > v.now().Unix()+int64(p.FutureDrift) {
		return rejected(fmt.Errorf("%w: %d", ErrTimeTooNew, h.Time))
	}
	if pos {
		cs := b.CoinStake()
		if cs.Time != h.Time {
			return rejected(fmt.Errorf("%w: %d != %d", ErrCoinStakeTime, cs.Time, h.Time))
		}
		if !p.CheckStakeTime(h.Time) {
			return rejected(fmt.Errorf("%w: %d", ErrTimestampMask, h.Time))
		}
	}
	if want := ComputeNextTarget(prev, p, pos); h.Bits != want {
		return rejected(fmt.Errorf("%w: got %08x, want %08x", ErrBadBits, h.Bits, want))
	}
	if !pos && !CheckProofOfWork(cb.Hash, h.Bits) {
		return rejected(fmt.Errorf("%w: %s", ErrHighHash, cb.Hash.Short()))
	}

	src := &branchSource{v: v, tip: prev}
	outputs := &prevOutputs{src: src, height: cb.Height, maturity: p.CoinbaseMaturity}

	fees, err := blockFees(b, outputs)
	if err != nil {
		return err
	}

	hashProof := cb.Hash
	if pos {
		cs := b.CoinStake()
		proof, _, err := CheckProofOfStake(p, prev, cs, h.Bits, src)
		if err != nil {
			return err
		}
		if err := checkCoinStakeReward(p, cs, fees, src, outputs); err != nil {
			return err
		}
		hashProof = proof
	}

	if !cb.SetPosParams(BuildPosParams(prev, cb.Hash, hashProof, pos)) {
		v.logger.Debug().Str("hash", cb.Hash.Short()).Msg("PoS parameters already set")
	}
	return nil
}

// blockFees sums the fees of every regular transaction in b.
func blockFees(b *block.Block, outputs tx.PrevOutputProvider) (uint64, error) {
	first := 1
	if b.IsProofOfStake() {
		first = 2
	}
	var total uint64
	for i := first; i < len(b.Transactions); i++ {
		fee, err := b.Transactions[i].Fee(outputs)
		if err != nil {
			return 0, tagInputErr(fmt.Errorf("tx %d: %w", i, err))
		}
		if total+fee < total {
			return 0, rejected(ErrFeeOverflow)
		}
		total += fee
	}
	return total, nil
}

func checkCoinStakeReward(p *Params, cs *tx.Transaction, fees uint64, src CoinSource, outputs tx.PrevOutputProvider) error {
	in, err := cs.InputValue(outputs)
	if err != nil {
		return tagInputErr(fmt.Errorf("coinstake: %w", err))
	}
	out, err := cs.TotalOutputValue()
	if err != nil {
		return structural(err)
	}
	var credit uint64
	if out > in {
		credit = out - in
	}
	coinAge, err := GetCoinAge(p, cs, src)
	if err != nil {
		return err
	}
	allowed, err := StakeReward(p, coinAge, fees)
	if err != nil {
		return rejected(err)
	}
	if credit > allowed {
		return rejected(fmt.Errorf("%w: %d > %d (coin age %d)", ErrRewardTooHigh, credit, allowed, coinAge))
	}
	return nil
}

// tagInputErr classifies input errors from the tx package, which carry
// no category of their own, as consensus failures.
func tagInputErr(err error) error {
	if errors.Is(err, ErrFatal) || errors.Is(err, ErrStructural) || errors.Is(err, ErrConsensus) {
		return err
	}
	return rejected(err)
}

type branchSource struct {
	v   *Validator
	tip *block.ChainedBlock
}

func (s *branchSource) StakeInput(op types.Outpoint) (*StakeInput, error) {
	return s.v.resolve(op, s.tip)
}

// prevOutputs adapts a CoinSource to tx.PrevOutputProvider and enforces
// maturity of generated outputs. Genesis allocations are mature.
type prevOutputs struct {
	src      CoinSource
	height   uint64
	maturity uint64
}

func (po *prevOutputs) PrevOutput(op types.Outpoint) (tx.Output, error) {
	si, err := po.src.StakeInput(op)
	if err != nil {
		return tx.Output{}, err
	}
	if si.Generated && si.BlockHeight > 0 && po.height-si.BlockHeight < po.maturity {
		return tx.Output{}, rejected(fmt.Errorf("%w: %s at depth %d", ErrImmature, op, po.height-si.BlockHeight))
	}
	return si.Output, nil
}
