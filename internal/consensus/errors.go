package consensus

import (
	"context"
	"errors"
	"fmt"
)

// Error categories. Every rejection returned by this package wraps exactly
// one of ErrStructural or ErrConsensus next to its specific cause.
var (
	// ErrStructural marks a malformed block or signature. The block is
	// discarded and never retried against the same data.
	ErrStructural = errors.New("structural error")
	// ErrConsensus marks a kernel, coin age, target or timestamp failure.
	ErrConsensus = errors.New("consensus error")
	// ErrOrphan marks a block whose parent header is unknown.
	ErrOrphan = errors.New("orphan block")
	// ErrPeerLost marks a fetch worker torn down with its peer.
	ErrPeerLost = errors.New("peer lost")
	// ErrFatal marks a local failure, such as a storage write, that must
	// stop the node.
	ErrFatal = errors.New("fatal error")
)

// Structural causes.
var (
	ErrBadBlockSignature = errors.New("bad block signature")
	ErrNoStakeKey        = errors.New("coinstake output 1 is not pay-to-pubkey")
	ErrUnexpectedSig     = errors.New("proof-of-work block carries a signature")
	ErrNotCoinStake      = errors.New("transaction is not a coinstake")
	ErrHashMismatch      = errors.New("block does not match chained header")
)

// Consensus causes.
var (
	ErrPoWAfterLast     = errors.New("proof-of-work block after last proof-of-work height")
	ErrTimeTooOld       = errors.New("block time not after predecessor")
	ErrTimeTooNew       = errors.New("block time too far in the future")
	ErrCoinStakeTime    = errors.New("coinstake time differs from block time")
	ErrTimestampMask    = errors.New("coinstake time violates timestamp mask")
	ErrBadBits          = errors.New("incorrect difficulty bits")
	ErrHighHash         = errors.New("proof-of-work hash above target")
	ErrKernelTarget     = errors.New("kernel hash does not meet target")
	ErrMinAge           = errors.New("stake input below minimum age")
	ErrTimeViolation    = errors.New("coinstake earlier than stake input")
	ErrStakeNotFound    = errors.New("stake input not found")
	ErrStakeWrongBranch = errors.New("stake input not on this branch")
	ErrRewardTooHigh    = errors.New("coinstake reward exceeds allowance")
	ErrImmature         = errors.New("spends immature generated output")
	ErrFeeOverflow      = errors.New("block fees overflow")
)

// Kind is the handling class of an error.
type Kind int

const (
	KindNone Kind = iota
	KindStructural
	KindConsensus
	KindOrphan
	KindPeerLost
	KindCanceled
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStructural:
		return "structural"
	case KindConsensus:
		return "consensus"
	case KindOrphan:
		return "orphan"
	case KindPeerLost:
		return "peer-lost"
	case KindCanceled:
		return "canceled"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify maps err onto the handling taxonomy. Errors outside the
// taxonomy are treated as fatal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrPeerLost):
		return KindPeerLost
	case errors.Is(err, ErrOrphan):
		return KindOrphan
	case errors.Is(err, ErrStructural):
		return KindStructural
	case errors.Is(err, ErrConsensus):
		return KindConsensus
	default:
		return KindFatal
	}
}

// IsInvalid reports whether err rejects the block itself.
func IsInvalid(err error) bool {
	k := Classify(err)
	return k == KindStructural || k == KindConsensus
}

func structural(err error) error {
	return fmt.Errorf("%w: %w", ErrStructural, err)
}

func rejected(err error) error {
	return fmt.Errorf("%w: %w", ErrConsensus, err)
}

func fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}
