package tx

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Input resolution errors.
var (
	ErrInputNotFound   = errors.New("input output not found")
	ErrInsufficientFee = errors.New("outputs exceed inputs")
	ErrInputOverflow   = errors.New("input values overflow")
	ErrScriptMismatch  = errors.New("pubkey does not match output script")
	ErrUnspendable     = errors.New("output is unspendable")
)

// PrevOutputProvider resolves the output an input spends.
type PrevOutputProvider interface {
	PrevOutput(op types.Outpoint) (Output, error)
}

// InputValue resolves every input, checks ownership of each spent script
// and returns the summed input value. Signatures are not checked here.
func (tx *Transaction) InputValue(provider PrevOutputProvider) (uint64, error) {
	var total uint64
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		out, err := provider.PrevOutput(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, err)
		}
		if err := checkOwner(in.PubKey, out.Script); err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		total += out.Value
	}
	return total, nil
}

// Fee returns inputs minus outputs for a regular transaction.
func (tx *Transaction) Fee(provider PrevOutputProvider) (uint64, error) {
	in, err := tx.InputValue(provider)
	if err != nil {
		return 0, err
	}
	out, err := tx.TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutputOverflow, err)
	}
	if in < out {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, in, out)
	}
	return in - out, nil
}

func checkOwner(pubKey []byte, script types.Script) error {
	switch script.Type {
	case types.ScriptTypeP2PKH:
		if len(script.Data) != types.AddressSize {
			return fmt.Errorf("%w: script data length %d", ErrScriptMismatch, len(script.Data))
		}
		if len(pubKey) == 0 {
			return ErrMissingPubKey
		}
		derived := crypto.AddressFromPubKey(pubKey)
		if !bytes.Equal(derived[:], script.Data) {
			return fmt.Errorf("%w: expected %x, got %s", ErrScriptMismatch, script.Data, derived.Hex())
		}
	case types.ScriptTypeP2PK:
		if !bytes.Equal(pubKey, script.Data) {
			return fmt.Errorf("%w: pubkey does not match P2PK output", ErrScriptMismatch)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnspendable, script.Type)
	}
	return nil
}
