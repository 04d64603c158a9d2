// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Transaction represents a blockchain transaction. Time is part of the
// consensus data: coin age and the stake kernel are measured from it.
type Transaction struct {
	Version  uint32   `json:"version"`
	Time     uint32   `json:"time"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references an output being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new spendable output.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// IsEmpty reports whether the output is the zero-value, empty-script marker.
func (o Output) IsEmpty() bool {
	return o.Value == 0 && o.Script.IsEmpty()
}

// Hash computes the transaction ID (BLAKE3 hash of the serialized signing data).
// This excludes signatures to avoid circular dependency.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | time(4) | input_count(4) | [prevout(36)]... |
// output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data]... | locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = binary.LittleEndian.AppendUint32(buf, tx.Time)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		// Coinbase data (the height) keeps coinbase IDs unique.
		if in.PrevOut.IsZero() && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// IsCoinbase reports whether tx mints new coins from the zero outpoint.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}

// IsCoinStake reports whether tx has the coinstake shape: real inputs, at
// least two outputs and the empty marker as output 0.
func (tx *Transaction) IsCoinStake() bool {
	if len(tx.Inputs) == 0 || tx.Inputs[0].PrevOut.IsZero() {
		return false
	}
	return len(tx.Outputs) >= 2 && tx.Outputs[0].IsEmpty()
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

// NewCoinbase builds a coinbase paying value to script. The height is
// carried in the input so coinbases at different heights never collide.
func NewCoinbase(height uint64, t uint32, value uint64, script types.Script) *Transaction {
	data := binary.LittleEndian.AppendUint64(nil, height)
	return &Transaction{
		Version: 1,
		Time:    t,
		Inputs:  []Input{{Signature: data}},
		Outputs: []Output{{Value: value, Script: script}},
	}
}
