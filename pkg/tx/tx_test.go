package tx

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

type mapProvider map[types.Outpoint]Output

func (m mapProvider) PrevOutput(op types.Outpoint) (Output, error) {
	out, ok := m[op]
	if !ok {
		return Output{}, ErrInputNotFound
	}
	return out, nil
}

// validTx creates a minimal valid signed transaction for testing.
func validTx(t *testing.T, key *crypto.PrivateKey) *Transaction {
	t.Helper()
	b := NewBuilder().
		SetTime(1000).
		AddInput(types.Outpoint{TxID: types.Hash{0x01}, Index: 0}).
		AddOutput(1000, types.P2PKHScript(crypto.AddressFromPubKey(key.PublicKey())))
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

func TestValidate_Valid(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tx := validTx(t, key)
	if err := tx.Validate(); err != nil {
		t.Errorf("valid tx should pass: %v", err)
	}
	if err := tx.VerifySignatures(); err != nil {
		t.Errorf("signatures should verify: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	same := types.Outpoint{TxID: types.Hash{0x01}}
	p2pkh := types.P2PKHScript(types.Address{0x01})
	tests := []struct {
		name string
		tx   *Transaction
		want error
	}{
		{"no inputs", &Transaction{Outputs: []Output{{Value: 1, Script: p2pkh}}}, ErrNoInputs},
		{"no outputs", &Transaction{Inputs: []Input{{PrevOut: same, Signature: []byte("s"), PubKey: []byte("k")}}}, ErrNoOutputs},
		{"duplicate", &Transaction{
			Inputs:  []Input{{PrevOut: same, Signature: []byte("s"), PubKey: []byte("k")}, {PrevOut: same, Signature: []byte("s"), PubKey: []byte("k")}},
			Outputs: []Output{{Value: 1, Script: p2pkh}},
		}, ErrDuplicateInput},
		{"missing pubkey", &Transaction{
			Inputs:  []Input{{PrevOut: same, Signature: []byte("s")}},
			Outputs: []Output{{Value: 1, Script: p2pkh}},
		}, ErrMissingPubKey},
		{"zero value with script", &Transaction{
			Inputs:  []Input{{PrevOut: same, Signature: []byte("s"), PubKey: []byte("k")}},
			Outputs: []Output{{Value: 0, Script: p2pkh}},
		}, ErrZeroOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.tx.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCoinbaseAndCoinstakeShape(t *testing.T) {
	cb := NewCoinbase(5, 100, 0, types.Script{})
	if !cb.IsCoinbase() || cb.IsCoinStake() {
		t.Error("coinbase misclassified")
	}
	if err := cb.Validate(); err != nil {
		t.Errorf("empty coinbase should validate: %v", err)
	}
	if NewCoinbase(5, 100, 0, types.Script{}).Hash() == NewCoinbase(6, 100, 0, types.Script{}).Hash() {
		t.Error("coinbases at different heights must have different ids")
	}

	key, _ := crypto.GenerateKey()
	cs := NewBuilder().
		SetTime(160).
		AddInput(types.Outpoint{TxID: types.Hash{0x02}, Index: 1}).
		AddEmptyOutput().
		AddOutput(500, types.P2PKScript(key.PublicKey())).
		Build()
	if !cs.IsCoinStake() || cs.IsCoinbase() {
		t.Error("coinstake misclassified")
	}
	cs.Outputs[0].Value = 1
	if cs.IsCoinStake() {
		t.Error("non-empty first output must not be a coinstake")
	}
}

func TestSigningBytes_CoversTime(t *testing.T) {
	key, _ := crypto.GenerateKey()
	a := validTx(t, key)
	b := *a
	b.Time++
	if a.Hash() == b.Hash() {
		t.Error("transaction time must be part of the id")
	}
}

func TestJSONRoundtrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	orig := validTx(t, key)
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Transaction
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Hash() != orig.Hash() {
		t.Error("hash changed across JSON roundtrip")
	}
	if err := got.VerifySignatures(); err != nil {
		t.Errorf("signature lost across JSON roundtrip: %v", err)
	}
}

func TestFee(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tx := validTx(t, key)
	addr := crypto.AddressFromPubKey(key.PublicKey())
	provider := mapProvider{
		tx.Inputs[0].PrevOut: {Value: 1500, Script: types.P2PKHScript(addr)},
	}
	fee, err := tx.Fee(provider)
	if err != nil {
		t.Fatalf("Fee: %v", err)
	}
	if fee != 500 {
		t.Errorf("fee = %d, want 500", fee)
	}

	provider[tx.Inputs[0].PrevOut] = Output{Value: 1500, Script: types.P2PKHScript(types.Address{0x09})}
	if _, err := tx.Fee(provider); !errors.Is(err, ErrScriptMismatch) {
		t.Errorf("expected ErrScriptMismatch, got %v", err)
	}

	if _, err := tx.Fee(mapProvider{}); !errors.Is(err, ErrInputNotFound) {
		t.Errorf("expected ErrInputNotFound, got %v", err)
	}
}

func TestSignMulti(t *testing.T) {
	k1, _ := crypto.GenerateKey()
	k2, _ := crypto.GenerateKey()
	a1 := crypto.AddressFromPubKey(k1.PublicKey())
	a2 := crypto.AddressFromPubKey(k2.PublicKey())
	op1 := types.Outpoint{TxID: types.Hash{0x01}}
	op2 := types.Outpoint{TxID: types.Hash{0x02}}

	b := NewBuilder().AddInput(op1).AddInput(op2).AddOutput(10, types.P2PKHScript(a1))
	err := b.SignMulti(
		map[types.Address]crypto.Signer{a1: k1, a2: k2},
		map[types.Outpoint]types.Address{op1: a1, op2: a2},
	)
	if err != nil {
		t.Fatalf("SignMulti: %v", err)
	}
	if err := b.Build().VerifySignatures(); err != nil {
		t.Errorf("VerifySignatures: %v", err)
	}
}
