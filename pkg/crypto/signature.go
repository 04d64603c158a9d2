package crypto

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ErrHighS is returned when a signature's S value is in the upper half of
// the group order.
var ErrHighS = errors.New("non-canonical signature: high S")

// Signer signs 32-byte hashes with a secp256k1 key.
type Signer interface {
	// Sign produces a DER-encoded low-S ECDSA signature over a 32-byte hash.
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the compressed 33-byte public key.
	PublicKey() []byte
}

// PrivateKey wraps a secp256k1 private key for ECDSA signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Sign produces a deterministic (RFC 6979) DER signature over a 32-byte
// hash. The encoding is always low-S.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	return ecdsa.Sign(pk.key, hash).Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// IsLowS reports whether a DER signature parses and carries a low S value.
func IsLowS(der []byte) bool {
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return false
	}
	s := sig.S()
	return !s.IsOverHalfOrder()
}

// EnsureLowS re-encodes a DER signature with S replaced by N-S when S is in
// the upper half of the group order. Low-S input is returned re-encoded
// unchanged.
func EnsureLowS(der []byte) ([]byte, error) {
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	r, s := sig.R(), sig.S()
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	return ecdsa.NewSignature(&r, &s).Serialize(), nil
}

// VerifySignature checks a DER signature against a 32-byte hash and a
// compressed public key. High-S signatures are rejected.
func VerifySignature(hash, signature, publicKey []byte) bool {
	if !IsLowS(signature) {
		return false
	}
	return verify(hash, signature, publicKey)
}

// VerifySignatureLegacy accepts a high-S signature by normalizing it first.
// It reports whether normalization was needed.
func VerifySignatureLegacy(hash, signature, publicKey []byte) (ok, normalized bool) {
	if VerifySignature(hash, signature, publicKey) {
		return true, false
	}
	fixed, err := EnsureLowS(signature)
	if err != nil {
		return false, false
	}
	return verify(hash, fixed, publicKey), true
}

func verify(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}
