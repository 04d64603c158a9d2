// Package wallet holds the staker's keys and tracks the coins they own.
package wallet

import (
	"errors"
	"fmt"

	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const (
	// SeedSize is the BIP-39 seed length in bytes.
	SeedSize = 64

	mnemonicEntropyBits = 256

	// Derivation path m/44'/8888'/account'/change/index.
	purpose  = bip32.FirstHardenedChild + 44
	coinType = bip32.FirstHardenedChild + 8888

	ChangeExternal = 0
	ChangeInternal = 1
)

var errInvalidMnemonic = errors.New("invalid mnemonic")

// GenerateMnemonic returns a fresh 24-word phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic reports whether words, wordlist and checksum are valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// SeedFromMnemonic stretches a phrase and optional passphrase into a seed.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !ValidateMnemonic(mnemonic) {
		return nil, errInvalidMnemonic
	}
	return bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
}

// HDKey is a private BIP-32 extended key.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey builds the root key of a seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	root, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: root}, nil
}

// DeriveAddress walks to the key for (account, change, index).
func (k *HDKey) DeriveAddress(account, change, index uint32) (*HDKey, error) {
	cur := k.key
	for _, i := range []uint32{purpose, coinType, bip32.FirstHardenedChild + account, change, index} {
		next, err := cur.NewChildKey(i)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", i, err)
		}
		cur = next
	}
	return &HDKey{key: cur}, nil
}

// Signer returns the signing key.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	// bip32 pads private keys to 33 bytes.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}

// Address returns the pay-to-pubkey-hash address of the key.
func (k *HDKey) Address() types.Address {
	return crypto.AddressFromPubKey(k.key.PublicKey().Key)
}
