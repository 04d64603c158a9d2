package wallet

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const (
	keyfileVersion = 1
	saltSize       = 32
)

var (
	// ErrWalletExists is returned by Create when the file is present.
	ErrWalletExists = errors.New("wallet already exists")
	// ErrBadPassword is returned when the seed cannot be opened.
	ErrBadPassword = errors.New("wrong password or corrupt wallet")
)

// EncryptionParams are the Argon2id cost settings stored with a wallet.
type EncryptionParams struct {
	Memory      uint32 `json:"memory"` // KiB
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultParams returns the cost used for new wallets.
func DefaultParams() EncryptionParams {
	return EncryptionParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

// keyfile is the on-disk wallet. The seed is sealed with
// XChaCha20-Poly1305 under an Argon2id key; the version and counters are
// bound as associated data.
type keyfile struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	KDF       EncryptionParams `json:"kdf"`
	Salt      []byte           `json:"salt"`
	Nonce     []byte           `json:"nonce"`
	Sealed    []byte           `json:"sealed_seed"`
	External  uint32           `json:"external_keys"`
	Change    uint32           `json:"change_keys"`
	FirstAddr string           `json:"first_address"`
}

func (kf *keyfile) aad() []byte {
	return fmt.Appendf(nil, "klingnet-staker/v%d/%d/%d", kf.Version, kf.External, kf.Change)
}

func (kf *keyfile) aead(password []byte) (cipher.AEAD, func(), error) {
	key := argon2.IDKey(password, kf.Salt, kf.KDF.Iterations, kf.KDF.Memory, kf.KDF.Parallelism, chacha20poly1305.KeySize)
	wipe := func() { clear(key) }
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		wipe()
		return nil, nil, err
	}
	return a, wipe, nil
}

func (kf *keyfile) seal(seed, password []byte) error {
	kf.Salt = make([]byte, saltSize)
	kf.Nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(kf.Salt); err != nil {
		return err
	}
	if _, err := rand.Read(kf.Nonce); err != nil {
		return err
	}
	a, wipe, err := kf.aead(password)
	if err != nil {
		return err
	}
	defer wipe()
	kf.Sealed = a.Seal(nil, kf.Nonce, seed, kf.aad())
	return nil
}

func (kf *keyfile) open(password []byte) ([]byte, error) {
	if len(kf.Nonce) != chacha20poly1305.NonceSizeX || len(kf.Salt) != saltSize {
		return nil, ErrBadPassword
	}
	a, wipe, err := kf.aead(password)
	if err != nil {
		return nil, err
	}
	defer wipe()
	seed, err := a.Open(nil, kf.Nonce, kf.Sealed, kf.aad())
	if err != nil {
		return nil, ErrBadPassword
	}
	return seed, nil
}

func readKeyfile(path string) (*keyfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse wallet: %w", err)
	}
	if kf.Version != keyfileVersion {
		return nil, fmt.Errorf("unsupported wallet version: %d", kf.Version)
	}
	return &kf, nil
}

func writeKeyfile(path string, kf *keyfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create wallet dir: %w", err)
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	return os.Rename(tmp, path)
}

// Create writes a new wallet at path sealing the seed of mnemonic, and
// returns its first staking address.
func Create(path, mnemonic string, password []byte, params EncryptionParams) (types.Address, error) {
	if _, err := os.Stat(path); err == nil {
		return types.Address{}, fmt.Errorf("%s: %w", path, ErrWalletExists)
	}
	seed, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return types.Address{}, err
	}
	defer clear(seed)

	accts, err := DeriveAccounts(seed, 1, 0)
	if err != nil {
		return types.Address{}, err
	}
	first := accts[0]
	first.Key.Zero()

	kf := &keyfile{
		Version:   keyfileVersion,
		CreatedAt: time.Now().UTC(),
		KDF:       params,
		External:  1,
		FirstAddr: first.Address.Hex(),
	}
	if err := kf.seal(seed, password); err != nil {
		return types.Address{}, fmt.Errorf("seal seed: %w", err)
	}
	if err := writeKeyfile(path, kf); err != nil {
		return types.Address{}, err
	}
	return first.Address, nil
}

// Unlock opens the wallet at path and derives every key it has handed out.
func Unlock(path string, password []byte) ([]Account, error) {
	kf, err := readKeyfile(path)
	if err != nil {
		return nil, err
	}
	seed, err := kf.open(password)
	if err != nil {
		return nil, err
	}
	defer clear(seed)
	return DeriveAccounts(seed, kf.External, kf.Change)
}
