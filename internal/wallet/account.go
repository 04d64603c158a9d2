package wallet

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Account is a derived signing key.
type Account struct {
	Change  uint32
	Index   uint32
	Address types.Address
	Key     *crypto.PrivateKey
}

// DeriveAccounts derives the first external keys of account 0 and, when
// internal is non-zero, the first internal (change) keys.
func DeriveAccounts(seed []byte, external, internal uint32) ([]Account, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	var out []Account
	derive := func(change, n uint32) error {
		for i := uint32(0); i < n; i++ {
			k, err := master.DeriveAddress(0, change, i)
			if err != nil {
				return err
			}
			signer, err := k.Signer()
			if err != nil {
				return err
			}
			out = append(out, Account{Change: change, Index: i, Address: k.Address(), Key: signer})
		}
		return nil
	}
	if err := derive(ChangeExternal, max(external, 1)); err != nil {
		return nil, fmt.Errorf("derive external keys: %w", err)
	}
	if err := derive(ChangeInternal, internal); err != nil {
		return nil, fmt.Errorf("derive change keys: %w", err)
	}
	return out, nil
}
