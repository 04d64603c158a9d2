package wallet

// Balance splits the wallet's coins by spendability.
type Balance struct {
	Confirmed uint64
	Immature  uint64 // generated coins below coinbase maturity
	Staking   uint64 // claimed by a pending coinstake
}

// Total returns confirmed plus immature value.
func (b Balance) Total() uint64 {
	return b.Confirmed + b.Immature
}
