package wallet

import (
	"errors"
	"fmt"
	"sort"
)

// Coin selection errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoCoins           = errors.New("no coins available")
)

// CoinSelection is a set of coins covering a target value.
type CoinSelection struct {
	Inputs []Coin
	Total  uint64
	Change uint64 // Total minus target
}

func newSelection(coins []Coin, target uint64) *CoinSelection {
	sel := &CoinSelection{Inputs: append([]Coin(nil), coins...)}
	for _, c := range coins {
		sel.Total += c.Value
	}
	sel.Change = sel.Total - target
	return sel
}

// SelectCoins picks coins worth at least target: the smallest coin that
// covers it alone, or else the fewest coins taken largest first. The staker uses it to set aside the coins holding the reserve balance.
// The input slice is not modified.
func SelectCoins(coins []Coin, target uint64) (*CoinSelection, error) {
	if target == 0 {
		return nil, errors.New("select coins: zero target")
	}
	pool := make([]Coin, 0, len(coins))
	var have uint64
	for _, c := range coins {
		if c.Value > 0 {
			pool = append(pool, c)
			have += c.Value
		}
	}
	if len(pool) == 0 {
		return nil, ErrNoCoins
	}
	if have < target {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, have, target)
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Value > pool[j].Value })

	// Descending order: the coin just before the first one below target
	// is the smallest that covers it alone.
	if i := sort.Search(len(pool), func(i int) bool { return pool[i].Value < target }) - 1; i >= 0 {
		return newSelection(pool[i:i+1], target), nil
	}
	return fill(pool, target), nil
}

// fill takes coins from the front of pool until target is covered. The
// caller guarantees pool covers it.
func fill(pool []Coin, target uint64) *CoinSelection {
	var total uint64
	for i, c := range pool {
		total += c.Value
		if total >= target {
			return newSelection(pool[:i+1], target)
		}
	}
	return newSelection(pool, target)
}
