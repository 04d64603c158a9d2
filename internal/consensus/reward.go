package consensus

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
)

// GetCoinAge returns the coin age consumed by t in coin-days. Inputs that
// cannot be resolved or are younger than the minimum stake age add nothing.
func GetCoinAge(p *Params, t *tx.Transaction, src CoinSource) (uint64, error) {
	if t.IsCoinbase() {
		return 0, nil
	}
	centSeconds := new(big.Int)
	for _, in := range t.Inputs {
		si, err := src.StakeInput(in.PrevOut)
		if errors.Is(err, ErrStakeNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if t.Time < si.TxTime {
			return 0, rejected(fmt.Errorf("%w: input %s", ErrTimeViolation, in.PrevOut))
		}
		if uint64(si.BlockTime)+uint64(p.StakeMinAge) > uint64(t.Time) {
			continue
		}
		age := t.Time - si.TxTime
		if age > p.StakeMaxAge {
			age = p.StakeMaxAge
		}
		v := new(big.Int).SetUint64(si.Output.Value)
		v.Mul(v, big.NewInt(int64(age)))
		v.Div(v, new(big.Int).SetUint64(p.Cent))
		centSeconds.Add(centSeconds, v)
	}

	coinDays := centSeconds.Mul(centSeconds, new(big.Int).SetUint64(p.Cent))
	coinDays.Div(coinDays, new(big.Int).SetUint64(p.Coin))
	coinDays.Div(coinDays, big.NewInt(24*60*60))
	if !coinDays.IsUint64() {
		return 0, rejected(fmt.Errorf("coin age overflow"))
	}
	return coinDays.Uint64(), nil
}

// StakeReward returns the reward earned by coinAge coin-days plus fees:
//
//	coinAge * CoinYearReward * 33 / (365*33 + 8) + fees
func StakeReward(p *Params, coinAge, fees uint64) (uint64, error) {
	r := new(big.Int).SetUint64(coinAge)
	r.Mul(r, new(big.Int).SetUint64(p.CoinYearReward))
	r.Mul(r, big.NewInt(33))
	r.Div(r, big.NewInt(365*33+8))
	r.Add(r, new(big.Int).SetUint64(fees))
	if !r.IsUint64() {
		return 0, fmt.Errorf("stake reward overflow")
	}
	return r.Uint64(), nil
}
