package block

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-staker/config"
	"github.com/Klingon-tech/klingnet-staker/pkg/tx"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Genesis builds the genesis block described by g. The coinbase pays the
// allocations in address order so every node derives the same hash.
func Genesis(g *config.Genesis) (*Block, error) {
	addrs := make([]string, 0, len(g.Alloc))
	for a := range g.Alloc {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	data := binary.LittleEndian.AppendUint64(nil, 0)
	data = append(data, g.ExtraData...)
	coinbase := &tx.Transaction{
		Version: 1,
		Time:    g.Timestamp,
		Inputs:  []tx.Input{{Signature: data}},
	}
	for _, s := range addrs {
		addr, err := types.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("genesis alloc %q: %w", s, err)
		}
		coinbase.Outputs = append(coinbase.Outputs, tx.Output{
			Value:  g.Alloc[s],
			Script: types.P2PKHScript(addr),
		})
	}

	header := &Header{
		Version: CurrentVersion,
		Time:    g.Timestamp,
		Bits:    g.Protocol.Consensus.PowLimitBits,
	}
	blk := NewBlock(header, []*tx.Transaction{coinbase})
	blk.UpdateMerkleRoot()
	return blk, nil
}
