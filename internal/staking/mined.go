package staking

import (
	"sync"

	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

type minedEntry struct {
	blk      *block.Block
	height   uint64
	requests int
}

// MinedSet holds blocks this node staked until they are buried. Peers can
// fetch them from here before the store has them on the active path, and
// their coinstake inputs stay out of selection meanwhile.
type MinedSet struct {
	mu      sync.Mutex
	entries map[types.Hash]*minedEntry
	claimed map[types.Outpoint]types.Hash
	bury    uint64
}

// NewMinedSet creates a set that forgets blocks bury blocks below the tip.
func NewMinedSet(bury uint64) *MinedSet {
	return &MinedSet{
		entries: make(map[types.Hash]*minedEntry),
		claimed: make(map[types.Outpoint]types.Hash),
		bury:    bury,
	}
}

// Add records a staked block at height.
func (m *MinedSet) Add(blk *block.Block, height uint64) {
	hash := blk.Hash()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[hash]; ok {
		return
	}
	m.entries[hash] = &minedEntry{blk: blk, height: height}
	if cs := blk.CoinStake(); cs != nil {
		for _, in := range cs.Inputs {
			m.claimed[in.PrevOut] = hash
		}
	}
}

// Get returns a staked block and counts the request.
func (m *MinedSet) Get(hash types.Hash) (*block.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[hash]
	if !ok {
		return nil, false
	}
	e.requests++
	return e.blk, true
}

// Requests returns how often peers asked for hash.
func (m *MinedSet) Requests(hash types.Hash) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[hash]; ok {
		return e.requests
	}
	return 0
}

// Claimed reports whether a held block spends op.
func (m *MinedSet) Claimed(op types.Outpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.claimed[op]
	return ok
}

// Len returns the number of held blocks.
func (m *MinedSet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Prune drops blocks at least bury deep under tipHeight and returns them.
func (m *MinedSet) Prune(tipHeight uint64) []*block.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*block.Block
	for hash, e := range m.entries {
		if e.height+m.bury > tipHeight {
			continue
		}
		delete(m.entries, hash)
		for op, by := range m.claimed {
			if by == hash {
				delete(m.claimed, op)
			}
		}
		out = append(out, e.blk)
	}
	return out
}
