// Package chain holds the header tree with its active tip and the index
// that ties headers to stored block bodies and validation.
package chain

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// AlternateRetention is how far below the active height an alternate tip
// may fall before it is pruned.
const AlternateRetention = 200

// Header chain errors.
var (
	ErrUnknownParent   = errors.New("parent header unknown")
	ErrInvalidAncestor = errors.New("header descends from an invalid block")
	ErrGenesisMismatch = errors.New("genesis mismatch")
	ErrNotInChain      = errors.New("block not in header chain")
)

// view is an immutable snapshot of the active path and the alternates.
type view struct {
	tip    *block.ChainedBlock
	active []*block.ChainedBlock // active[h] is the active block at height h
	alts   []*block.ChainedBlock
}

// HeaderChain is the tree of connected headers. SetTip is the only
// mutator of the active path; readers load the current view without
// locking.
type HeaderChain struct {
	mu      sync.Mutex
	genesis *block.ChainedBlock
	cur     atomic.Pointer[view]
	known   sync.Map // types.Hash -> *block.ChainedBlock, every retained header
	invalid map[types.Hash]struct{}

	lastIndexed atomic.Pointer[block.ChainedBlock]

	subMu sync.Mutex
	subs  []chan struct{}

	logger zerolog.Logger
}

// NewHeaderChain creates a chain holding only genesis.
func NewHeaderChain(genesis *block.Header) *HeaderChain {
	g := block.NewGenesisBlock(genesis)
	hc := &HeaderChain{
		genesis: g,
		invalid: make(map[types.Hash]struct{}),
		logger:  klog.WithComponent("chain"),
	}
	hc.known.Store(g.Hash, g)
	hc.cur.Store(&view{tip: g, active: []*block.ChainedBlock{g}})
	return hc
}

// Genesis returns the root of the tree.
func (hc *HeaderChain) Genesis() *block.ChainedBlock {
	return hc.genesis
}

// Tip returns the active tip.
func (hc *HeaderChain) Tip() *block.ChainedBlock {
	return hc.cur.Load().tip
}

// Height returns the active tip height.
func (hc *HeaderChain) Height() uint64 {
	return hc.cur.Load().tip.Height
}

// GetByHeight returns the active block at height.
func (hc *HeaderChain) GetByHeight(height uint64) (*block.ChainedBlock, bool) {
	v := hc.cur.Load()
	if height >= uint64(len(v.active)) {
		return nil, false
	}
	return v.active[height], true
}

// GetByHash returns hash if it is on the active path.
func (hc *HeaderChain) GetByHash(hash types.Hash) (*block.ChainedBlock, bool) {
	cb, ok := hc.lookup(hash)
	if !ok {
		return nil, false
	}
	v := hc.cur.Load()
	if cb.Height >= uint64(len(v.active)) || v.active[cb.Height] != cb {
		return nil, false
	}
	return cb, true
}

// FindAncestor returns hash from the active path or from any retained
// alternate branch.
func (hc *HeaderChain) FindAncestor(hash types.Hash) (*block.ChainedBlock, bool) {
	if cb, ok := hc.GetByHash(hash); ok {
		return cb, true
	}
	for _, alt := range hc.cur.Load().alts {
		if cb := alt.FindAncestorOrSelf(hash); cb != nil {
			return cb, true
		}
	}
	// Headers connected but never filed as a tip, such as a fork that was
	// just connected by Connect, are only in the index.
	return hc.lookup(hash)
}

// InAnyTip reports whether hash is known on any retained branch.
func (hc *HeaderChain) InAnyTip(hash types.Hash) bool {
	_, ok := hc.FindAncestor(hash)
	return ok
}

// GetAnyTip returns hash from any retained branch.
func (hc *HeaderChain) GetAnyTip(hash types.Hash) (*block.ChainedBlock, bool) {
	return hc.FindAncestor(hash)
}

// AlternateTips returns the tips of the competing branches.
func (hc *HeaderChain) AlternateTips() []*block.ChainedBlock {
	alts := hc.cur.Load().alts
	out := make([]*block.ChainedBlock, len(alts))
	copy(out, alts)
	return out
}

func (hc *HeaderChain) lookup(hash types.Hash) (*block.ChainedBlock, bool) {
	v, ok := hc.known.Load(hash)
	if !ok {
		return nil, false
	}
	return v.(*block.ChainedBlock), true
}

// IsInvalid reports whether hash was invalidated.
func (hc *HeaderChain) IsInvalid(hash types.Hash) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	_, bad := hc.invalid[hash]
	return bad
}

// SetLastIndexed records the highest validated block with a stored
// body. SetTip copies PoS parameters from its branch.
func (hc *HeaderChain) SetLastIndexed(cb *block.ChainedBlock) {
	hc.lastIndexed.Store(cb)
}

// Connect links h under its parent and returns its entry. Connecting a
// known header returns the existing entry. The active tip is unchanged.
func (hc *HeaderChain) Connect(h *block.Header) (*block.ChainedBlock, error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.connectLocked(h)
}

func (hc *HeaderChain) connectLocked(h *block.Header) (*block.ChainedBlock, error) {
	hash := h.Hash()
	if _, bad := hc.invalid[hash]; bad {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAncestor, hash.Short())
	}
	if cb, ok := hc.lookup(hash); ok {
		return cb, nil
	}
	if h.PrevHash.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrGenesisMismatch, hash.Short())
	}
	if _, bad := hc.invalid[h.PrevHash]; bad {
		hc.invalid[hash] = struct{}{}
		return nil, fmt.Errorf("%w: %s", ErrInvalidAncestor, hash.Short())
	}
	prev, ok := hc.lookup(h.PrevHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, h.PrevHash.Short())
	}
	cb := block.NewChainedBlock(h, prev)
	hc.known.Store(hash, cb)
	return cb, nil
}

// Forget drops a connected header that is neither on the active path nor
// under an alternate tip. It reports whether the header was dropped.
func (hc *HeaderChain) Forget(hash types.Hash) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	cb, ok := hc.lookup(hash)
	if !ok {
		return false
	}
	v := hc.cur.Load()
	if onPath(v, cb) || underAny(v.alts, cb) {
		return false
	}
	hc.known.Delete(hash)
	return true
}

// AddHeaders connects a run of headers and makes the last one the tip
// when it carries more work. It returns the number of new headers.
func (hc *HeaderChain) AddHeaders(headers []*block.Header) (int, error) {
	if len(headers) == 0 {
		return 0, nil
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()

	var (
		last  *block.ChainedBlock
		added int
	)
	for _, h := range headers {
		_, known := hc.lookup(h.Hash())
		cb, err := hc.connectLocked(h)
		if err != nil {
			if last != nil {
				hc.setLongestLocked(last)
			}
			return added, err
		}
		if !known {
			added++
		}
		last = cb
	}
	hc.setLongestLocked(last)
	return added, nil
}

// SetTip makes candidate the active tip and returns the previous one.
func (hc *HeaderChain) SetTip(candidate *block.ChainedBlock) *block.ChainedBlock {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.setTipLocked(candidate)
}

// SetLongestTip makes candidate the tip if it carries more cumulative
// work than the current one; otherwise candidate is kept as an
// alternate. It reports whether the tip changed.
func (hc *HeaderChain) SetLongestTip(candidate *block.ChainedBlock) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.setLongestLocked(candidate)
}

func (hc *HeaderChain) setLongestLocked(candidate *block.ChainedBlock) bool {
	v := hc.cur.Load()
	if candidate.Hash == v.tip.Hash {
		return false
	}
	if candidate.ChainWork.Cmp(v.tip.ChainWork) > 0 {
		hc.setTipLocked(candidate)
		return true
	}
	if onPath(v, candidate) {
		return false
	}
	hc.register(candidate)
	alts := fileAlternate(v.alts, candidate)
	hc.cur.Store(&view{tip: v.tip, active: v.active, alts: alts})
	return false
}

func (hc *HeaderChain) setTipLocked(candidate *block.ChainedBlock) *block.ChainedBlock {
	old := hc.cur.Load()
	hc.register(candidate)

	fork := block.FindFork(old.tip, candidate)
	var active []*block.ChainedBlock
	if fork == old.tip {
		active = old.active
	} else {
		active = make([]*block.ChainedBlock, fork.Height+1, candidate.Height+1)
		copy(active, old.active[:fork.Height+1])
	}
	branch := make([]*block.ChainedBlock, 0, candidate.Height-fork.Height)
	for n := candidate; n != fork; n = n.Prev {
		branch = append(branch, n)
	}
	for i := len(branch) - 1; i >= 0; i-- {
		active = append(active, branch[i])
	}

	next := &view{tip: candidate, active: active}
	alts := old.alts
	if fork != old.tip {
		alts = fileAlternate(alts, old.tip)
	}
	var pruned []*block.ChainedBlock
	for _, alt := range alts {
		if onPath(next, alt) {
			continue
		}
		if alt.Height+AlternateRetention < candidate.Height {
			pruned = append(pruned, alt)
			continue
		}
		next.alts = append(next.alts, alt)
	}
	for _, alt := range pruned {
		hc.forget(next, alt)
	}

	hc.backfillPos(candidate)
	hc.cur.Store(next)

	if fork != old.tip {
		hc.logger.Info().
			Uint64("fork_height", fork.Height).
			Str("old_tip", old.tip.Hash.Short()).
			Str("new_tip", candidate.Hash.Short()).
			Msg("Active chain switched branch")
	}
	hc.notify()
	return old.tip
}

// backfillPos copies PoS parameters onto the new active path from the
// last indexed branch wherever the new entries have none.
func (hc *HeaderChain) backfillPos(tip *block.ChainedBlock) {
	src := hc.lastIndexed.Load()
	if src == nil {
		return
	}
	dst := tip.FindAncestorOrSelf(src.Hash)
	for dst != nil && src != nil && !dst.HasPos() {
		p, ok := src.Pos()
		if !ok {
			return
		}
		dst.SetPosParams(*p)
		dst, src = dst.Prev, src.Prev
	}
}

// register adds cb and any unknown ancestors to the index.
func (hc *HeaderChain) register(cb *block.ChainedBlock) {
	for n := cb; n != nil; n = n.Prev {
		if _, loaded := hc.known.LoadOrStore(n.Hash, n); loaded {
			return
		}
	}
}

// forget drops the entries of alt's branch that are shared neither with
// the active path of next nor with its retained alternates.
func (hc *HeaderChain) forget(next *view, alt *block.ChainedBlock) {
	for n := alt; n != nil && !onPath(next, n) && !underAny(next.alts, n); n = n.Prev {
		hc.known.Delete(n.Hash)
	}
	hc.logger.Debug().Uint64("height", alt.Height).Str("hash", alt.Hash.Short()).Msg("Pruned alternate tip")
}

// InvalidateBlock marks hash and its descendants invalid. When the
// active path contains it the tip moves to the heaviest remaining
// branch.
func (hc *HeaderChain) InvalidateBlock(hash types.Hash) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	bad, ok := hc.lookup(hash)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInChain, hash.Short())
	}
	if bad.Prev == nil {
		return fmt.Errorf("cannot invalidate genesis")
	}
	hc.invalid[hash] = struct{}{}

	v := hc.cur.Load()
	var survivors, dead []*block.ChainedBlock
	for _, alt := range v.alts {
		if alt.FindAncestorOrSelf(hash) != nil {
			dead = append(dead, alt)
			continue
		}
		survivors = append(survivors, alt)
	}
	for _, alt := range dead {
		hc.forget(&view{active: v.active, alts: survivors}, alt)
	}
	hc.known.Delete(hash)

	if v.tip.FindAncestorOrSelf(hash) == nil {
		hc.cur.Store(&view{tip: v.tip, active: v.active, alts: survivors})
		return nil
	}

	// Drop the invalid stretch of the active path from the index.
	for n := v.tip; n != bad; n = n.Prev {
		hc.known.Delete(n.Hash)
	}
	best := bad.Prev
	for _, alt := range survivors {
		if alt.ChainWork.Cmp(best.ChainWork) > 0 {
			best = alt
		}
	}
	hc.cur.Store(&view{tip: v.tip, active: v.active, alts: survivors})
	hc.setTipLocked(best)

	// The abandoned tip was filed as an alternate; it is invalid.
	cur := hc.cur.Load()
	alts := cur.alts[:0:0]
	for _, alt := range cur.alts {
		if alt.FindAncestorOrSelf(hash) == nil {
			alts = append(alts, alt)
		}
	}
	hc.cur.Store(&view{tip: cur.tip, active: cur.active, alts: alts})

	hc.logger.Warn().Str("hash", hash.Short()).Uint64("new_height", best.Height).Msg("Invalidated block")
	return nil
}

// Subscribe returns a channel signalled after every tip change. Signals
// coalesce when the reader is behind.
func (hc *HeaderChain) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	hc.subMu.Lock()
	hc.subs = append(hc.subs, ch)
	hc.subMu.Unlock()
	return ch
}

func (hc *HeaderChain) notify() {
	hc.subMu.Lock()
	defer hc.subMu.Unlock()
	for _, ch := range hc.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Locator returns active hashes from the tip back to genesis, dense near
// the tip and doubling the step after ten entries.
func (hc *HeaderChain) Locator() []types.Hash {
	v := hc.cur.Load()
	var out []types.Hash
	step := uint64(1)
	h := v.tip.Height
	for {
		out = append(out, v.active[h].Hash)
		if h == 0 {
			break
		}
		if len(out) >= 10 {
			step *= 2
		}
		if h < step {
			h = 0
		} else {
			h -= step
		}
	}
	return out
}

// HeadersAfter returns up to max active headers following the first
// locator hash found on the active path, stopping after stop.
func (hc *HeaderChain) HeadersAfter(locator []types.Hash, stop types.Hash, max int) []*block.Header {
	blocks := hc.after(locator, stop, max)
	out := make([]*block.Header, len(blocks))
	for i, cb := range blocks {
		out[i] = cb.Header
	}
	return out
}

// HashesAfter is HeadersAfter returning hashes.
func (hc *HeaderChain) HashesAfter(locator []types.Hash, stop types.Hash, max int) []types.Hash {
	blocks := hc.after(locator, stop, max)
	out := make([]types.Hash, len(blocks))
	for i, cb := range blocks {
		out[i] = cb.Hash
	}
	return out
}

func (hc *HeaderChain) after(locator []types.Hash, stop types.Hash, max int) []*block.ChainedBlock {
	v := hc.cur.Load()
	start := uint64(0)
	for _, h := range locator {
		if cb, ok := hc.lookup(h); ok && cb.Height < uint64(len(v.active)) && v.active[cb.Height] == cb {
			start = cb.Height
			break
		}
	}
	var out []*block.ChainedBlock
	for h := start + 1; h < uint64(len(v.active)) && len(out) < max; h++ {
		out = append(out, v.active[h])
		if v.active[h].Hash == stop {
			break
		}
	}
	return out
}

func onPath(v *view, cb *block.ChainedBlock) bool {
	return cb.Height < uint64(len(v.active)) && v.active[cb.Height] == cb
}

func underAny(tips []*block.ChainedBlock, cb *block.ChainedBlock) bool {
	for _, t := range tips {
		if t.GetAncestor(cb.Height) == cb {
			return true
		}
	}
	return false
}

// fileAlternate adds tip to alts, replacing any alternate it extends.
func fileAlternate(alts []*block.ChainedBlock, tip *block.ChainedBlock) []*block.ChainedBlock {
	out := make([]*block.ChainedBlock, 0, len(alts)+1)
	for _, alt := range alts {
		if alt == tip || alt.GetAncestor(tip.Height) == tip {
			return alts
		}
		if tip.Height > alt.Height && tip.GetAncestor(alt.Height) == alt {
			continue
		}
		out = append(out, alt)
	}
	return append(out, tip)
}
