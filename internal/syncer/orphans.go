package syncer

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Klingon-tech/klingnet-staker/internal/metrics"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// DefaultMaxOrphans caps the orphan buffer.
const DefaultMaxOrphans = 750

// Orphan is a block waiting for its parent.
type Orphan struct {
	Block *block.Block
	Peer  string
	Added time.Time
}

// Orphans holds blocks whose parent is not yet validated. Entries are
// never refreshed on access, so a full buffer evicts the oldest arrival.
type Orphans struct {
	mu       sync.Mutex
	byHash   *simplelru.LRU[types.Hash, *Orphan]
	byParent map[types.Hash][]types.Hash
}

// NewOrphans creates a buffer holding at most max blocks.
func NewOrphans(max int) *Orphans {
	if max <= 0 {
		max = DefaultMaxOrphans
	}
	o := &Orphans{byParent: make(map[types.Hash][]types.Hash)}
	// NewLRU only fails for a non-positive size.
	o.byHash, _ = simplelru.NewLRU[types.Hash, *Orphan](max, o.unlink)
	return o
}

// unlink drops an entry from the parent index. It runs for evictions and
// explicit removals alike.
func (o *Orphans) unlink(hash types.Hash, e *Orphan) {
	parent := e.Block.Header.PrevHash
	kids := o.byParent[parent]
	for i, k := range kids {
		if k == hash {
			kids = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	if len(kids) == 0 {
		delete(o.byParent, parent)
	} else {
		o.byParent[parent] = kids
	}
}

// Add buffers blk. It reports false when blk is already held.
func (o *Orphans) Add(blk *block.Block, peer string) bool {
	hash := blk.Hash()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byHash.Contains(hash) {
		return false
	}
	parent := blk.Header.PrevHash
	o.byParent[parent] = append(o.byParent[parent], hash)
	if o.byHash.Add(hash, &Orphan{Block: blk, Peer: peer, Added: time.Now()}) {
		metrics.OrphanEvicted()
	}
	metrics.SetOrphans(o.byHash.Len())
	return true
}

// Has reports whether hash is buffered.
func (o *Orphans) Has(hash types.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byHash.Contains(hash)
}

// Len returns the number of buffered blocks.
func (o *Orphans) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byHash.Len()
}

// Root follows parents from hash through the buffer and returns the first
// ancestor that is not buffered: the block to request next.
func (o *Orphans) Root(hash types.Hash) types.Hash {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := hash
	for i := 0; i <= o.byHash.Len(); i++ {
		e, ok := o.byHash.Peek(cur)
		if !ok {
			return cur
		}
		cur = e.Block.Header.PrevHash
	}
	return cur
}

// TakeChildren removes and returns the blocks waiting on parent, oldest
// first. A block is handed out at most once.
func (o *Orphans) TakeChildren(parent types.Hash) []*Orphan {
	o.mu.Lock()
	defer o.mu.Unlock()
	kids := append([]types.Hash(nil), o.byParent[parent]...)
	if len(kids) == 0 {
		return nil
	}
	out := make([]*Orphan, 0, len(kids))
	for _, h := range kids {
		if e, ok := o.byHash.Peek(h); ok {
			out = append(out, e)
			o.byHash.Remove(h)
		}
	}
	metrics.SetOrphans(o.byHash.Len())
	return out
}
