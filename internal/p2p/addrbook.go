package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingnet-staker/internal/storage"
)

// Address book limits.
const (
	AddrBookSize     = 500
	AddrStaleAfter   = 24 * time.Hour
	addrSaveInterval = 5 * time.Minute
	redialLimit      = 64
)

// AddrEntry is a remembered peer address set.
type AddrEntry struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`
}

func (e AddrEntry) seen() time.Time { return time.Unix(e.LastSeen, 0) }

// addrInfo parses the entry for dialing. Unparseable addresses are dropped.
func (e AddrEntry) addrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(e.ID)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range e.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, a)
	}
	if len(info.Addrs) == 0 {
		return info, fmt.Errorf("peer %s: no usable address", shortID(id))
	}
	return info, nil
}

// AddrBook remembers peers across restarts under the "addr/" namespace.
// When full it forgets the entry seen longest ago.
type AddrBook struct {
	mu  sync.Mutex
	db  *storage.PrefixDB
	now func() time.Time
}

// NewAddrBook opens the address book kept in db.
func NewAddrBook(db storage.DB) *AddrBook {
	return &AddrBook{
		db:  storage.NewPrefixDB(db, []byte("addr/")),
		now: time.Now,
	}
}

// Record stores or refreshes e.
func (b *AddrBook) Record(e AddrEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	known, err := b.db.Has([]byte(e.ID))
	if err != nil {
		return err
	}
	if !known {
		all, err := b.entries()
		if err != nil {
			return err
		}
		for len(all) >= AddrBookSize {
			oldest := all[len(all)-1]
			if oldest.LastSeen > e.LastSeen {
				return nil
			}
			if err := b.db.Delete([]byte(oldest.ID)); err != nil {
				return err
			}
			all = all[:len(all)-1]
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.db.Put([]byte(e.ID), data)
}

// Lookup returns the entry for id.
func (b *AddrBook) Lookup(id peer.ID) (AddrEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.db.Get([]byte(id.String()))
	if err != nil {
		return AddrEntry{}, false
	}
	var e AddrEntry
	if json.Unmarshal(data, &e) != nil {
		return AddrEntry{}, false
	}
	return e, true
}

// Entries lists the book, most recently seen first.
func (b *AddrBook) Entries() ([]AddrEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries()
}

func (b *AddrBook) entries() ([]AddrEntry, error) {
	var out []AddrEntry
	err := b.db.ForEach(nil, func(_, v []byte) error {
		var e AddrEntry
		if json.Unmarshal(v, &e) == nil {
			out = append(out, e)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out, err
}

// Forget removes id from the book.
func (b *AddrBook) Forget(id peer.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Delete([]byte(id.String()))
}

// Prune drops entries not seen within maxAge and returns how many went.
func (b *AddrBook) Prune(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-maxAge)
	batch := b.db.NewBatch()
	dropped := 0
	err := b.db.ForEach(nil, func(k, v []byte) error {
		var e AddrEntry
		if json.Unmarshal(v, &e) != nil || e.seen().Before(cutoff) {
			dropped++
			return batch.Delete(append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil || batch.Commit() != nil {
		return 0
	}
	return dropped
}

// Len returns the number of entries.
func (b *AddrBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	_ = b.db.ForEach(nil, func(_, _ []byte) error {
		n++
		return nil
	})
	return n
}

// rememberPeers writes the connected peers to the address book.
func (n *Node) rememberPeers() {
	if n.addrBook == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		if len(addrs) == 0 {
			continue
		}
		e := AddrEntry{ID: p.ID.String(), LastSeen: now, Source: p.Source}
		for _, a := range addrs {
			e.Addrs = append(e.Addrs, a.String())
		}
		if err := n.addrBook.Record(e); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Address book write failed")
		}
	}
}

// redialKnownPeers dials the most recently seen peers from the book.
func (n *Node) redialKnownPeers() {
	if n.addrBook == nil {
		return
	}
	n.addrBook.Prune(AddrStaleAfter)
	entries, err := n.addrBook.Entries()
	if err != nil {
		n.logger.Warn().Err(err).Msg("Address book unreadable")
		return
	}

	limit := redialLimit
	if n.config.MaxPeers > 0 && n.config.MaxPeers < limit {
		limit = n.config.MaxPeers
	}
	dialed := 0
	for _, e := range entries {
		if dialed >= limit {
			break
		}
		info, err := e.addrInfo()
		if err != nil || info.ID == n.host.ID() || (n.BanManager != nil && n.BanManager.IsBanned(info.ID)) {
			continue
		}
		dialed++
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.setSource(info.ID, e.Source)
		}
		cancel()
	}
	if dialed > 0 {
		n.logger.Debug().Int("dialed", dialed).Int("known", len(entries)).Msg("Redialed known peers")
	}
}

func (n *Node) runAddrBookLoop() {
	ticker := time.NewTicker(addrSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.rememberPeers()
			n.addrBook.Prune(AddrStaleAfter)
		}
	}
}
