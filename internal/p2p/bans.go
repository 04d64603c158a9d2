package p2p

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/storage"
)

const (
	// BanThreshold is the score at which a peer is banned.
	BanThreshold = 100
	BanDuration  = 24 * time.Hour

	// ScoreHalfLife is how long it takes an offense score to halve.
	ScoreHalfLife = time.Hour

	banPruneInterval = 10 * time.Minute
)

// Penalties per offense.
const (
	PenaltyInvalidBlock  = 50  // block failed structural or consensus checks
	PenaltyBadResponse   = 20  // malformed, unrequested or missing sync data
	PenaltyHandshakeFail = 100 // genesis or network mismatch
)

var banPrefix = []byte("ban/")

// BanRecord is a ban as persisted and listed.
type BanRecord struct {
	ID        string `json:"id"` // base58 peer ID
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

func (r *BanRecord) expiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// offense is a decaying score.
type offense struct {
	score float64
	at    time.Time
}

func (o offense) valueAt(now time.Time) float64 {
	return o.score * math.Exp2(-now.Sub(o.at).Seconds()/ScoreHalfLife.Seconds())
}

// BanManager scores peer misbehavior and bans peers that cross the
// threshold. Bans survive restarts when a database is given.
type BanManager struct {
	mu     sync.Mutex
	scores map[peer.ID]offense
	bans   map[peer.ID]*BanRecord
	db     *storage.PrefixDB // nil without persistence
	node   *Node             // nil in unit tests
	now    func() time.Time
	logger zerolog.Logger
}

// NewBanManager creates a ban manager. db and node may be nil.
func NewBanManager(db storage.DB, node *Node) *BanManager {
	bm := &BanManager{
		scores: make(map[peer.ID]offense),
		bans:   make(map[peer.ID]*BanRecord),
		node:   node,
		now:    time.Now,
		logger: klog.WithComponent("p2p"),
	}
	if db != nil {
		bm.db = storage.NewPrefixDB(db, banPrefix)
	}
	return bm
}

// LoadBans restores persisted bans, dropping expired and unreadable ones.
func (bm *BanManager) LoadBans() {
	if bm.db == nil {
		return
	}
	now := bm.now()
	var stale [][]byte

	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.db.ForEach(nil, func(key, value []byte) error {
		var rec BanRecord
		id, err := peer.Decode(string(key))
		if err != nil || json.Unmarshal(value, &rec) != nil || rec.expiredAt(now) {
			stale = append(stale, key)
			return nil
		}
		bm.bans[id] = &rec
		return nil
	})
	for _, k := range stale {
		bm.db.Delete(k)
	}
	if len(bm.bans) > 0 {
		bm.logger.Info().Int("bans", len(bm.bans)).Int("dropped", len(stale)).Msg("Peer bans restored")
	}
}

// RecordOffense adds penalty to the peer's decayed score and bans it at
// the threshold. Offenses by banned peers are ignored.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	now := bm.now()

	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.expiredAt(now) {
		bm.mu.Unlock()
		return
	}
	score := bm.scores[id].valueAt(now) + float64(penalty)
	if score < BanThreshold {
		bm.scores[id] = offense{score: score, at: now}
		bm.mu.Unlock()
		return
	}
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     int(score),
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	bm.persist(id, rec)
	bm.logger.Warn().Str("peer", shortID(id)).Str("reason", reason).Int("score", rec.Score).Msg("Peer banned")
	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

func (bm *BanManager) persist(id peer.ID, rec *BanRecord) {
	if bm.db == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err == nil {
		err = bm.db.Put([]byte(id.String()), data)
	}
	if err != nil {
		bm.logger.Warn().Err(err).Str("peer", shortID(id)).Msg("Persisting ban failed")
	}
}

// Score returns the peer's current decayed offense score.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return int(bm.scores[id].valueAt(bm.now()))
}

// IsBanned reports whether the peer is banned. Expired bans are lifted.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.Lock()
	rec, ok := bm.bans[id]
	if !ok {
		bm.mu.Unlock()
		return false
	}
	if !rec.expiredAt(bm.now()) {
		bm.mu.Unlock()
		return true
	}
	delete(bm.bans, id)
	bm.mu.Unlock()
	bm.forget(id)
	return false
}

// Unban lifts a ban and clears the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()
	bm.forget(id)
}

// Clear lifts every ban and returns how many there were.
func (bm *BanManager) Clear() int {
	bm.mu.Lock()
	n := len(bm.bans)
	bm.bans = make(map[peer.ID]*BanRecord)
	bm.scores = make(map[peer.ID]offense)
	bm.mu.Unlock()
	if bm.db != nil {
		bm.db.DeleteAll()
	}
	return n
}

func (bm *BanManager) forget(id peer.ID) {
	if bm.db != nil {
		bm.db.Delete([]byte(id.String()))
	}
}

// BanList returns the active bans, oldest first.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.now()
	bm.mu.Lock()
	list := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		if !rec.expiredAt(now) {
			list = append(list, *rec)
		}
	}
	bm.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].BannedAt < list[j].BannedAt })
	return list
}

// RunPruneLoop lifts expired bans and drops fully decayed scores until
// done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(banPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.prune()
		}
	}
}

func (bm *BanManager) prune() {
	now := bm.now()
	var lifted []peer.ID

	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.expiredAt(now) {
			delete(bm.bans, id)
			lifted = append(lifted, id)
		}
	}
	for id, o := range bm.scores {
		if o.valueAt(now) < 1 {
			delete(bm.scores, id)
		}
	}
	bm.mu.Unlock()

	for _, id := range lifted {
		bm.forget(id)
	}
}
