package wallet

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/storage"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/crypto"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// Coin tracker errors.
var (
	ErrUnknownCoin = errors.New("coin not owned by wallet")
	ErrCoinInUse   = errors.New("coin already claimed")
)

// Key layout inside the wallet namespace.
var (
	walletPrefix = []byte("w/")
	prefixCoin   = []byte("c/") // c/<txid><index> -> Coin JSON
	prefixUndo   = []byte("s/") // s/<blockhash> -> []Coin spent by the block
	keyTip       = []byte("tip")
	keyWatch     = []byte("watch")
)

// Coin is an output the wallet can spend, with the chain context the
// stake rules need.
type Coin struct {
	Outpoint  types.Outpoint `json:"outpoint"`
	Value     uint64         `json:"value"`
	Script    types.Script   `json:"script"`
	Address   types.Address  `json:"address"`
	Height    uint64         `json:"height"`
	BlockTime uint32         `json:"block_time"`
	TxTime    uint32         `json:"tx_time"`
	Generated bool           `json:"generated"`
}

// ChainSource is the validated chain a rescan replays.
type ChainSource interface {
	LastIndexed() *block.ChainedBlock
	GetByHeight(height uint64) (*block.ChainedBlock, bool)
	GetFullBlock(hash types.Hash) (*block.Block, error)
}

// CoinTracker follows the validated chain and keeps the set of outputs
// paying to the wallet's keys. It is a chain listener.
type CoinTracker struct {
	db     *storage.PrefixDB
	params *consensus.Params

	mu        sync.RWMutex
	keys      map[types.Address]*crypto.PrivateKey
	pubKeys   map[string]types.Address
	coins     map[types.Outpoint]*Coin
	pending   map[types.Outpoint]types.Hash // claimed outpoint -> spending txid
	tipHash   types.Hash
	tipHeight uint64

	logger zerolog.Logger
}

// NewCoinTracker creates a tracker storing its state under its own
// namespace of db. Register keys, then call Load.
func NewCoinTracker(db storage.DB, p *consensus.Params) *CoinTracker {
	return &CoinTracker{
		db:      storage.NewPrefixDB(db, walletPrefix),
		params:  p,
		keys:    make(map[types.Address]*crypto.PrivateKey),
		pubKeys: make(map[string]types.Address),
		coins:   make(map[types.Outpoint]*Coin),
		pending: make(map[types.Outpoint]types.Hash),
		logger:  klog.WithComponent("wallet"),
	}
}

// AddKey registers a spending key and returns its address.
func (ct *CoinTracker) AddKey(key *crypto.PrivateKey) types.Address {
	pub := key.PublicKey()
	addr := crypto.AddressFromPubKey(pub)
	ct.mu.Lock()
	ct.keys[addr] = key
	ct.pubKeys[string(pub)] = addr
	ct.mu.Unlock()
	return addr
}

// GetKey returns the key for addr.
func (ct *CoinTracker) GetKey(addr types.Address) (*crypto.PrivateKey, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	k, ok := ct.keys[addr]
	return k, ok
}

// Addresses returns the registered addresses in byte order.
func (ct *CoinTracker) Addresses() []types.Address {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.addressesLocked()
}

func (ct *CoinTracker) addressesLocked() []types.Address {
	out := make([]types.Address, 0, len(ct.keys))
	for a := range ct.keys {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// owner returns the wallet address an output script pays to.
func (ct *CoinTracker) owner(s types.Script) (types.Address, bool) {
	switch s.Type {
	case types.ScriptTypeP2PKH:
		if len(s.Data) != types.AddressSize {
			return types.Address{}, false
		}
		var addr types.Address
		copy(addr[:], s.Data)
		_, ok := ct.keys[addr]
		return addr, ok
	case types.ScriptTypeP2PK:
		addr, ok := ct.pubKeys[string(s.Data)]
		return addr, ok
	}
	return types.Address{}, false
}

// Load restores persisted coins. When the registered keys differ from
// the ones the coins were collected for, the stored state is dropped
// and the next Rescan starts from genesis.
func (ct *CoinTracker) Load() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	watch := ct.watchFingerprint()
	stored, err := ct.db.Get(keyWatch)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read watch list: %w", err)
	}
	if !bytes.Equal(stored, watch[:]) {
		if len(stored) > 0 {
			ct.logger.Info().Msg("Wallet keys changed, coins will be rescanned")
		}
		return ct.resetLocked()
	}

	clear(ct.coins)
	err = ct.db.ForEach(prefixCoin, func(_, value []byte) error {
		var c Coin
		if err := json.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("coin unmarshal: %w", err)
		}
		ct.coins[c.Outpoint] = &c
		return nil
	})
	if err != nil {
		return err
	}
	if data, err := ct.db.Get(keyTip); err == nil && len(data) == types.HashSize+8 {
		copy(ct.tipHash[:], data)
		ct.tipHeight = binary.BigEndian.Uint64(data[types.HashSize:])
	}
	ct.logger.Debug().Int("coins", len(ct.coins)).Uint64("height", ct.tipHeight).Msg("Wallet loaded")
	return nil
}

func (ct *CoinTracker) watchFingerprint() types.Hash {
	var buf []byte
	for _, a := range ct.addressesLocked() {
		buf = append(buf, a[:]...)
	}
	return crypto.Hash(buf)
}

func (ct *CoinTracker) resetLocked() error {
	if err := ct.db.DeleteAll(); err != nil {
		return fmt.Errorf("clear wallet: %w", err)
	}
	clear(ct.coins)
	clear(ct.pending)
	ct.tipHash = types.Hash{}
	ct.tipHeight = 0
	watch := ct.watchFingerprint()
	return ct.db.Put(keyWatch, watch[:])
}

// Tip returns the last block the tracker applied.
func (ct *CoinTracker) Tip() (types.Hash, uint64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.tipHash, ct.tipHeight
}

// Rescan brings the tracker up to src's indexed watermark, starting over
// from genesis when its last block is no longer on the active chain.
func (ct *CoinTracker) Rescan(ctx context.Context, src ChainSource) error {
	hash, height := ct.Tip()
	start := height + 1
	if cb, ok := src.GetByHeight(height); !ok || cb.Hash != hash {
		ct.mu.Lock()
		err := ct.resetLocked()
		ct.mu.Unlock()
		if err != nil {
			return err
		}
		start = 0
	}

	last := src.LastIndexed()
	for h := start; h <= last.Height; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cb, ok := src.GetByHeight(h)
		if !ok {
			return fmt.Errorf("rescan: no block at height %d", h)
		}
		blk, err := src.GetFullBlock(cb.Hash)
		if err != nil {
			return fmt.Errorf("rescan %d: %w", h, err)
		}
		if err := ct.ConnectBlock(blk, cb); err != nil {
			return err
		}
	}
	if start <= last.Height {
		ct.logger.Info().
			Uint64("from", start).
			Uint64("to", last.Height).
			Uint64("balance", ct.Balance().Total()).
			Msg("Wallet rescanned")
	}
	return nil
}

// ConnectBlock removes the wallet coins b spends and adds the outputs it
// pays to the wallet. The spent coins are kept so DisconnectBlock can
// restore them.
func (ct *CoinTracker) ConnectBlock(b *block.Block, cb *block.ChainedBlock) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	batch := ct.db.NewBatch()
	var spent []Coin
	for _, t := range b.Transactions {
		if t.IsCoinbase() {
			continue
		}
		for _, in := range t.Inputs {
			c, ok := ct.coins[in.PrevOut]
			if !ok {
				continue
			}
			spent = append(spent, *c)
			delete(ct.coins, in.PrevOut)
			delete(ct.pending, in.PrevOut)
			if err := batch.Delete(coinKey(in.PrevOut)); err != nil {
				return err
			}
		}
	}

	var received uint64
	for _, t := range b.Transactions {
		txid := t.Hash()
		generated := t.IsCoinbase() || t.IsCoinStake()
		for i, out := range t.Outputs {
			addr, ok := ct.owner(out.Script)
			if !ok || out.Value == 0 {
				continue
			}
			c := &Coin{
				Outpoint:  types.Outpoint{TxID: txid, Index: uint32(i)},
				Value:     out.Value,
				Script:    out.Script,
				Address:   addr,
				Height:    cb.Height,
				BlockTime: cb.Time(),
				TxTime:    t.Time,
				Generated: generated,
			}
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("coin marshal: %w", err)
			}
			if err := batch.Put(coinKey(c.Outpoint), data); err != nil {
				return err
			}
			ct.coins[c.Outpoint] = c
			received += c.Value
		}
	}

	if len(spent) > 0 {
		data, err := json.Marshal(spent)
		if err != nil {
			return fmt.Errorf("undo marshal: %w", err)
		}
		if err := batch.Put(undoKey(cb.Hash), data); err != nil {
			return err
		}
	}
	if err := batch.Put(keyTip, tipBytes(cb.Hash, cb.Height)); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("wallet commit: %w", err)
	}
	ct.tipHash, ct.tipHeight = cb.Hash, cb.Height

	if len(spent) > 0 || received > 0 {
		ct.logger.Debug().
			Uint64("height", cb.Height).
			Int("spent", len(spent)).
			Uint64("received", received).
			Msg("Wallet updated")
	}
	return nil
}

// DisconnectBlock reverses ConnectBlock for a block leaving the chain.
func (ct *CoinTracker) DisconnectBlock(b *block.Block, cb *block.ChainedBlock) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	batch := ct.db.NewBatch()
	for _, t := range b.Transactions {
		txid := t.Hash()
		for i := range t.Outputs {
			op := types.Outpoint{TxID: txid, Index: uint32(i)}
			if _, ok := ct.coins[op]; !ok {
				continue
			}
			delete(ct.coins, op)
			delete(ct.pending, op)
			if err := batch.Delete(coinKey(op)); err != nil {
				return err
			}
		}
	}

	data, err := ct.db.Get(undoKey(cb.Hash))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read undo: %w", err)
	default:
		var spent []Coin
		if err := json.Unmarshal(data, &spent); err != nil {
			return fmt.Errorf("undo unmarshal: %w", err)
		}
		for i := range spent {
			c := spent[i]
			raw, err := json.Marshal(&c)
			if err != nil {
				return fmt.Errorf("coin marshal: %w", err)
			}
			if err := batch.Put(coinKey(c.Outpoint), raw); err != nil {
				return err
			}
			ct.coins[c.Outpoint] = &c
		}
		if err := batch.Delete(undoKey(cb.Hash)); err != nil {
			return err
		}
	}

	var prevHash types.Hash
	var prevHeight uint64
	if cb.Prev != nil {
		prevHash, prevHeight = cb.Prev.Hash, cb.Prev.Height
	}
	if err := batch.Put(keyTip, tipBytes(prevHash, prevHeight)); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("wallet commit: %w", err)
	}
	ct.tipHash, ct.tipHeight = prevHash, prevHeight
	return nil
}

// BlockConnected implements chain.Listener.
func (ct *CoinTracker) BlockConnected(b *block.Block, cb *block.ChainedBlock) {
	if err := ct.ConnectBlock(b, cb); err != nil {
		ct.logger.Error().Err(err).Uint64("height", cb.Height).Msg("Wallet connect failed")
	}
}

// BlockDisconnected implements chain.Listener.
func (ct *CoinTracker) BlockDisconnected(b *block.Block, cb *block.ChainedBlock) {
	if err := ct.DisconnectBlock(b, cb); err != nil {
		ct.logger.Error().Err(err).Uint64("height", cb.Height).Msg("Wallet disconnect failed")
	}
}

// Coins returns every tracked coin, largest first.
func (ct *CoinTracker) Coins() []Coin {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]Coin, 0, len(ct.coins))
	for _, c := range ct.coins {
		out = append(out, *c)
	}
	sortCoins(out)
	return out
}

// SelectStakeableCoins returns coins that may stake in a block spent at
// spendTime on top of the current tip: deep enough, mature, at least
// minValue, old enough for the stake age and not claimed. Largest first.
func (ct *CoinTracker) SelectStakeableCoins(minValue uint64, spendTime uint32) []Coin {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	var out []Coin
	for op, c := range ct.coins {
		if _, claimed := ct.pending[op]; claimed {
			continue
		}
		if c.Value < minValue || !ct.stakeableLocked(c, spendTime) {
			continue
		}
		out = append(out, *c)
	}
	sortCoins(out)
	return out
}

func (ct *CoinTracker) stakeableLocked(c *Coin, spendTime uint32) bool {
	if c.Height > ct.tipHeight {
		return false
	}
	if depth := ct.tipHeight - c.Height + 1; depth < ct.params.StakeMinConfirmations {
		return false
	}
	if c.Generated && c.Height > 0 && ct.tipHeight+1-c.Height < ct.params.CoinbaseMaturity {
		return false
	}
	return uint64(c.BlockTime)+uint64(ct.params.StakeMinAge) <= uint64(spendTime)
}

// MarkSpent claims op for the transaction txid so selection skips it
// until a block spends it or the claim is released.
func (ct *CoinTracker) MarkSpent(op types.Outpoint, txid types.Hash) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, ok := ct.coins[op]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCoin, op)
	}
	if by, ok := ct.pending[op]; ok && by != txid {
		return fmt.Errorf("%w: %s by %s", ErrCoinInUse, op, by.Short())
	}
	ct.pending[op] = txid
	return nil
}

// Release drops every claim held by txid.
func (ct *CoinTracker) Release(txid types.Hash) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for op, by := range ct.pending {
		if by == txid {
			delete(ct.pending, op)
		}
	}
}

// Balance sums the tracked coins.
func (ct *CoinTracker) Balance() Balance {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	var b Balance
	for op, c := range ct.coins {
		switch {
		case c.Generated && c.Height > 0 && ct.tipHeight+1-c.Height < ct.params.CoinbaseMaturity:
			b.Immature += c.Value
		default:
			b.Confirmed += c.Value
		}
		if _, claimed := ct.pending[op]; claimed {
			b.Staking += c.Value
		}
	}
	return b
}

func sortCoins(cs []Coin) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Value != cs[j].Value {
			return cs[i].Value > cs[j].Value
		}
		return bytes.Compare(cs[i].Outpoint.Bytes(), cs[j].Outpoint.Bytes()) < 0
	})
}

func coinKey(op types.Outpoint) []byte {
	return append(append([]byte(nil), prefixCoin...), op.Bytes()...)
}

func undoKey(hash types.Hash) []byte {
	return append(append([]byte(nil), prefixUndo...), hash[:]...)
}

func tipBytes(hash types.Hash, height uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), hash[:]...), height)
}
