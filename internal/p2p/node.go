// Package p2p implements the staker's peer-to-peer networking on libp2p:
// block gossip, peer discovery, the handshake and the stream protocols
// used by sync.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-staker/config"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/storage"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const (
	// dhtRendezvousFallback is the discovery namespace when no NetworkID is set.
	dhtRendezvousFallback = "klingnet-staker"

	dhtDiscoveryInterval = 30 * time.Second
	peerConnectTimeout   = 5 * time.Second
	seedRetryInterval    = 10 * time.Second

	// peerEventBuffer bounds each subscriber's queue of peer events.
	peerEventBuffer = 64
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // Peer and ban persistence (nil = disabled, for tests)
	DHTServer  bool       // Run DHT in server mode (for seeds)
	NetworkID  string     // Isolates discovery per network
	DataDir    string     // Where the node identity key lives
}

// Node represents a P2P node built on libp2p.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topicBlock   *pubsub.Topic
	subBlock     *pubsub.Subscription
	blockHandler func(peer.ID, *block.Block)

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	evMu   sync.Mutex
	evSubs []chan PeerEvent

	BanManager *BanManager   // always set after Start
	addrBook   *AddrBook     // nil if Config.DB is nil
	dht        *dht.IpfsDHT  // nil if NoDiscover
	connNotify *connNotifier // connection lifecycle tracker

	genesisHash      types.Hash
	handshakeEnabled bool
	heightFn         func() uint64

	logger zerolog.Logger
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*Peer),
		logger: klog.WithComponent("p2p"),
	}
	if cfg.DB != nil {
		n.addrBook = NewAddrBook(cfg.DB)
	}
	return n
}

// rendezvous returns the DHT/mDNS discovery namespace for this node.
func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return "klingnet-staker/" + n.config.NetworkID
	}
	return dhtRendezvousFallback
}

// Start initializes the libp2p host, pubsub, and begins listening.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)

	// The ban manager exists before the host so the gater can use it.
	n.BanManager = NewBanManager(n.config.DB, n)
	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&gater{node: n}),
	}
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h,
		pubsub.WithMaxMessageSize(config.MaxBlockSize+64*1024),
	)
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinBlocks(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}

	go n.readBlocks()
	go n.redialKnownPeers()

	if len(n.config.Seeds) > 0 {
		n.logger.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}
	if n.addrBook != nil {
		go n.runAddrBookLoop()
	}
	go n.BanManager.RunPruneLoop(n.ctx.Done())

	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.rememberPeers()

	n.cancel()
	if n.subBlock != nil {
		n.subBlock.Cancel()
	}
	if n.topicBlock != nil {
		n.topicBlock.Close()
	}
	n.closeDHT()

	n.evMu.Lock()
	for _, ch := range n.evSubs {
		close(ch)
	}
	n.evSubs = nil
	n.evMu.Unlock()

	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetGenesisHash sets the genesis hash checked during the handshake.
// A non-zero hash enables the handshake protocol.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = h != (types.Hash{})
}

// SetHeightFn sets the function used to report best height during handshake.
func (n *Node) SetHeightFn(fn func() uint64) {
	n.heightFn = fn
}

// SetBlockHandler registers a callback for decoded gossip blocks.
func (n *Node) SetBlockHandler(fn func(from peer.ID, blk *block.Block)) {
	n.blockHandler = fn
}

// DisconnectPeer closes all connections to a peer and removes it from the peer list.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// ReadyCount returns the number of peers that completed the handshake.
func (n *Node) ReadyCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, p := range n.peers {
		if p.Ready {
			count++
		}
	}
	return count
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// ReadyPeers returns the IDs of peers that completed the handshake.
func (n *Node) ReadyPeers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []string
	for id, p := range n.peers {
		if p.Ready {
			out = append(out, id.String())
		}
	}
	return out
}

// SubscribePeers returns a channel of peer ready and gone events. The
// channel is closed by Stop. Events are dropped for a subscriber that
// falls behind; callers reconcile with ReadyPeers.
func (n *Node) SubscribePeers() <-chan PeerEvent {
	ch := make(chan PeerEvent, peerEventBuffer)
	n.evMu.Lock()
	n.evSubs = append(n.evSubs, ch)
	n.evMu.Unlock()
	return ch
}

func (n *Node) emit(ev PeerEvent) {
	n.evMu.Lock()
	defer n.evMu.Unlock()
	for _, ch := range n.evSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Penalize records an offense against a peer given by its string ID.
func (n *Node) Penalize(id string, penalty int, reason string) {
	pid, err := peer.Decode(id)
	if err != nil || n.BanManager == nil {
		return
	}
	n.BanManager.RecordOffense(pid, penalty, reason)
}

func (n *Node) addPeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[id]; !exists {
		n.peers[id] = &Peer{
			ID:          id,
			ConnectedAt: time.Now(),
		}
	}
}

// markReady flags a peer as usable for sync and announces it.
func (n *Node) markReady(id peer.ID, height uint64) {
	n.mu.Lock()
	p, ok := n.peers[id]
	if !ok {
		p = &Peer{ID: id, ConnectedAt: time.Now()}
		n.peers[id] = p
	}
	wasReady := p.Ready
	p.Ready = true
	if height > p.BestHeight {
		p.BestHeight = height
	}
	n.mu.Unlock()

	if !wasReady {
		n.emit(PeerEvent{ID: id, Connected: true})
	}
}

// noteHeight raises the best known height of a peer.
func (n *Node) noteHeight(id peer.ID, height uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok && height > p.BestHeight {
		p.BestHeight = height
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	p, ok := n.peers[id]
	delete(n.peers, id)
	n.mu.Unlock()

	if ok && p.Ready {
		n.emit(PeerEvent{ID: id, Connected: false})
	}
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	// mDNS failure is non-fatal.
	_ = svc.Start()
}

// connectSeedsOnce tries each seed once and reports whether any connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.logger.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			n.logger.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID)
		n.setSource(info.ID, "seed")
		n.logger.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(seedRetryInterval):
			if n.PeerCount() == 0 {
				n.logger.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds")
				n.connectSeedsOnce()
			}
		}
	}
}

func (n *Node) setSource(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok && p.Source == "" {
		p.Source = source
	}
}

// --- DHT ---

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	routingDiscovery := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routingDiscovery, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(routingDiscovery)
		}
	}
}

func (n *Node) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range peerCh {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
			return
		}
		connectCtx, connectCancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(connectCtx, p); err == nil {
			n.setSource(p.ID, "dht")
		}
		connectCancel()
	}
}

// loadOrCreateIdentity keeps the peer ID stable across restarts by storing
// the Ed25519 key in dataDir.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

func (n *Node) isReady(id peer.ID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[id]
	return ok && p.Ready
}
