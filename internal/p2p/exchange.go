package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-staker/internal/chain"
	"github.com/Klingon-tech/klingnet-staker/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

const (
	exchangeReadTimeout = 30 * time.Second
	tipReadTimeout      = 5 * time.Second

	maxRequestBytes  = 256 * 1024
	maxResponseBytes = 64 * 1024 * 1024
	maxTipBytes      = 1024
)

// Exchange errors.
var (
	ErrUnrequestedBlock = errors.New("peer sent a block that was not requested")
	ErrTooManyHeaders   = errors.New("peer sent too many headers")
	ErrNoSyncPeer       = errors.New("no peer to sync headers from")
)

// GetBlocksRequest asks for block bodies by hash.
type GetBlocksRequest struct {
	Hashes []types.Hash `json:"hashes"`
}

// BlocksResponse carries the blocks a peer could serve, in request order.
type BlocksResponse struct {
	Blocks []*block.Block `json:"blocks"`
}

// GetHeadersRequest asks for active headers after the first locator hash
// the peer recognizes.
type GetHeadersRequest struct {
	Locator []types.Hash `json:"locator"`
	Stop    types.Hash   `json:"stop"`
}

// HeadersResponse carries consecutive headers.
type HeadersResponse struct {
	Headers []*block.Header `json:"headers"`
}

// TipResponse reports a peer's active tip.
type TipResponse struct {
	Height uint64     `json:"height"`
	Hash   types.Hash `json:"hash"`
}

// BlockProvider returns the stored blocks among hashes.
type BlockProvider func(hashes []types.Hash) []*block.Block

// HeaderProvider returns up to max active headers after the locator.
type HeaderProvider func(locator []types.Hash, stop types.Hash, max int) []*block.Header

// TipProvider returns the local tip.
type TipProvider func() (uint64, types.Hash)

// Exchange serves and issues the sync stream protocols.
type Exchange struct {
	node   *Node
	logger zerolog.Logger
}

// NewExchange attaches the sync protocols to a started node.
func NewExchange(node *Node) *Exchange {
	return &Exchange{node: node, logger: klog.WithComponent("exchange")}
}

// Register installs the stream handlers.
func (e *Exchange) Register(blocks BlockProvider, headers HeaderProvider, tip TipProvider) {
	e.serve(GetBlocksProtocol, func(dec *json.Decoder) (any, error) {
		var req GetBlocksRequest
		if err := dec.Decode(&req); err != nil {
			return nil, err
		}
		if len(req.Hashes) > MaxBlocksPerRequest {
			req.Hashes = req.Hashes[:MaxBlocksPerRequest]
		}
		return BlocksResponse{Blocks: blocks(req.Hashes)}, nil
	})
	e.serve(GetHeadersProtocol, func(dec *json.Decoder) (any, error) {
		var req GetHeadersRequest
		if err := dec.Decode(&req); err != nil {
			return nil, err
		}
		return HeadersResponse{Headers: headers(req.Locator, req.Stop, MaxHeadersPerRequest)}, nil
	})
	e.serve(TipProtocol, func(*json.Decoder) (any, error) {
		height, hash := tip()
		return TipResponse{Height: height, Hash: hash}, nil
	})
}

func (e *Exchange) serve(proto protocol.ID, handle func(*json.Decoder) (any, error)) {
	e.node.host.SetStreamHandler(proto, func(stream network.Stream) {
		defer stream.Close()
		remote := stream.Conn().RemotePeer()
		if e.node.handshakeEnabled && !e.node.isReady(remote) {
			stream.Reset()
			return
		}
		_ = stream.SetReadDeadline(time.Now().Add(exchangeReadTimeout))

		resp, err := handle(json.NewDecoder(io.LimitReader(stream, maxRequestBytes)))
		if err != nil {
			e.logger.Debug().Err(err).Str("peer", shortID(remote)).Str("protocol", string(proto)).Msg("Bad request")
			stream.Reset()
			return
		}
		if err := json.NewEncoder(stream).Encode(resp); err != nil {
			e.logger.Debug().Err(err).Str("peer", shortID(remote)).Msg("Response write failed")
		}
	})
}

func (e *Exchange) roundTrip(ctx context.Context, pid peer.ID, proto protocol.ID, req, resp any, limit int64, timeout time.Duration) error {
	stream, err := e.node.host.NewStream(ctx, pid, proto)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", proto, err)
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	_ = stream.SetDeadline(time.Now().Add(timeout))

	if req != nil {
		if err := json.NewEncoder(stream).Encode(req); err != nil {
			return fmt.Errorf("send request: %w", err)
		}
	}
	stream.CloseWrite()

	if err := json.NewDecoder(io.LimitReader(stream, limit)).Decode(resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

// GetBlocks requests up to MaxBlocksPerRequest bodies from a peer. Blocks
// the peer does not have are simply absent from the result.
func (e *Exchange) GetBlocks(ctx context.Context, peerID string, hashes []types.Hash) ([]*block.Block, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("decode peer id: %w", err)
	}
	if len(hashes) > MaxBlocksPerRequest {
		hashes = hashes[:MaxBlocksPerRequest]
	}

	var resp BlocksResponse
	if err := e.roundTrip(ctx, pid, GetBlocksProtocol, GetBlocksRequest{Hashes: hashes}, &resp, maxResponseBytes, exchangeReadTimeout); err != nil {
		return nil, err
	}

	wanted := make(map[types.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		wanted[h] = struct{}{}
	}
	for _, b := range resp.Blocks {
		if b == nil || b.Header == nil {
			return nil, fmt.Errorf("%w: empty block", ErrUnrequestedBlock)
		}
		if _, ok := wanted[b.Hash()]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnrequestedBlock, b.Hash().Short())
		}
	}
	return resp.Blocks, nil
}

// GetHeaders requests headers following locator from a peer.
func (e *Exchange) GetHeaders(ctx context.Context, pid peer.ID, locator []types.Hash, stop types.Hash) ([]*block.Header, error) {
	var resp HeadersResponse
	req := GetHeadersRequest{Locator: locator, Stop: stop}
	if err := e.roundTrip(ctx, pid, GetHeadersProtocol, req, &resp, maxResponseBytes, exchangeReadTimeout); err != nil {
		return nil, err
	}
	if len(resp.Headers) > MaxHeadersPerRequest {
		return nil, fmt.Errorf("%w: %d", ErrTooManyHeaders, len(resp.Headers))
	}
	for _, h := range resp.Headers {
		if h == nil {
			return nil, fmt.Errorf("%w: nil header", consensus.ErrStructural)
		}
	}
	return resp.Headers, nil
}

// RequestTip asks a peer for its active tip and records the height.
func (e *Exchange) RequestTip(ctx context.Context, pid peer.ID) (*TipResponse, error) {
	var resp TipResponse
	if err := e.roundTrip(ctx, pid, TipProtocol, nil, &resp, maxTipBytes, tipReadTimeout); err != nil {
		return nil, err
	}
	e.node.noteHeight(pid, resp.Height)
	return &resp, nil
}

// SyncHeaders pulls headers from the ready peer reporting the highest
// tip until that peer has nothing more. Headers that fail to connect
// cost the peer ban score.
func (e *Exchange) SyncHeaders(ctx context.Context, hc *chain.HeaderChain) error {
	pid, ok := e.bestPeer(ctx)
	if !ok {
		return ErrNoSyncPeer
	}
	logger := e.logger.With().Str("peer", shortID(pid)).Logger()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		headers, err := e.GetHeaders(ctx, pid, hc.Locator(), types.Hash{})
		if err != nil {
			if errors.Is(err, ErrTooManyHeaders) || errors.Is(err, consensus.ErrStructural) {
				e.node.BanManager.RecordOffense(pid, PenaltyBadResponse, err.Error())
			}
			return fmt.Errorf("get headers: %w", err)
		}
		if len(headers) == 0 {
			break
		}
		added, err := hc.AddHeaders(headers)
		total += added
		if err != nil {
			e.node.BanManager.RecordOffense(pid, PenaltyInvalidBlock, "unconnectable headers")
			return fmt.Errorf("%w: headers from %s: %w", consensus.ErrConsensus, shortID(pid), err)
		}
		if added == 0 || len(headers) < MaxHeadersPerRequest {
			break
		}
	}
	if total > 0 {
		logger.Info().Int("headers", total).Uint64("tip", hc.Height()).Msg("Headers synced")
	}
	return nil
}

// bestPeer refreshes the tips of ready peers and returns the highest.
func (e *Exchange) bestPeer(ctx context.Context) (peer.ID, bool) {
	peers := e.node.PeerList()
	sort.Slice(peers, func(i, j int) bool { return peers[i].BestHeight > peers[j].BestHeight })

	var (
		best       peer.ID
		bestHeight uint64
		found      bool
	)
	for _, p := range peers {
		if !p.Ready {
			continue
		}
		tip, err := e.RequestTip(ctx, p.ID)
		if err != nil {
			continue
		}
		if !found || tip.Height > bestHeight {
			best, bestHeight, found = p.ID, tip.Height, true
		}
	}
	return best, found
}
