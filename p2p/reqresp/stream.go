package reqresp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/veldtlabs/veldt/p2p/peers"
	"github.com/veldtlabs/veldt/types"
)

// Timeouts per protocol interaction.
const (
	TTFBTimeout       = 5 * time.Second  // time to first byte
	RespTimeout       = 10 * time.Second // whole response
	StreamOpenTimeout = 10 * time.Second
)

// ChainProvider is the read side the server half serves from.
type ChainProvider interface {
	Status() *Status
	Metadata() *Metadata
	ForkDigest() [4]byte
	BlockByRoot(root types.Root) (*types.SignedBeaconBlock, error)
	BlocksByRange(start types.Slot, count uint64) ([]*types.SignedBeaconBlock, error)
}

// Handler owns both halves of the request/response protocols.
type Handler struct {
	host   host.Host
	chain  ChainProvider
	pool   *peers.Pool
	logger *slog.Logger
}

func NewHandler(h host.Host, chain ChainProvider, pool *peers.Pool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{host: h, chain: chain, pool: pool, logger: logger}
}

// Register installs the server-side stream handlers.
func (h *Handler) Register() {
	h.host.SetStreamHandler(protocol.ID(ProtocolStatus), h.wrap(h.handleStatus))
	h.host.SetStreamHandler(protocol.ID(ProtocolGoodbye), h.wrap(h.handleGoodbye))
	h.host.SetStreamHandler(protocol.ID(ProtocolPing), h.wrap(h.handlePing))
	h.host.SetStreamHandler(protocol.ID(ProtocolMetadata), h.wrap(h.handleMetadata))
	h.host.SetStreamHandler(protocol.ID(ProtocolBlocksByRange), h.wrap(h.handleBlocksByRange))
	h.host.SetStreamHandler(protocol.ID(ProtocolBlocksByRoot), h.wrap(h.handleBlocksByRoot))
}

func (h *Handler) wrap(fn func(network.Stream) error) network.StreamHandler {
	return func(stream network.Stream) {
		defer stream.Close()
		remote := stream.Conn().RemotePeer()
		if !h.pool.ConsumeRequestQuota(remote, 1, 16) {
			_ = WriteResponseChunk(stream, CodeResourceUnavailable, nil, []byte("rate limited"))
			return
		}
		_ = stream.SetReadDeadline(time.Now().Add(RespTimeout))
		_ = stream.SetWriteDeadline(time.Now().Add(RespTimeout))
		if err := fn(stream); err != nil {
			h.logger.Debug("request handler failed",
				"protocol", string(stream.Protocol()), "peer", remote, "err", err)
			if h.pool.Penalize(remote, peers.PenaltyInvalidRequest) {
				h.pool.Ban(remote, peers.ReasonLowScore)
			}
		}
	}
}

func (h *Handler) handleStatus(stream network.Stream) error {
	_, payload, err := ReadChunk(stream, 0)
	if err != nil {
		_ = WriteResponseChunk(stream, CodeInvalidRequest, nil, []byte("bad status"))
		return err
	}
	var theirs Status
	if err := theirs.UnmarshalSSZ(payload); err != nil {
		_ = WriteResponseChunk(stream, CodeInvalidRequest, nil, []byte("bad status"))
		return err
	}
	ours := h.chain.Status()
	if theirs.ForkDigest != ours.ForkDigest {
		// Wrong network: answer, then let the caller disconnect us.
		h.pool.Ban(stream.Conn().RemotePeer(), peers.ReasonIrrelevantNetwork)
	}
	raw, err := ours.MarshalSSZ()
	if err != nil {
		_ = WriteResponseChunk(stream, CodeServerError, nil, []byte("internal"))
		return err
	}
	return WriteResponseChunk(stream, CodeSuccess, nil, raw)
}

func (h *Handler) handleGoodbye(stream network.Stream) error {
	_, payload, err := ReadChunk(stream, 0)
	if err != nil {
		return err
	}
	var g Goodbye
	if err := g.UnmarshalSSZ(payload); err != nil {
		return err
	}
	remote := stream.Conn().RemotePeer()
	h.logger.Debug("goodbye received", "peer", remote, "code", uint64(g))
	h.pool.Ban(remote, peers.DisconnectReason(g))
	return nil
}

func (h *Handler) handlePing(stream network.Stream) error {
	_, payload, err := ReadChunk(stream, 0)
	if err != nil {
		return err
	}
	var p Ping
	if err := p.UnmarshalSSZ(payload); err != nil {
		return err
	}
	raw, _ := Ping(h.chain.Metadata().SeqNumber).MarshalSSZ()
	return WriteResponseChunk(stream, CodeSuccess, nil, raw)
}

func (h *Handler) handleMetadata(stream network.Stream) error {
	raw, err := h.chain.Metadata().MarshalSSZ()
	if err != nil {
		return err
	}
	return WriteResponseChunk(stream, CodeSuccess, nil, raw)
}

func (h *Handler) handleBlocksByRange(stream network.Stream) error {
	_, payload, err := ReadChunk(stream, 0)
	if err != nil {
		_ = WriteResponseChunk(stream, CodeInvalidRequest, nil, []byte("bad request"))
		return err
	}
	var req BlocksByRangeRequest
	if err := req.UnmarshalSSZ(payload); err != nil {
		_ = WriteResponseChunk(stream, CodeInvalidRequest, nil, []byte("bad request"))
		return err
	}
	if req.Count == 0 || req.Count > MaxRequestBlocks {
		_ = WriteResponseChunk(stream, CodeInvalidRequest, nil, []byte("count out of range"))
		return fmt.Errorf("%w: count %d", ErrInvalidInputs, req.Count)
	}
	blocks, err := h.chain.BlocksByRange(req.StartSlot, req.Count)
	if err != nil {
		_ = WriteResponseChunk(stream, CodeResourceUnavailable, nil, []byte("range unavailable"))
		return err
	}
	return h.writeBlocks(stream, blocks)
}

func (h *Handler) handleBlocksByRoot(stream network.Stream) error {
	_, payload, err := ReadChunk(stream, 0)
	if err != nil {
		_ = WriteResponseChunk(stream, CodeInvalidRequest, nil, []byte("bad request"))
		return err
	}
	var req BlocksByRootRequest
	if err := req.UnmarshalSSZ(payload); err != nil {
		_ = WriteResponseChunk(stream, CodeInvalidRequest, nil, []byte("bad request"))
		return err
	}
	var blocks []*types.SignedBeaconBlock
	for _, root := range req.Roots {
		sb, err := h.chain.BlockByRoot(root)
		if err != nil {
			continue // absent blocks are skipped, not errors
		}
		blocks = append(blocks, sb)
	}
	return h.writeBlocks(stream, blocks)
}

// writeBlocks streams one response chunk per block with the fork digest as
// context bytes, then half-closes the write side to signal the end.
func (h *Handler) writeBlocks(stream network.Stream, blocks []*types.SignedBeaconBlock) error {
	digest := h.chain.ForkDigest()
	for _, sb := range blocks {
		raw, err := sb.MarshalSSZ()
		if err != nil {
			return err
		}
		if err := WriteResponseChunk(stream, CodeSuccess, digest[:], raw); err != nil {
			return err
		}
	}
	return stream.CloseWrite()
}

// --- client half ---

func (h *Handler) open(ctx context.Context, pid peer.ID, proto string) (network.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, StreamOpenTimeout)
	defer cancel()
	stream, err := h.host.NewStream(ctx, pid, protocol.ID(proto))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrStreamOpenTimeout, proto)
		}
		return nil, fmt.Errorf("%w: %v", ErrBrokenConnection, err)
	}
	return stream, nil
}

// roundTrip sends one request chunk, half-closes, and prepares read
// deadlines: TTFB first, then the whole-response budget.
func roundTrip(stream network.Stream, payload []byte) error {
	_ = stream.SetWriteDeadline(time.Now().Add(RespTimeout))
	if err := WriteChunk(stream, nil, payload); err != nil {
		return err
	}
	if err := stream.CloseWrite(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenConnection, err)
	}
	_ = stream.SetReadDeadline(time.Now().Add(TTFBTimeout))
	return nil
}

// SendStatus performs the status handshake with a peer.
func (h *Handler) SendStatus(ctx context.Context, pid peer.ID, ours *Status) (*Status, error) {
	stream, err := h.open(ctx, pid, ProtocolStatus)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	raw, err := ours.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	if err := roundTrip(stream, raw); err != nil {
		return nil, err
	}
	_, payload, err := ReadResponseChunk(stream, 0)
	if err != nil {
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Now().Add(RespTimeout))
	var theirs Status
	if err := theirs.UnmarshalSSZ(payload); err != nil {
		return nil, err
	}
	return &theirs, nil
}

// SendGoodbye tells the peer why we are disconnecting. Best effort.
func (h *Handler) SendGoodbye(ctx context.Context, pid peer.ID, reason peers.DisconnectReason) error {
	stream, err := h.open(ctx, pid, ProtocolGoodbye)
	if err != nil {
		return err
	}
	defer stream.Close()
	raw, _ := Goodbye(reason).MarshalSSZ()
	_ = stream.SetWriteDeadline(time.Now().Add(RespTimeout))
	if err := WriteChunk(stream, nil, raw); err != nil {
		return err
	}
	return stream.CloseWrite()
}

// RequestMetadata refreshes the peer's subnet bitfields.
func (h *Handler) RequestMetadata(ctx context.Context, pid peer.ID) (*Metadata, error) {
	stream, err := h.open(ctx, pid, ProtocolMetadata)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	if err := stream.CloseWrite(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokenConnection, err)
	}
	_ = stream.SetReadDeadline(time.Now().Add(TTFBTimeout))
	_, payload, err := ReadResponseChunk(stream, 0)
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := md.UnmarshalSSZ(payload); err != nil {
		return nil, err
	}
	return &md, nil
}

// readBlockStream consumes success chunks until clean EOF.
func (h *Handler) readBlockStream(stream network.Stream, pid peer.ID) ([]*types.SignedBeaconBlock, error) {
	var blocks []*types.SignedBeaconBlock
	start := time.Now()
	total := 0
	for {
		_ = stream.SetReadDeadline(time.Now().Add(RespTimeout))
		_, payload, err := ReadResponseChunk(stream, ContextLen)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.pool.Penalize(pid, peers.PenaltyFailedDecode)
			return nil, err
		}
		total += len(payload)
		var sb types.SignedBeaconBlock
		if err := sb.UnmarshalSSZ(payload); err != nil {
			h.pool.Penalize(pid, peers.PenaltyFailedDecode)
			return nil, fmt.Errorf("%w: %v", ErrInvalidSszBytes, err)
		}
		blocks = append(blocks, &sb)
		if len(blocks) > MaxRequestBlocks {
			h.pool.Penalize(pid, peers.PenaltyProtocolViolation)
			return nil, fmt.Errorf("%w: too many response chunks", ErrInvalidInputs)
		}
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		h.pool.RecordThroughput(pid, float64(total)/elapsed)
	}
	h.pool.Reward(pid, peers.RewardUsefulResponse)
	return blocks, nil
}

// BlocksByRoot fetches specific blocks from a peer.
func (h *Handler) BlocksByRoot(ctx context.Context, pid peer.ID, roots []types.Root) ([]*types.SignedBeaconBlock, error) {
	stream, err := h.open(ctx, pid, ProtocolBlocksByRoot)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	req := &BlocksByRootRequest{Roots: roots}
	raw, err := req.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	if err := roundTrip(stream, raw); err != nil {
		return nil, err
	}
	return h.readBlockStream(stream, pid)
}

// BlocksByRange fetches a contiguous slot range from a peer.
func (h *Handler) BlocksByRange(ctx context.Context, pid peer.ID, start types.Slot, count uint64) ([]*types.SignedBeaconBlock, error) {
	stream, err := h.open(ctx, pid, ProtocolBlocksByRange)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	req := &BlocksByRangeRequest{StartSlot: start, Count: count, Step: 1}
	raw, err := req.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	if err := roundTrip(stream, raw); err != nil {
		return nil, err
	}
	return h.readBlockStream(stream, pid)
}
