package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/veldtlabs/veldt/p2p/peers"
	"github.com/veldtlabs/veldt/p2p/reqresp"
)

// Dial and maintenance cadence.
const (
	DialTimeout      = 60 * time.Second
	DialTimeoutLocal = 10 * time.Second
	dialWorkers      = 4
	trimInterval     = 30 * time.Second
	metadataInterval = 30 * time.Minute
)

// ServiceConfig wires the p2p service.
type ServiceConfig struct {
	Host         host.Host
	Pool         *peers.Pool
	ReqResp      *reqresp.Handler
	MaxPeers     int
	HardMaxPeers int // kick threshold, default 1.5x MaxPeers
	LocalTestnet bool
	Logger       *slog.Logger
}

// Service owns the connection lifecycle: a bounded dial worker pool draining
// an address queue, a trimmer keeping the peer count at or under the hard
// max, and a metadata pinger refreshing subnet bitfields.
type Service struct {
	host    host.Host
	pool    *peers.Pool
	reqresp *reqresp.Handler
	logger  *slog.Logger

	maxPeers     int
	hardMaxPeers int
	dialTimeout  time.Duration

	dialQueue chan peer.AddrInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(ctx context.Context, cfg ServiceConfig) *Service {
	ctx, cancel := context.WithCancel(ctx)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hardMax := cfg.HardMaxPeers
	if hardMax == 0 {
		hardMax = cfg.MaxPeers * 3 / 2
	}
	dialTimeout := DialTimeout
	if cfg.LocalTestnet {
		dialTimeout = DialTimeoutLocal
	}
	s := &Service{
		host:         cfg.Host,
		pool:         cfg.Pool,
		reqresp:      cfg.ReqResp,
		logger:       logger,
		maxPeers:     cfg.MaxPeers,
		hardMaxPeers: hardMax,
		dialTimeout:  dialTimeout,
		dialQueue:    make(chan peer.AddrInfo, 256),
		ctx:          ctx,
		cancel:       cancel,
	}
	return s
}

// Start launches the dial workers and maintenance loops.
func (s *Service) Start() {
	s.host.Network().Notify(&notifiee{svc: s})
	for i := 0; i < dialWorkers; i++ {
		s.wg.Add(1)
		go s.dialLoop()
	}
	s.wg.Add(2)
	go s.trimLoop()
	go s.metadataLoop()
	s.logger.Info("p2p service started", "peer_id", s.host.ID(), "max_peers", s.maxPeers)
}

// Stop sends goodbyes and shuts down.
func (s *Service) Stop() {
	for _, id := range s.pool.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.reqresp.SendGoodbye(ctx, id, peers.ReasonClientShutdown)
		cancel()
	}
	s.cancel()
	s.wg.Wait()
	_ = s.host.Close()
	s.logger.Info("p2p service stopped")
}

// Connect dials an address synchronously with the configured hard timeout.
func (s *Service) Connect(ctx context.Context, info peer.AddrInfo) error {
	if s.pool.IsBanned(info.ID) {
		return fmt.Errorf("peer %s is blacklisted", info.ID)
	}
	s.pool.Ensure(info.ID, peers.DirOutbound)
	s.pool.SetState(info.ID, peers.StateConnecting)
	ctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	if err := s.host.Connect(ctx, info); err != nil {
		s.pool.SetState(info.ID, peers.StateDisconnected)
		return err
	}
	return nil
}

// Dial enqueues an address for the worker pool. Banned peers are skipped.
func (s *Service) Dial(info peer.AddrInfo) {
	if s.pool.IsBanned(info.ID) {
		return
	}
	select {
	case s.dialQueue <- info:
	default:
		s.logger.Debug("dial queue full, dropping", "peer", info.ID)
	}
}

func (s *Service) dialLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case info := <-s.dialQueue:
			if s.pool.IsBanned(info.ID) || s.pool.ConnectedCount() >= s.maxPeers {
				continue
			}
			s.pool.Ensure(info.ID, peers.DirOutbound)
			s.pool.SetState(info.ID, peers.StateConnecting)
			ctx, cancel := context.WithTimeout(s.ctx, s.dialTimeout)
			err := s.host.Connect(ctx, info)
			cancel()
			if err != nil {
				s.logger.Debug("dial failed", "peer", info.ID, "err", err)
				s.pool.SetState(info.ID, peers.StateDisconnected)
				continue
			}
		}
	}
}

// trimLoop kicks peers when over the hard max, preferring to retain peers
// covering under-subscribed gossip subnets.
func (s *Service) trimLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(trimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.trim()
		}
	}
}

func (s *Service) trim() {
	connected := s.pool.ConnectedCount()
	if connected <= s.hardMaxPeers {
		return
	}
	demand := s.pool.SubnetDemand()
	excess := connected - s.maxPeers
	for _, id := range s.pool.TrimCandidates(demand) {
		if excess <= 0 {
			break
		}
		s.Disconnect(id, peers.ReasonLowScore)
		excess--
	}
}

// Disconnect says goodbye, closes, and records the reason.
func (s *Service) Disconnect(id peer.ID, reason peers.DisconnectReason) {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	_ = s.reqresp.SendGoodbye(ctx, id, reason)
	cancel()
	s.pool.Ban(id, reason)
	_ = s.host.Network().ClosePeer(id)
	s.pool.SetState(id, peers.StateDisconnected)
}

// metadataLoop refreshes each peer's attnets/syncnets on a fixed cadence;
// three consecutive failures disconnect the peer.
func (s *Service) metadataLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(metadataInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.pool.Connected() {
				md, err := s.reqresp.RequestMetadata(s.ctx, id)
				if err != nil {
					if s.pool.MetadataFailure(id) {
						s.logger.Debug("metadata refresh failed repeatedly, disconnecting", "peer", id)
						s.Disconnect(id, peers.ReasonFault)
					}
					continue
				}
				s.pool.SetMetadata(id, md.Attnets, md.Syncnets)
			}
		}
	}
}

// notifiee tracks connection state changes into the pool.
type notifiee struct {
	svc *Service
}

func (n *notifiee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (n *notifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}

func (n *notifiee) Connected(_ network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	dir := peers.DirInbound
	if conn.Stat().Direction == network.DirOutbound {
		dir = peers.DirOutbound
	}
	if n.svc.pool.IsBanned(id) {
		reason, _ := n.svc.pool.BanReason(id)
		n.svc.logger.Debug("rejecting banned peer", "peer", id, "reason", reason)
		_ = n.svc.host.Network().ClosePeer(id)
		return
	}
	n.svc.pool.Ensure(id, dir)
	n.svc.pool.SetState(id, peers.StateConnected)
}

func (n *notifiee) Disconnected(_ network.Network, conn network.Conn) {
	n.svc.pool.SetState(conn.RemotePeer(), peers.StateDisconnected)
}

var _ network.Notifiee = (*notifiee)(nil)
