package chainsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veldtlabs/veldt/types"
)

const (
	// ChunkSize is the slot span of one by-range request.
	ChunkSize = 64

	// maxInFlight bounds concurrent range requests.
	maxInFlight = 4

	maxRetries     = 3
	baseRetryDelay = time.Second
)

// Fetcher issues range requests; satisfied by the reqresp handler.
type Fetcher interface {
	BlocksByRange(ctx context.Context, pid peer.ID, start types.Slot, count uint64) ([]*types.SignedBeaconBlock, error)
}

// Processor consumes downloaded blocks in order; satisfied by the node's
// block import path. ErrMissingParent triggers a rewind.
type Processor interface {
	ProcessSyncBlock(sb *types.SignedBeaconBlock) error
}

// ErrMissingParent is returned by processors when a downloaded batch does
// not connect; the window rewinds.
var ErrMissingParent = errors.New("sync block missing parent")

// PeerSource picks peers to download from.
type PeerSource interface {
	BestSyncPeers(n int) []peer.ID
}

// Config wires a Syncer.
type Config struct {
	Mode      Mode
	From      types.Slot // window start (current head slot or backfill start)
	Target    types.Slot // window end (network head, or tail for backward)
	Fetcher   Fetcher
	Processor Processor
	Peers     PeerSource
	Logger    *slog.Logger
}

// Syncer drives a sliding window [from, target] of range downloads.
type Syncer struct {
	mode      Mode
	target    types.Slot
	queue     *Queue
	fetcher   Fetcher
	processor Processor
	peers     PeerSource
	logger    *slog.Logger

	mu        sync.Mutex
	processed types.Slot // last contiguous slot handed to the processor
	inflight  map[types.Slot]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context, cfg Config) *Syncer {
	ctx, cancel := context.WithCancel(ctx)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		mode:      cfg.Mode,
		target:    cfg.Target,
		queue:     NewQueue(cfg.Mode, cfg.From),
		fetcher:   cfg.Fetcher,
		processor: cfg.Processor,
		peers:     cfg.Peers,
		logger:    logger,
		processed: cfg.From,
		inflight:  make(map[types.Slot]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the download loop.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop cancels in-flight work and waits.
func (s *Syncer) Stop() {
	s.cancel()
	s.wg.Wait()
}

// SetTarget extends the window as peers report higher heads.
func (s *Syncer) SetTarget(target types.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeForward && target > s.target {
		s.target = target
	}
	if s.mode == ModeBackward && target < s.target {
		s.target = target
	}
}

// Done reports whether the window is exhausted.
func (s *Syncer) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeForward {
		return s.queue.Next() > s.target
	}
	return s.queue.Next() <= s.target
}

func (s *Syncer) run() {
	defer s.wg.Done()
	sem := make(chan struct{}, maxInFlight)
	var dispatch sync.WaitGroup

	for s.ctx.Err() == nil && !s.Done() {
		s.mu.Lock()
		start := s.nextRequestLocked()
		s.mu.Unlock()
		if start == types.FarFutureSlot {
			// Window full; drain before requesting more.
			time.Sleep(100 * time.Millisecond)
			s.drain()
			continue
		}

		peersAvail := s.peers.BestSyncPeers(1)
		if len(peersAvail) == 0 {
			s.logger.Debug("no sync peers available, waiting")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		sem <- struct{}{}
		dispatch.Add(1)
		go func(start types.Slot, pid peer.ID) {
			defer func() { <-sem; dispatch.Done() }()
			s.fetchRange(start, pid)
		}(start, peersAvail[0])

		s.drain()
	}
	dispatch.Wait()
	s.drain()
	s.logger.Info("sync window complete", "mode", s.mode, "slot", s.queue.Next())
}

// nextRequestLocked slides the request frontier past buffered and in-flight
// batches. Returns the far-future sentinel when the window is saturated.
func (s *Syncer) nextRequestLocked() types.Slot {
	if s.queue.PendingCount()+len(s.inflight) >= maxInFlight {
		return types.FarFutureSlot
	}
	span := uint64(s.queue.PendingCount()+len(s.inflight)) * ChunkSize
	if s.mode == ModeForward {
		candidate := s.queue.Next().Add(span)
		for {
			if candidate > s.target {
				return types.FarFutureSlot
			}
			if _, busy := s.inflight[candidate]; !busy {
				s.inflight[candidate] = struct{}{}
				return candidate
			}
			candidate = candidate.Add(ChunkSize)
		}
	}
	candidate := s.queue.Next().SubSat(span)
	for {
		if candidate <= s.target {
			return types.FarFutureSlot
		}
		if _, busy := s.inflight[candidate]; !busy {
			s.inflight[candidate] = struct{}{}
			return candidate
		}
		candidate = candidate.SubSat(ChunkSize)
	}
}

func (s *Syncer) fetchRange(cursor types.Slot, pid peer.ID) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, cursor)
		s.mu.Unlock()
	}()
	start := cursor
	count := uint64(ChunkSize)
	if s.mode == ModeBackward {
		start = cursor.SubSat(ChunkSize - 1)
	}

	var blocks []*types.SignedBeaconBlock
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay << (attempt - 1)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		blocks, err = s.fetcher.BlocksByRange(s.ctx, pid, start, count)
		if err == nil {
			break
		}
		s.logger.Debug("range request failed", "peer", pid, "start", start, "attempt", attempt+1, "err", err)
	}
	if err != nil {
		s.logger.Warn("range request exhausted retries", "peer", pid, "start", start, "err", err)
		return
	}

	batch := &Batch{Start: start, Count: count, Blocks: blocks}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.Push(batch); err != nil {
		s.logger.Debug("discarding batch", "start", start, "err", err)
	}
}

// drain pops contiguous batches and feeds the processor. A gap or a
// missing-parent failure rewinds the window to the last contiguous slot.
func (s *Syncer) drain() {
	for {
		s.mu.Lock()
		batch := s.queue.Pop()
		s.mu.Unlock()
		if batch == nil {
			return
		}
		for _, sb := range batch.Blocks {
			if err := s.processor.ProcessSyncBlock(sb); err != nil {
				s.mu.Lock()
				rewindTo := s.processed
				s.queue.Rewind(rewindTo)
				s.mu.Unlock()
				s.logger.Warn("sync rewind", "to", rewindTo, "err", err)
				return
			}
			s.mu.Lock()
			s.processed = sb.Message.Slot
			s.mu.Unlock()
		}
	}
}

func (m Mode) String() string {
	if m == ModeBackward {
		return "backward"
	}
	return "forward"
}
