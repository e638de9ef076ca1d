// Package peers tracks the peer set: direction, connection lifecycle,
// scores, throughput and the blacklist that dampens reconnection churn.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	bitfield "github.com/prysmaticlabs/go-bitfield"
)

// ConnectionState is the peer lifecycle.
type ConnectionState int

const (
	StateNone ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// Direction of the underlying connection.
type Direction int

const (
	DirInbound Direction = iota
	DirOutbound
)

// DisconnectReason uses the on-wire byte codes.
type DisconnectReason byte

const (
	ReasonClientShutdown    DisconnectReason = 1
	ReasonIrrelevantNetwork DisconnectReason = 2
	ReasonFault             DisconnectReason = 3
	ReasonLowScore          DisconnectReason = 237
)

// banTTL returns how long a blacklist entry for the reason lasts.
func banTTL(reason DisconnectReason) time.Duration {
	switch reason {
	case ReasonClientShutdown:
		return 10 * time.Minute
	case ReasonIrrelevantNetwork:
		return 24 * time.Hour
	case ReasonFault:
		return 10 * time.Minute
	case ReasonLowScore:
		return 60 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// Scoring parameters. New peers start at the baseline; useful responses add
// up to the cap, faults subtract, and crossing the floor triggers a graceful
// disconnect plus a blacklist entry.
const (
	ScoreBaseline = 10
	ScoreCap      = 100
	ScoreFloor    = -10

	PenaltyInvalidRequest    = -5
	PenaltyFailedDecode      = -5
	PenaltyProtocolViolation = -10
	PenaltyInvalidBlock      = -10
	RewardUsefulResponse     = 2
)

// Peer is the tracked state for one remote. Guarded by the pool lock.
type Peer struct {
	ID        peer.ID
	Direction Direction
	State     ConnectionState
	Score     int

	// ThroughputAvg is an exponential moving average in bytes/second.
	ThroughputAvg float64

	// RequestQuota refills over time and is spent per served request.
	RequestQuota    float64
	LastRequestTime time.Time

	// Gossip subnet bitfields from the peer's metadata.
	Attnets  bitfield.Bitvector64
	Syncnets bitfield.Bitvector64

	MetadataFailures int
}

type seenEntry struct {
	reason DisconnectReason
	until  time.Time
}

// Pool tracks all known peers. Safe for concurrent use.
type Pool struct {
	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	// seen is the in-memory reconnection damper. It does not survive
	// restart; only the persisted blacklist reasons do.
	seen map[peer.ID]seenEntry

	timeFunc func() time.Time
}

func NewPool() *Pool {
	return &Pool{
		peers:    make(map[peer.ID]*Peer),
		seen:     make(map[peer.ID]seenEntry),
		timeFunc: time.Now,
	}
}

// Ensure returns the tracked peer, creating it at the baseline score.
func (p *Pool) Ensure(id peer.ID, dir Direction) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureLocked(id, dir)
}

func (p *Pool) ensureLocked(id peer.ID, dir Direction) *Peer {
	if pr, ok := p.peers[id]; ok {
		return pr
	}
	pr := &Peer{
		ID:              id,
		Direction:       dir,
		Score:           ScoreBaseline,
		RequestQuota:    1,
		LastRequestTime: p.timeFunc(),
	}
	p.peers[id] = pr
	return pr
}

// SetState moves the peer through its lifecycle.
func (p *Pool) SetState(id peer.ID, state ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.peers[id]; ok {
		pr.State = state
	}
}

// Score reads the peer's current score (0 for unknown peers).
func (p *Pool) Score(id peer.ID) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pr, ok := p.peers[id]; ok {
		return pr.Score
	}
	return 0
}

// Reward adds to the score, capped.
func (p *Pool) Reward(id peer.ID, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[id]
	if !ok {
		return
	}
	pr.Score += delta
	if pr.Score > ScoreCap {
		pr.Score = ScoreCap
	}
}

// Penalize subtracts from the score. Returns true when the peer dropped
// below the floor and should be disconnected and blacklisted.
func (p *Pool) Penalize(id peer.ID, delta int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[id]
	if !ok {
		return false
	}
	pr.Score += delta
	return pr.Score < ScoreFloor
}

// RecordThroughput folds a transfer into the moving average.
func (p *Pool) RecordThroughput(id peer.ID, bytesPerSec float64) {
	const alpha = 0.25
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.peers[id]; ok {
		if pr.ThroughputAvg == 0 {
			pr.ThroughputAvg = bytesPerSec
		} else {
			pr.ThroughputAvg = alpha*bytesPerSec + (1-alpha)*pr.ThroughputAvg
		}
	}
}

// ConsumeRequestQuota spends one request from the peer's quota, refilled at
// refillPerSec since the last request. Returns false when exhausted.
func (p *Pool) ConsumeRequestQuota(id peer.ID, refillPerSec, burst float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[id]
	if !ok {
		return false
	}
	now := p.timeFunc()
	pr.RequestQuota += now.Sub(pr.LastRequestTime).Seconds() * refillPerSec
	if pr.RequestQuota > burst {
		pr.RequestQuota = burst
	}
	pr.LastRequestTime = now
	if pr.RequestQuota < 1 {
		return false
	}
	pr.RequestQuota--
	return true
}

// Ban records the peer in the seen table with the reason's TTL.
func (p *Pool) Ban(id peer.ID, reason DisconnectReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[id] = seenEntry{reason: reason, until: p.timeFunc().Add(banTTL(reason))}
	if pr, ok := p.peers[id]; ok {
		pr.State = StateDisconnecting
	}
}

// IsBanned reports whether the peer's seen entry is still live. Expired
// entries are dropped on read.
func (p *Pool) IsBanned(id peer.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.seen[id]
	if !ok {
		return false
	}
	if p.timeFunc().After(entry.until) {
		delete(p.seen, id)
		return false
	}
	return true
}

// BanReason returns the live ban reason, if any.
func (p *Pool) BanReason(id peer.ID) (DisconnectReason, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.seen[id]
	if !ok || p.timeFunc().After(entry.until) {
		return 0, false
	}
	return entry.reason, true
}

// Connected returns the ids of all connected peers.
func (p *Pool) Connected() []peer.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []peer.ID
	for id, pr := range p.peers {
		if pr.State == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// ConnectedCount returns the number of connected peers.
func (p *Pool) ConnectedCount() int {
	return len(p.Connected())
}

// SetMetadata stores the peer's refreshed subnet bitfields and clears the
// failure counter.
func (p *Pool) SetMetadata(id peer.ID, attnets, syncnets bitfield.Bitvector64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.peers[id]; ok {
		pr.Attnets = attnets
		pr.Syncnets = syncnets
		pr.MetadataFailures = 0
	}
}

// MetadataFailure counts a failed refresh. Returns true when the failure
// budget (3 consecutive) is exhausted.
func (p *Pool) MetadataFailure(id peer.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[id]
	if !ok {
		return false
	}
	pr.MetadataFailures++
	return pr.MetadataFailures >= 3
}

// SubnetDemand counts, per attestation subnet, how many connected peers
// cover it.
func (p *Pool) SubnetDemand() map[int]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	demand := make(map[int]int)
	for _, pr := range p.peers {
		if pr.State != StateConnected || len(pr.Attnets) != 8 {
			continue
		}
		for i := 0; i < 64; i++ {
			if pr.Attnets.BitAt(uint64(i)) {
				demand[i]++
			}
		}
	}
	return demand
}

// TrimCandidates returns connected peers ordered most-expendable first:
// fewest under-subscribed subnets covered, then lowest score. subnetDemand
// maps subnet index to how many connected peers cover it; peers covering
// under-subscribed subnets are kept longest.
func (p *Pool) TrimCandidates(subnetDemand map[int]int) []peer.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	type cand struct {
		id     peer.ID
		score  int
		rarity int // lower = covers only common subnets
	}
	var cands []cand
	for id, pr := range p.peers {
		if pr.State != StateConnected {
			continue
		}
		rarity := 0
		if len(pr.Attnets) == 8 {
			for i := 0; i < 64; i++ {
				if pr.Attnets.BitAt(uint64(i)) && subnetDemand[i] <= 1 {
					rarity++
				}
			}
		}
		cands = append(cands, cand{id: id, score: pr.Score, rarity: rarity})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].rarity != cands[j].rarity {
			return cands[i].rarity < cands[j].rarity
		}
		return cands[i].score < cands[j].score
	})
	out := make([]peer.ID, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}
