package peers

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func testPool(t *testing.T) (*Pool, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	p := NewPool()
	p.timeFunc = func() time.Time { return now }
	return p, &now
}

func TestNewPeerStartsAtBaseline(t *testing.T) {
	p, _ := testPool(t)
	id := peer.ID("peer-a")
	p.Ensure(id, DirOutbound)
	if got := p.Score(id); got != ScoreBaseline {
		t.Errorf("score = %d, want baseline %d", got, ScoreBaseline)
	}
}

func TestRewardCapped(t *testing.T) {
	p, _ := testPool(t)
	id := peer.ID("peer-a")
	p.Ensure(id, DirOutbound)
	for i := 0; i < 200; i++ {
		p.Reward(id, RewardUsefulResponse)
	}
	if got := p.Score(id); got != ScoreCap {
		t.Errorf("score = %d, want capped at %d", got, ScoreCap)
	}
}

func TestPenalizeCrossesFloor(t *testing.T) {
	p, _ := testPool(t)
	id := peer.ID("peer-a")
	p.Ensure(id, DirInbound)

	crossed := false
	for i := 0; i < 10 && !crossed; i++ {
		crossed = p.Penalize(id, PenaltyInvalidRequest)
	}
	if !crossed {
		t.Fatal("repeated penalties never crossed the floor")
	}
}

func TestBanTTLPerReason(t *testing.T) {
	p, now := testPool(t)
	id := peer.ID("peer-a")
	p.Ensure(id, DirOutbound)

	p.Ban(id, ReasonLowScore)
	if !p.IsBanned(id) {
		t.Fatal("peer not banned after Ban")
	}

	// Still banned just before the low-score TTL, clear after.
	*now = now.Add(59 * time.Minute)
	if !p.IsBanned(id) {
		t.Error("ban expired early")
	}
	*now = now.Add(2 * time.Minute)
	if p.IsBanned(id) {
		t.Error("ban outlived its TTL")
	}

	// Irrelevant-network bans last a day.
	p.Ban(id, ReasonIrrelevantNetwork)
	*now = now.Add(23 * time.Hour)
	if !p.IsBanned(id) {
		t.Error("irrelevant-network ban expired before 24h")
	}
	reason, ok := p.BanReason(id)
	if !ok || reason != ReasonIrrelevantNetwork {
		t.Errorf("BanReason = %v, %v", reason, ok)
	}
	*now = now.Add(2 * time.Hour)
	if p.IsBanned(id) {
		t.Error("irrelevant-network ban outlived 24h")
	}
}

func TestRequestQuotaRefill(t *testing.T) {
	p, now := testPool(t)
	id := peer.ID("peer-a")
	p.Ensure(id, DirInbound)

	// Burst of 1 available initially.
	if !p.ConsumeRequestQuota(id, 0.5, 4) {
		t.Fatal("first request should pass")
	}
	if p.ConsumeRequestQuota(id, 0.5, 4) {
		t.Fatal("quota not exhausted after burst")
	}
	// Two seconds at 0.5/s refills one request.
	*now = now.Add(2 * time.Second)
	if !p.ConsumeRequestQuota(id, 0.5, 4) {
		t.Error("quota did not refill over time")
	}
}

func TestMetadataFailureBudget(t *testing.T) {
	p, _ := testPool(t)
	id := peer.ID("peer-a")
	p.Ensure(id, DirOutbound)

	if p.MetadataFailure(id) || p.MetadataFailure(id) {
		t.Fatal("disconnect before three consecutive failures")
	}
	if !p.MetadataFailure(id) {
		t.Fatal("no disconnect after three consecutive failures")
	}
}

func TestConnectionLifecycle(t *testing.T) {
	p, _ := testPool(t)
	id := peer.ID("peer-a")
	p.Ensure(id, DirOutbound)

	for _, state := range []ConnectionState{StateConnecting, StateConnected, StateDisconnecting, StateDisconnected} {
		p.SetState(id, state)
	}
	if p.ConnectedCount() != 0 {
		t.Error("disconnected peer still counted as connected")
	}
	p.SetState(id, StateConnected)
	if p.ConnectedCount() != 1 {
		t.Error("connected peer not counted")
	}
}
