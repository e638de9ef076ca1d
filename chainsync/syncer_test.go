package chainsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veldtlabs/veldt/types"
)

// fakeFetcher serves deterministic blocks for any requested range.
type fakeFetcher struct {
	mu       sync.Mutex
	requests []types.Slot
}

func (f *fakeFetcher) BlocksByRange(_ context.Context, _ peer.ID, start types.Slot, count uint64) ([]*types.SignedBeaconBlock, error) {
	f.mu.Lock()
	f.requests = append(f.requests, start)
	f.mu.Unlock()
	var out []*types.SignedBeaconBlock
	for slot := start; slot < start.Add(count); slot += 2 { // every other slot has a block
		blk := types.NewPhase0Block(slot, 0, types.Root{1})
		out = append(out, &types.SignedBeaconBlock{Message: *blk})
	}
	return out, nil
}

type fakeProcessor struct {
	mu    sync.Mutex
	slots []types.Slot
	fail  map[types.Slot]bool
}

func (p *fakeProcessor) ProcessSyncBlock(sb *types.SignedBeaconBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[sb.Message.Slot] {
		delete(p.fail, sb.Message.Slot)
		return ErrMissingParent
	}
	p.slots = append(p.slots, sb.Message.Slot)
	return nil
}

type onePeer struct{}

func (onePeer) BestSyncPeers(int) []peer.ID { return []peer.ID{peer.ID("sync-peer")} }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestForwardSyncProcessesInOrder(t *testing.T) {
	fetcher := &fakeFetcher{}
	processor := &fakeProcessor{}

	s := New(context.Background(), Config{
		Mode:      ModeForward,
		From:      0,
		Target:    127, // two chunks
		Fetcher:   fetcher,
		Processor: processor,
		Peers:     onePeer{},
	})
	s.Start()
	defer s.Stop()

	waitFor(t, 5*time.Second, s.Done)

	processor.mu.Lock()
	defer processor.mu.Unlock()
	if len(processor.slots) == 0 {
		t.Fatal("no blocks processed")
	}
	for i := 1; i < len(processor.slots); i++ {
		if processor.slots[i] <= processor.slots[i-1] {
			t.Fatalf("out-of-order processing: %d after %d", processor.slots[i], processor.slots[i-1])
		}
	}
	if last := processor.slots[len(processor.slots)-1]; last < 120 {
		t.Errorf("sync stopped early at slot %d", last)
	}
}

func TestRewindRedownloads(t *testing.T) {
	fetcher := &fakeFetcher{}
	processor := &fakeProcessor{fail: map[types.Slot]bool{10: true}}

	s := New(context.Background(), Config{
		Mode:      ModeForward,
		From:      0,
		Target:    63, // one chunk
		Fetcher:   fetcher,
		Processor: processor,
		Peers:     onePeer{},
	})
	s.Start()
	defer s.Stop()

	waitFor(t, 5*time.Second, func() bool {
		processor.mu.Lock()
		defer processor.mu.Unlock()
		for _, s := range processor.slots {
			if s == 10 {
				return true
			}
		}
		return false
	})

	// The failed batch was re-requested after the rewind.
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.requests) < 2 {
		t.Errorf("expected a re-request after rewind, saw %d requests", len(fetcher.requests))
	}
}
