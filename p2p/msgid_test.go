package p2p

import (
	"testing"

	"github.com/golang/snappy"

	"github.com/veldtlabs/veldt/types"
)

func TestMessageIDDependsOnTopic(t *testing.T) {
	data := snappy.Encode(nil, []byte("payload"))
	a := MessageID("/eth2/aabbccdd/beacon_block/ssz_snappy", data)
	b := MessageID("/eth2/aabbccdd/voluntary_exit/ssz_snappy", data)
	if a == b {
		t.Error("message id ignores the topic")
	}
}

func TestMessageIDValidVsInvalidSnappy(t *testing.T) {
	topic := "/eth2/aabbccdd/beacon_block/ssz_snappy"
	valid := snappy.Encode(nil, []byte("payload"))
	invalid := []byte("payload") // raw bytes, not snappy

	a := MessageID(topic, valid)
	b := MessageID(topic, invalid)
	if a == b {
		t.Error("valid and invalid snappy encodings share a message id domain")
	}
}

func TestLegacyMessageIDIgnoresTopic(t *testing.T) {
	data := snappy.Encode(nil, []byte("payload"))
	if LegacyMessageID(data) != LegacyMessageID(data) {
		t.Error("legacy id not deterministic")
	}
	if MessageID("/topic", data) == LegacyMessageID(data) {
		t.Error("legacy and post-altair schemes collide")
	}
}

func TestForkDigestStable(t *testing.T) {
	version := [4]byte{1, 0, 0, 0}
	gvr := types.Root{9}
	a := ForkDigest(version, gvr)
	b := ForkDigest(version, gvr)
	if a != b {
		t.Error("fork digest not deterministic")
	}
	if ForkDigest([4]byte{2, 0, 0, 0}, gvr) == a {
		t.Error("fork digest ignores version")
	}
	if got := FullTopic(a, TopicBeaconBlock); len(got) == 0 {
		t.Error("empty topic")
	}
}
