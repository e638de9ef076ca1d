package p2p

import (
	"crypto/rand"
	"net"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestRecordRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	rec := &Record{Seq: 3, IP: net.ParseIP("10.0.0.7"), TCP: 9000, UDP: 9001, PeerID: id}

	encoded, err := rec.Encode(priv)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != 3 || got.TCP != 9000 || got.UDP != 9001 {
		t.Errorf("fields mismatch: %+v", got)
	}
	if got.PeerID != id {
		t.Error("peer id mismatch")
	}
	if !got.IP.Equal(net.ParseIP("10.0.0.7")) {
		t.Errorf("ip = %s", got.IP)
	}
}

func TestRecordRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "enr:-abc", "vnr:!!!", "vnr:AA"} {
		if _, err := Decode(s); err == nil {
			t.Errorf("Decode(%q) accepted garbage", s)
		}
	}
}
