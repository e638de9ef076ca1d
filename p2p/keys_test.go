package p2p

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

const testScryptN = 1 << 4 // keep the KDF cheap in tests

func TestNetworkKeyStableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network-key")

	priv1, err := LoadOrCreateNetworkKey(path, InsecurePassword, testScryptN)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	id1, err := peer.IDFromPrivateKey(priv1)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}

	priv2, err := LoadOrCreateNetworkKey(path, InsecurePassword, testScryptN)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	id2, err := peer.IDFromPrivateKey(priv2)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	if id1 != id2 {
		t.Errorf("peer id changed across restarts: %s vs %s", id1, id2)
	}
}

func TestNetworkKeyWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network-key")
	if _, err := LoadOrCreateNetworkKey(path, "correct horse", testScryptN); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := LoadOrCreateNetworkKey(path, "wrong password", testScryptN)
	if !errors.Is(err, ErrKeyDecrypt) {
		t.Errorf("wrong password = %v, want ErrKeyDecrypt", err)
	}
}
