package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// HostConfig selects the listen addresses and identity.
type HostConfig struct {
	ListenAddress string
	TCPPort       uint16
	PrivKey       crypto.PrivKey
}

// NewHost builds the libp2p host.
func NewHost(cfg HostConfig) (host.Host, error) {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenAddress, cfg.TCPPort)
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
	}
	if cfg.PrivKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivKey))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	return h, nil
}

// ParsePeers converts multiaddr strings into dialable infos.
func ParsePeers(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse multiaddr %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("peer info from %q: %w", s, err)
		}
		out = append(out, *info)
	}
	return out, nil
}
