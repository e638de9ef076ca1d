// Package config holds the immutable runtime configuration: node options,
// the network profile (genesis plus fork schedule) and preset constants.
// The value is built once at startup and passed explicitly through every
// layer; there are no process-wide mutable singletons.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/veldtlabs/veldt/types"
)

// Config enumerates the node options.
type Config struct {
	MaxPeers     int    `yaml:"max_peers"`
	HardMaxPeers int    `yaml:"hard_max_peers"` // kick threshold, default 1.5x max_peers
	ListenAddr   string `yaml:"listen_address"`
	TCPPort      uint16 `yaml:"tcp_port"`
	UDPPort      uint16 `yaml:"udp_port"`

	DiscoveryEnabled bool     `yaml:"discovery_enabled"`
	DirectPeers      []string `yaml:"direct_peers"`

	DataDir                  string `yaml:"data_dir"`
	NetworkKeyFile           string `yaml:"network_key_file"`
	NetworkKeyInsecurePasswd bool   `yaml:"network_key_insecure_password"`

	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address"`

	ServeLightClientData bool `yaml:"serve_light_client_data"`

	NetworkProfile string `yaml:"network_profile"`
}

// DefaultConfig returns the options a bare `run` uses.
func DefaultConfig() Config {
	return Config{
		MaxPeers:       64,
		ListenAddr:     "0.0.0.0",
		TCPPort:        9000,
		UDPPort:        9000,
		DataDir:        "data",
		NetworkKeyFile: "network-key",
		LogLevel:       "info",
		MetricsAddress: "127.0.0.1:8008",
		NetworkProfile: "mainnet",
	}
}

// Load merges a yaml file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Profile is a network's genesis parameters and fork schedule.
type Profile struct {
	Name        string
	GenesisTime uint64

	Phase0Version    [4]byte
	AltairVersion    [4]byte
	BellatrixVersion [4]byte

	AltairEpoch    types.Epoch
	BellatrixEpoch types.Epoch

	LocalTestnet bool
}

// ProfileByName resolves a network profile.
func ProfileByName(name string) (Profile, error) {
	switch name {
	case "mainnet":
		return Profile{
			Name:             "mainnet",
			GenesisTime:      1606824023,
			Phase0Version:    [4]byte{0x00, 0x00, 0x00, 0x00},
			AltairVersion:    [4]byte{0x01, 0x00, 0x00, 0x00},
			BellatrixVersion: [4]byte{0x02, 0x00, 0x00, 0x00},
			AltairEpoch:      74240,
			BellatrixEpoch:   144896,
		}, nil
	case "local":
		return Profile{
			Name:             "local",
			Phase0Version:    [4]byte{0x00, 0x00, 0x00, 0x01},
			AltairVersion:    [4]byte{0x01, 0x00, 0x00, 0x01},
			BellatrixVersion: [4]byte{0x02, 0x00, 0x00, 0x01},
			AltairEpoch:      types.FarFutureEpoch,
			BellatrixEpoch:   types.FarFutureEpoch,
			LocalTestnet:     true,
		}, nil
	default:
		return Profile{}, fmt.Errorf("unknown network profile %q", name)
	}
}

// ForkAtEpoch returns the active fork for an epoch.
func (p Profile) ForkAtEpoch(e types.Epoch) types.Fork {
	switch {
	case e >= p.BellatrixEpoch:
		return types.Bellatrix
	case e >= p.AltairEpoch:
		return types.Altair
	default:
		return types.Phase0
	}
}

// ForkVersion returns the wire version bytes for a fork.
func (p Profile) ForkVersion(f types.Fork) [4]byte {
	switch f {
	case types.Bellatrix:
		return p.BellatrixVersion
	case types.Altair:
		return p.AltairVersion
	default:
		return p.Phase0Version
	}
}
