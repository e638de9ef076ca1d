// veldt is the beacon-chain consensus client. `veldt run` (the default
// verb) starts the node; the remaining verbs cover testnet deposits,
// discovery records and trusted-node bootstrap.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/urfave/cli/v2"

	"github.com/veldtlabs/veldt/config"
	"github.com/veldtlabs/veldt/crypto/bls"
	"github.com/veldtlabs/veldt/node"
	"github.com/veldtlabs/veldt/p2p"
)

func main() {
	app := &cli.App{
		Name:  "veldt",
		Usage: "Ethereum beacon-chain consensus client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "yaml config file"},
			&cli.StringFlag{Name: "data-dir", Usage: "data directory"},
			&cli.StringFlag{Name: "network", Usage: "network profile", Value: "mainnet"},
			&cli.IntFlag{Name: "max-peers", Usage: "target peer count"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, error"},
			&cli.BoolFlag{Name: "metrics", Usage: "enable the metrics listener"},
			&cli.BoolFlag{
				Name:  "insecure-netkey-password",
				Usage: "accept the well-known network key password (tests only)",
			},
		},
		DefaultCommand: "run",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the beacon node",
				Action: runNode,
			},
			{
				Name:  "deposits",
				Usage: "deposit tooling",
				Subcommands: []*cli.Command{
					{
						Name:  "create-testnet-deposits",
						Usage: "generate validator keys and deposit data for a local testnet",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "count", Value: 16},
							&cli.StringFlag{Name: "out-dir", Value: "testnet-deposits"},
						},
						Action: createTestnetDeposits,
					},
					{
						Name:   "send",
						Usage:  "submit deposit data to the deposit contract via the execution client",
						Action: sendDeposits,
					},
				},
			},
			{
				Name:  "record",
				Usage: "discovery record tooling",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "create a signed discovery record for this node",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "ip", Value: "127.0.0.1"},
							&cli.UintFlag{Name: "tcp-port", Value: 9000},
							&cli.UintFlag{Name: "udp-port", Value: 9000},
						},
						Action: recordCreate,
					},
					{
						Name:      "print",
						Usage:     "decode and print a discovery record",
						ArgsUsage: "<record>",
						Action:    recordPrint,
					},
				},
			},
			{
				Name:      "trusted-node-sync",
				Usage:     "bootstrap the database from a trusted peer",
				ArgsUsage: "<multiaddr>",
				Action:    trustedNodeSync,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func loadOptions(c *cli.Context) (config.Config, config.Profile, error) {
	opts := config.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return opts, config.Profile{}, err
		}
		opts = loaded
	}
	if v := c.String("data-dir"); v != "" {
		opts.DataDir = v
	}
	if v := c.String("network"); v != "" {
		opts.NetworkProfile = v
	}
	if v := c.Int("max-peers"); v != 0 {
		opts.MaxPeers = v
	}
	if v := c.String("log-level"); v != "" {
		opts.LogLevel = v
	}
	if c.Bool("metrics") {
		opts.MetricsEnabled = true
	}
	if c.Bool("insecure-netkey-password") {
		opts.NetworkKeyInsecurePasswd = true
	}
	profile, err := config.ProfileByName(opts.NetworkProfile)
	if err != nil {
		return opts, profile, err
	}
	return opts, profile, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runNode(c *cli.Context) error {
	opts, profile, err := loadOptions(c)
	if err != nil {
		return err
	}
	logger := newLogger(opts.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, node.Config{
		Options: opts,
		Profile: profile,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	n.Stop()
	return nil
}

func createTestnetDeposits(c *cli.Context) error {
	count := c.Int("count")
	outDir := c.String("out-dir")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		sk := bls.GenerateKey()
		pub := sk.Public()
		path := filepath.Join(outDir, fmt.Sprintf("validator-%04d.pubkey", i))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("%x\n", pub[:])), 0o600); err != nil {
			return err
		}
	}
	fmt.Printf("wrote %d deposit keys to %s\n", count, outDir)
	return nil
}

func sendDeposits(c *cli.Context) error {
	// Deposits are submitted through the execution-layer client, which is
	// consumed via its JSON-RPC interface and not bundled here.
	return fmt.Errorf("no execution client endpoint configured")
}

func recordCreate(c *cli.Context) error {
	opts, _, err := loadOptions(c)
	if err != nil {
		return err
	}
	password := ""
	if opts.NetworkKeyInsecurePasswd {
		password = p2p.InsecurePassword
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return err
	}
	priv, err := p2p.LoadOrCreateNetworkKey(
		filepath.Join(opts.DataDir, opts.NetworkKeyFile), password, p2p.DefaultScryptN)
	if err != nil {
		return err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return err
	}
	rec := &p2p.Record{
		Seq:    1,
		IP:     net.ParseIP(c.String("ip")),
		TCP:    uint16(c.Uint("tcp-port")),
		UDP:    uint16(c.Uint("udp-port")),
		PeerID: id,
	}
	encoded, err := rec.Encode(priv)
	if err != nil {
		return err
	}
	fmt.Println(encoded)
	return nil
}

func recordPrint(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: record print <record>")
	}
	rec, err := p2p.Decode(c.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("seq:     %d\n", rec.Seq)
	fmt.Printf("peer id: %s\n", rec.PeerID)
	fmt.Printf("ip:      %s\n", rec.IP)
	fmt.Printf("tcp:     %d\n", rec.TCP)
	fmt.Printf("udp:     %d\n", rec.UDP)
	fmt.Printf("addr:    %s\n", rec.Multiaddr())
	return nil
}

func trustedNodeSync(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: trusted-node-sync <multiaddr>")
	}
	opts, profile, err := loadOptions(c)
	if err != nil {
		return err
	}
	logger := newLogger(opts.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, node.Config{Options: opts, Profile: profile, Logger: logger})
	if err != nil {
		return err
	}
	defer n.Stop()

	infos, err := p2p.ParsePeers([]string{c.Args().First()})
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	if err := n.Connect(ctx, infos[0]); err != nil {
		return fmt.Errorf("connect to trusted peer: %w", err)
	}
	return n.TrustedNodeSync(ctx, infos[0].ID)
}
