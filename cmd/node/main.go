package main

import (
	"fmt"
	"os"

	"TrustMesh/internal/logger"
	"TrustMesh/internal/signing"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	key, err := signing.LoadOrGenerate(cfg.keyPath())
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, key)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, key)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, key *signing.Key) {
	logger.Info("starting TrustMesh node",
		"keyID", key.KeyID(),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"peers", len(cfg.Peers),
		"redis", cfg.RedisURL != "",
		"data", cfg.DataPath,
		"depth", cfg.Depth,
		"policy", cfg.Policy,
	)
}
