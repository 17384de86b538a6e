package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"TrustMesh/internal/api"
	"TrustMesh/internal/artifact"
	"TrustMesh/internal/core"
	"TrustMesh/internal/gossip"
	"TrustMesh/internal/logger"
	"TrustMesh/internal/mesh"
	"TrustMesh/internal/signing"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/store"
	"TrustMesh/internal/transport"
	"TrustMesh/internal/trustgraph"
)

// Node represents a running TrustMesh node.
type Node struct {
	cfg        *Config
	key        *signing.Key
	ctx        context.Context    // ctx bounds index builds and transport setup
	cancel     context.CancelFunc // cancel aborts in-flight builds at shutdown
	storage    *storage.Storage
	artifacts  *artifact.Store
	core       *core.Service
	pubsub     transport.PubSub
	replicator *gossip.Replicator
	api        *api.Server
}

// NewNode opens storage and loads the core. Transports and the API start
// in Run.
func NewNode(cfg *Config, key *signing.Key) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{cfg: cfg, key: key, ctx: ctx, cancel: cancel}

	if err := n.initStorage(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initCore(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage opens the statement database and the artifact store.
func (n *Node) initStorage() error {
	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	n.storage = db

	arts, err := artifact.Open(filepath.Join(n.cfg.DataPath, "artifacts"))
	if err != nil {
		return fmt.Errorf("init artifacts:\n%w", err)
	}
	n.artifacts = arts

	return nil
}

// initCore builds the statement store and the derived indexes.
func (n *Node) initCore() error {
	st, err := store.New(n.storage)
	if err != nil {
		return fmt.Errorf("init store:\n%w", err)
	}

	policy, err := trustgraph.ParsePolicy(n.cfg.Policy)
	if err != nil {
		return err
	}

	admins, err := n.cfg.adminPointers()
	if err != nil {
		return err
	}

	svc, err := core.New(n.ctx, n.key, st,
		core.WithArtifacts(n.artifacts),
		core.WithAdmins(admins...),
		core.WithDefaultDepth(n.cfg.Depth),
		core.WithIndexWindows(n.cfg.IndexWindows),
		core.WithPolicy(policy),
		core.WithLoginOptions(n.cfg.LoginOptions...),
	)
	if err != nil {
		return fmt.Errorf("init core:\n%w", err)
	}

	n.core = svc

	return nil
}

// initReplication negotiates a transport and attaches the replicator.
func (n *Node) initReplication() error {
	ps, capability := transport.Negotiate(n.ctx, transport.Config{
		RedisURL: n.cfg.RedisURL,
		Mesh: mesh.Config{
			Signer:     n.key.Signer(),
			ListenAddr: n.cfg.QUICAddress,
			Peers:      n.cfg.Peers,
		},
	})
	n.pubsub = ps

	n.replicator = gossip.New(n.key, n.core.Store(), ps, capability)
	n.core.AttachReplicator(n.replicator)

	if err := n.replicator.Start(); err != nil {
		return fmt.Errorf("start replication:\n%w", err)
	}

	return nil
}

// Run starts replication and the HTTP API and blocks until a shutdown
// signal.
func (n *Node) Run() error {
	if err := n.initReplication(); err != nil {
		n.Close()
		return err
	}

	var opts []api.Option
	if n.cfg.LoginSecret != "" {
		opts = append(opts, api.WithLoginSecret(n.cfg.LoginSecret))
	}

	n.api = api.New(n.cfg.HTTPAddress, n.core, opts...)
	if err := n.api.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.replicator != nil {
		n.replicator.Close()
	}

	if n.pubsub != nil {
		n.pubsub.Close()
	}

	n.cancel()

	if n.artifacts != nil {
		n.artifacts.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
