// Package core composes the statement store, identity resolver, trust
// index and replicator into the typed operations served by the API.
package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"TrustMesh/internal/artifact"
	"TrustMesh/internal/gossip"
	"TrustMesh/internal/identity"
	"TrustMesh/internal/logger"
	"TrustMesh/internal/signing"
	"TrustMesh/internal/store"
	"TrustMesh/internal/trustgraph"
	"TrustMesh/internal/types"
)

// Version is reported by Info.
const Version = "0.4.0"

// ErrArtifactsDisabled is returned when no artifact store is configured.
var ErrArtifactsDisabled = errors.New("artifact store not configured")

// Option configures a Service.
type Option func(*Service)

// WithArtifacts stores exported indexes in a.
func WithArtifacts(a *artifact.Store) Option {
	return func(s *Service) { s.artifacts = a }
}

// WithAdmins grants administrative operations to callers authenticated as
// one of ptrs.
func WithAdmins(ptrs ...types.Pointer) Option {
	return func(s *Service) {
		for _, p := range ptrs {
			s.admins[p] = struct{}{}
		}
	}
}

// WithDefaultDepth sets the depth used when none is requested.
func WithDefaultDepth(d int) Option {
	return func(s *Service) { s.indexOpts = append(s.indexOpts, trustgraph.WithDefaultDepth(d)) }
}

// WithIndexWindows bounds the maintained indexes kept for query windows.
func WithIndexWindows(n int) Option {
	return func(s *Service) { s.indexOpts = append(s.indexOpts, trustgraph.WithWindowCapacity(n)) }
}

// WithPolicy sets which rating edges propagate trust.
func WithPolicy(p trustgraph.EdgePolicy) Option {
	return func(s *Service) { s.indexOpts = append(s.indexOpts, trustgraph.WithPolicy(p)) }
}

// WithLoginOptions lists the login providers advertised by Info.
func WithLoginOptions(providers ...string) Option {
	return func(s *Service) { s.loginOptions = append(s.loginOptions, providers...) }
}

// WithClock overrides the clock used for timestamps and credentials.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the node core.
type Service struct {
	key          *signing.Key               // key signs node statements and credentials
	store        *store.Store               // store is the statement ledger
	resolver     *identity.Resolver         // resolver tracks identity clusters
	indexer      *trustgraph.Indexer        // indexer owns trust distance indexes
	artifacts    *artifact.Store            // artifacts is optional
	replicator   *gossip.Replicator         // replicator is set by AttachReplicator
	admins       map[types.Pointer]struct{} // admins may delete and export
	loginOptions []string
	indexOpts    []trustgraph.Option
	now          func() time.Time
	log          *slog.Logger
}

// New loads derived state from st and subscribes it to future changes:
// identity clusters first, then the trust graph. ctx bounds the lifetime
// of index builds.
func New(ctx context.Context, key *signing.Key, st *store.Store, opts ...Option) (*Service, error) {
	s := &Service{
		key:    key,
		store:  st,
		admins: make(map[types.Pointer]struct{}),
		now:    time.Now,
		log:    logger.WithComponent("core"),
	}

	for _, opt := range opts {
		opt(s)
	}

	start := time.Now()

	s.resolver = identity.New(st)
	if err := s.resolver.Load(); err != nil {
		return nil, fmt.Errorf("load identities:\n%w", err)
	}

	graph := trustgraph.NewGraph()
	if err := graph.Load(st.All); err != nil {
		return nil, fmt.Errorf("load trust graph:\n%w", err)
	}

	s.indexer = trustgraph.NewIndexer(ctx, graph, s.resolver, s.indexOpts...)

	st.Subscribe(s.resolver.Apply)
	st.Subscribe(s.indexer.Apply)

	s.log.Info("core loaded", "statements", st.Count(), "edges", graph.Len(), logger.Timed(start))

	return s, nil
}

// AttachReplicator subscribes r after the derived indexes so replication
// observes fully applied inserts.
func (s *Service) AttachReplicator(r *gossip.Replicator) {
	s.replicator = r
	s.store.Subscribe(r.Listener())
}

// Key returns the node key.
func (s *Service) Key() *signing.Key { return s.key }

// Store returns the statement store.
func (s *Service) Store() *store.Store { return s.store }

// Indexer returns the trust index registry.
func (s *Service) Indexer() *trustgraph.Indexer { return s.indexer }

// Resolver returns the identity resolver.
func (s *Service) Resolver() *identity.Resolver { return s.resolver }

// IndexInfo describes one maintained index.
type IndexInfo struct {
	Root         types.Pointer `json:"root"`
	Depth        int           `json:"depth"`
	TrustedKeyID string        `json:"trusted_keyid,omitempty"`
	State        string        `json:"state"`
	Size         int           `json:"size"`
}

// Info describes the node.
type Info struct {
	Message      string        `json:"message"`
	Version      string        `json:"version"`
	MsgCount     int           `json:"msgCount"`
	PublicKey    string        `json:"publicKey"`
	KeyID        string        `json:"keyID"`
	LoginOptions []string      `json:"loginOptions"`
	Transport    string        `json:"transport"`
	Replication  *gossip.Stats `json:"replication,omitempty"`
	Indexes      []IndexInfo   `json:"indexes"`
}

// Info reports node identity, statement count, transport and indexes.
func (s *Service) Info() *Info {
	info := &Info{
		Message:      "TrustMesh API",
		Version:      Version,
		MsgCount:     s.store.Count(),
		PublicKey:    hex.EncodeToString(s.key.Public()),
		KeyID:        s.key.KeyID(),
		LoginOptions: append([]string{}, s.loginOptions...),
		Transport:    "unavailable",
		Indexes:      []IndexInfo{},
	}

	if s.replicator != nil {
		stats := s.replicator.Stats()
		info.Replication = &stats
		info.Transport = s.replicator.Capability().String()
	}

	for _, idx := range s.indexer.Indexes() {
		k := idx.Key()
		info.Indexes = append(info.Indexes, IndexInfo{
			Root:         k.Root,
			Depth:        k.Depth,
			TrustedKeyID: k.TrustedKeyID,
			State:        idx.State().String(),
			Size:         idx.Size(),
		})
	}

	return info
}

// isAdmin reports whether caller may run administrative operations.
func (s *Service) isAdmin(caller *types.Caller) bool {
	if caller == nil {
		return false
	}

	if caller.Admin {
		return true
	}

	_, ok := s.admins[caller.Pointer]
	return ok
}

// requireAdmin returns types.ErrUnauthorized for non-admin callers.
func (s *Service) requireAdmin(caller *types.Caller, op string) error {
	if !s.isAdmin(caller) {
		return fmt.Errorf("%s: %w", op, types.ErrUnauthorized)
	}
	return nil
}

// window resolves a distance window. A negative maxDistance means no
// restriction; a zero viewpoint defaults to the node key.
func (s *Service) window(ctx context.Context, viewpoint types.Pointer, maxDistance int) (types.DistanceFunc, error) {
	if maxDistance < 0 {
		return nil, nil
	}

	if viewpoint.IsZero() {
		viewpoint = s.key.Pointer()
	}

	return s.indexer.Within(ctx, viewpoint, maxDistance)
}
