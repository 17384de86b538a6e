package core

import (
	"context"
	"fmt"

	"TrustMesh/internal/export"
	"TrustMesh/internal/trustgraph"
	"TrustMesh/internal/types"
)

// WotOptions parameterize GenerateWebOfTrustIndex.
type WotOptions struct {
	Depth        int    // Depth defaults to the configured default depth
	Maintain     bool   // Maintain keeps the index live after the build
	TrustedKeyID string // TrustedKeyID overrides the default signer restriction
}

// WotResult describes a generated index.
type WotResult struct {
	Root          types.Pointer `json:"root"`
	Depth         int           `json:"depth"`
	TrustedKeyID  string        `json:"trusted_keyid,omitempty"`
	Maintained    bool          `json:"maintained"`
	Size          int           `json:"size"`
	IdentityIndex string        `json:"identity_index"`       // IdentityIndex is the artifact CID
	Statements    string        `json:"statements,omitempty"` // Statements is the store export CID, node root only
}

// GenerateWebOfTrustIndex builds the trust index for root and publishes it
// as an artifact. Unless overridden, the root's own edges count only when
// signed by the node key for roots that are not themselves keys. Rooting
// at the node key also publishes a whole-store export.
func (s *Service) GenerateWebOfTrustIndex(ctx context.Context, caller *types.Caller, root types.Pointer, opts WotOptions) (*WotResult, error) {
	if err := s.requireAdmin(caller, "generate index"); err != nil {
		return nil, err
	}

	if !root.Valid() {
		return nil, fmt.Errorf("%w: invalid root pointer", types.ErrMalformedStatement)
	}

	depth := opts.Depth
	if depth <= 0 {
		depth = s.indexer.DefaultDepth()
	}

	trusted := s.trustedKeyFor(root, opts.TrustedKeyID)

	key := trustgraph.Key{Root: root, Depth: depth, TrustedKeyID: trusted}

	art, idx, err := s.indexer.GenerateIdentityIndex(ctx, key, opts.Maintain)
	if err != nil {
		return nil, err
	}

	if err := s.publish(art); err != nil {
		return nil, err
	}

	res := &WotResult{
		Root:          root,
		Depth:         depth,
		TrustedKeyID:  trusted,
		Maintained:    opts.Maintain,
		Size:          idx.Size(),
		IdentityIndex: art.CID,
	}

	if root == s.key.Pointer() {
		all, err := export.Statements(s.store.All)
		if err != nil {
			return nil, err
		}

		if err := s.publish(all); err != nil {
			return nil, err
		}

		res.Statements = all.CID
	}

	s.log.Info("trust index generated", "key", key.String(), "size", res.Size, "cid", art.CID)

	return res, nil
}

// ReindexResult describes a whole-store export.
type ReindexResult struct {
	CID   string `json:"cid"`
	Count int    `json:"count"`
}

// Reindex exports every stored statement as a content-addressed artifact.
func (s *Service) Reindex(caller *types.Caller) (*ReindexResult, error) {
	if err := s.requireAdmin(caller, "reindex"); err != nil {
		return nil, err
	}

	art, err := export.Statements(s.store.All)
	if err != nil {
		return nil, err
	}

	if err := s.publish(art); err != nil {
		return nil, err
	}

	return &ReindexResult{CID: art.CID, Count: art.Entries}, nil
}

// Artifact returns the compressed artifact stored under cid.
func (s *Service) Artifact(cid string) ([]byte, error) {
	if s.artifacts == nil {
		return nil, ErrArtifactsDisabled
	}

	return s.artifacts.Get(cid)
}

// Distance reports the trust distance from root to p using the maintained
// indexes generated for root. An empty trustedKeyID picks the same default
// as GenerateWebOfTrustIndex.
func (s *Service) Distance(root types.Pointer, trustedKeyID string, p types.Pointer) (int, bool, error) {
	return s.indexer.Distance(root, s.trustedKeyFor(root, trustedKeyID), p)
}

// trustedKeyFor returns the signer the root's own edges are restricted to:
// requested when set, else the node key for roots that are not keys.
func (s *Service) trustedKeyFor(root types.Pointer, requested string) string {
	if requested == "" && root.Type != types.PointerKeyID {
		return s.key.KeyID()
	}
	return requested
}

// publish stores art when an artifact store is configured.
func (s *Service) publish(art *export.Artifact) error {
	if s.artifacts == nil {
		return nil
	}

	if err := s.artifacts.Put(art); err != nil {
		return fmt.Errorf("publish %s:\n%w", art.Schema, err)
	}

	return nil
}
