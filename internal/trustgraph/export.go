package trustgraph

import (
	"context"

	"TrustMesh/internal/export"
)

// GenerateIdentityIndex builds the index for key and exports it together
// with the identity cluster of the root. With maintain set the index is
// kept live afterwards; otherwise it is a snapshot and nothing is retained.
func (x *Indexer) GenerateIdentityIndex(ctx context.Context, key Key, maintain bool) (*export.Artifact, *Index, error) {
	build := x.Build
	if maintain {
		build = x.Maintain
	}

	idx, err := build(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	entries, err := idx.Entries()
	if err != nil {
		return nil, nil, err
	}

	reachable := make([]export.Distance, len(entries))
	for i, e := range entries {
		reachable[i] = export.Distance{Pointer: e.Pointer, Distance: e.Distance}
	}

	art, err := export.IdentityIndex(key.Root, key.TrustedKeyID, key.Depth, x.tr.clusters.ClusterOf(key.Root), reachable)
	if err != nil {
		return nil, nil, err
	}

	return art, idx, nil
}
