package core

import (
	"context"

	"TrustMesh/internal/identity"
	"TrustMesh/internal/store"
	"TrustMesh/internal/types"
)

// Window restricts results to a trust distance from a viewpoint.
// MaxDistance < 0 disables the restriction.
type Window struct {
	Viewpoint   types.Pointer
	MaxDistance int
}

// NoWindow is the unrestricted window.
var NoWindow = Window{MaxDistance: store.NoMaxDistance}

// IdentityQuery selects identities for listing.
type IdentityQuery struct {
	Window
	SearchValue string // SearchValue matches attribute values, case-insensitive
	AttrType    string // AttrType requires an attribute of this type
	Limit       int
	Offset      int
}

// Identities lists identity clusters.
func (s *Service) Identities(ctx context.Context, q IdentityQuery) ([][]identity.Attribute, error) {
	within, err := s.window(ctx, q.Viewpoint, q.MaxDistance)
	if err != nil {
		return nil, err
	}

	return s.resolver.Identities(identity.ListOptions{
		SearchValue: q.SearchValue,
		AttrType:    q.AttrType,
		Within:      within,
		Limit:       q.Limit,
		Offset:      q.Offset,
	}), nil
}

// IdentityAttributes returns the attributes linked to p: its identity
// cluster when it has one, otherwise the attributes co-mentioned with p.
// A non-empty attrType keeps only attributes of that type.
func (s *Service) IdentityAttributes(ctx context.Context, p types.Pointer, w Window, attrType string) ([]identity.Attribute, error) {
	within, err := s.window(ctx, w.Viewpoint, w.MaxDistance)
	if err != nil {
		return nil, err
	}

	attrs, err := s.resolver.Resolve(p, within)
	if err != nil {
		return nil, err
	}

	if attrType == "" {
		return attrs, nil
	}

	kept := attrs[:0]
	for _, a := range attrs {
		if a.Pointer.Type == attrType {
			kept = append(kept, a)
		}
	}

	return kept, nil
}

// Stats counts ratings sent and received by p.
func (s *Service) Stats(ctx context.Context, p types.Pointer, w Window) (*store.Stats, error) {
	within, err := s.window(ctx, w.Viewpoint, w.MaxDistance)
	if err != nil {
		return nil, err
	}

	return s.store.Stats(p, within)
}
