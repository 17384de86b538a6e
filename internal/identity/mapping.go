package identity

import (
	"slices"
	"strings"

	"TrustMesh/internal/types"
)

// mapDepth bounds the co-mention walk of MapAttributes.
const mapDepth = 2

// MapAttributes infers the attributes linked to p when no equivalence
// cluster exists. It walks connection, verify_identity and
// unverify_identity statements whose recipients include a reached pointer,
// counting confirmations and refutations for the co-recipients. Pointers
// with more confirmations than refutations are expanded further, up to
// mapDepth hops. When within is set, only statements authored inside the
// window count.
func (r *Resolver) MapAttributes(p types.Pointer, within types.DistanceFunc) ([]Attribute, error) {
	counts := map[types.Pointer]*Attribute{p: {Pointer: p}}
	expanded := map[types.Pointer]bool{p: true}
	frontier := []types.Pointer{p}

	for depth := 0; depth < mapDepth && len(frontier) > 0; depth++ {
		var next []types.Pointer

		for _, cur := range frontier {
			stmts, err := r.src.Mentioning(cur)
			if err != nil {
				return nil, err
			}

			for _, st := range stmts {
				pl := &st.Payload
				if !linksAttributes(pl.Type) || !types.ContainsPointer(pl.Recipient, cur) {
					continue
				}

				if within != nil && !authoredWithin(pl, within) {
					continue
				}

				for _, q := range pl.Recipient {
					if q == cur {
						continue
					}

					a, ok := counts[q]
					if !ok {
						a = &Attribute{Pointer: q}
						counts[q] = a
					}

					if pl.Type == types.TypeUnverifyIdentity {
						a.Refutations++
					} else {
						a.Confirmations++
					}
				}
			}
		}

		for q, a := range counts {
			if !expanded[q] && a.Confirmations > a.Refutations {
				expanded[q] = true
				next = append(next, q)
			}
		}

		sortPointers(next)
		frontier = next
	}

	out := make([]Attribute, 0, len(counts))
	for _, a := range counts {
		out = append(out, *a)
	}
	sortAttributes(out)

	return out, nil
}

// linksAttributes reports whether a statement type ties its recipients together.
func linksAttributes(t types.StatementType) bool {
	return t == types.TypeConnection || t == types.TypeVerifyIdentity || t == types.TypeUnverifyIdentity
}

// authoredWithin reports whether any author lies inside the window.
func authoredWithin(p *types.Payload, within types.DistanceFunc) bool {
	for _, a := range p.Author {
		if _, ok := within(a); ok {
			return true
		}
	}
	return false
}

// ListOptions selects identities for Identities.
type ListOptions struct {
	SearchValue string             // SearchValue matches attribute values case-insensitively
	AttrType    string             // AttrType requires an attribute of this type
	Within      types.DistanceFunc // Within keeps identities with a member in the window
	Limit       int                // Limit caps the result size (0 = 100)
	Offset      int                // Offset skips leading identities
}

// Identities lists non-trivial clusters ordered by their smallest pointer.
func (r *Resolver) Identities(opts ListOptions) [][]Attribute {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	search := strings.ToLower(opts.SearchValue)

	r.mu.RLock()
	clusters := make([][]Attribute, 0, len(r.members))
	for root := range r.members {
		clusters = append(clusters, r.attributesLocked(root))
	}
	r.mu.RUnlock()

	// Filters may consult the trust graph, which reads clusters itself.
	var all [][]Attribute
	for _, attrs := range clusters {
		if matchesList(attrs, search, &opts) {
			all = append(all, attrs)
		}
	}

	sortClusters(all)

	if opts.Offset >= len(all) {
		return [][]Attribute{}
	}

	all = all[opts.Offset:]
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}

	return all
}

// matchesList applies the list filters to one cluster.
func matchesList(attrs []Attribute, search string, opts *ListOptions) bool {
	var hasType, hasValue, inWindow bool

	for _, a := range attrs {
		if opts.AttrType == "" || a.Pointer.Type == opts.AttrType {
			hasType = true
		}

		if search == "" || strings.Contains(strings.ToLower(a.Pointer.Value), search) {
			hasValue = true
		}

		if opts.Within == nil {
			inWindow = true
		} else if _, ok := opts.Within(a.Pointer); ok {
			inWindow = true
		}
	}

	return hasType && hasValue && inWindow
}

// sortClusters orders clusters by their smallest member.
func sortClusters(list [][]Attribute) {
	smallest := func(c []Attribute) types.Pointer {
		m := c[0].Pointer
		for _, a := range c[1:] {
			if a.Pointer.Less(m) {
				m = a.Pointer
			}
		}
		return m
	}

	slices.SortFunc(list, func(a, b []Attribute) int {
		return comparePointers(smallest(a), smallest(b))
	})
}
