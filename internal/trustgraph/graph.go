package trustgraph

import (
	"fmt"
	"sync"

	"TrustMesh/internal/types"
)

// Edge is a directed trust edge derived from one author/recipient pair of a
// rating statement.
type Edge struct {
	From        types.Pointer // From is an author pointer
	To          types.Pointer // To is a recipient pointer
	Sign        types.Sign    // Sign is the rating direction
	Hash        string        // Hash is the source statement
	SignerKeyID string        // SignerKeyID is the key that signed the statement
}

// EdgePolicy decides whether an edge propagates trust.
type EdgePolicy func(Edge) bool

// PositiveOnly propagates trust along positive ratings only.
func PositiveOnly(e Edge) bool { return e.Sign == types.Positive }

// AllRatings propagates trust along every rating regardless of sign.
func AllRatings(Edge) bool { return true }

// ParsePolicy maps "positive" and "all" to their policies.
func ParsePolicy(name string) (EdgePolicy, error) {
	switch name {
	case "", "positive":
		return PositiveOnly, nil
	case "all":
		return AllRatings, nil
	default:
		return nil, fmt.Errorf("unknown trust policy %q", name)
	}
}

// Graph is the in-memory adjacency of trust edges. Edges are grouped by
// their statement hash so a deletion removes exactly the edges it added.
type Graph struct {
	mu     sync.RWMutex
	out    map[types.Pointer][]Edge // out lists outgoing edges per pointer
	byHash map[string][]Edge        // byHash lists the edges of each statement
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		out:    make(map[types.Pointer][]Edge),
		byHash: make(map[string][]Edge),
	}
}

// EdgesOf derives the edges of a statement. Non-ratings yield none.
func EdgesOf(st *types.Statement) []Edge {
	p := &st.Payload
	if p.Type != types.TypeRating {
		return nil
	}

	sign := p.Sign()
	edges := make([]Edge, 0, len(p.Author)*len(p.Recipient))

	for _, a := range p.Author {
		for _, r := range p.Recipient {
			if a == r {
				continue
			}
			edges = append(edges, Edge{From: a, To: r, Sign: sign, Hash: st.Hash, SignerKeyID: st.SignerKeyID})
		}
	}

	return edges
}

// Add inserts the edges of st and returns them. A statement already in the
// graph adds nothing.
func (g *Graph) Add(st *types.Statement) []Edge {
	edges := EdgesOf(st)
	if len(edges) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byHash[st.Hash]; ok {
		return nil
	}

	g.byHash[st.Hash] = edges
	for _, e := range edges {
		g.out[e.From] = append(g.out[e.From], e)
	}

	return edges
}

// Remove deletes the edges of the statement hash and returns them.
func (g *Graph) Remove(hash string) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	edges, ok := g.byHash[hash]
	if !ok {
		return nil
	}
	delete(g.byHash, hash)

	for _, e := range edges {
		list := g.out[e.From]
		kept := list[:0]
		for _, cand := range list {
			if cand.Hash != hash {
				kept = append(kept, cand)
			}
		}

		if len(kept) == 0 {
			delete(g.out, e.From)
		} else {
			g.out[e.From] = kept
		}
	}

	return edges
}

// Out returns a copy of the outgoing edges of p.
func (g *Graph) Out(p types.Pointer) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return append([]Edge(nil), g.out[p]...)
}

// Len returns the number of statements contributing edges.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.byHash)
}

// Load adds the edges of every statement walked by all.
func (g *Graph) Load(all func(fn func(*types.Statement) error) error) error {
	return all(func(st *types.Statement) error {
		g.Add(st)
		return nil
	})
}
