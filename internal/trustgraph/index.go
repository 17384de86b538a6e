package trustgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"TrustMesh/internal/types"
)

// ctxCheckInterval is how many queue pops a build performs between
// cancellation checks.
const ctxCheckInterval = 256

// ErrNotReady is returned by an index that has never finished building.
var ErrNotReady = errors.New("trust index not ready")

// State is the lifecycle state of an index.
type State int

const (
	Uninitialized State = iota
	Building
	Ready
	Stale
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	default:
		return "uninitialized"
	}
}

// Key identifies an index.
type Key struct {
	Root         types.Pointer // Root is the viewpoint
	Depth        int           // Depth is the maximum hop count
	TrustedKeyID string        // TrustedKeyID restricts the root's own edges to this signer
}

// String renders the key for single-flight grouping and logs.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Root.Key(), k.Depth, k.TrustedKeyID)
}

// Clusters exposes identity clusters for identity-aware expansion.
type Clusters interface {
	ClusterOf(p types.Pointer) []types.Pointer
}

// Entry is one reached pointer with its distance.
type Entry struct {
	Pointer  types.Pointer `json:"pointer"`
	Distance int           `json:"distance"`
}

// Index is a depth-bounded distance map from a root pointer.
type Index struct {
	key        Key
	maintained bool

	mu              sync.RWMutex
	state           State
	dist            map[types.Pointer]int
	pendingEdges    []Edge          // pendingEdges arrived while building and are replayed on install
	pendingClusters []types.Pointer // pendingClusters were merged while building
	dirty           bool            // dirty records a deletion seen while building
}

// newIndex creates an uninitialized index.
func newIndex(key Key, maintained bool) *Index {
	return &Index{key: key, maintained: maintained}
}

// Key returns the index key.
func (idx *Index) Key() Key { return idx.key }

// Maintained reports whether the index follows new statements.
func (idx *Index) Maintained() bool { return idx.maintained }

// State returns the current lifecycle state.
func (idx *Index) State() State {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.state
}

// Distance returns the hop count of p from the root. The boolean is false
// when p is unreachable within the index depth.
func (idx *Index) Distance(p types.Pointer) (int, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	switch idx.state {
	case Ready:
		d, ok := idx.dist[p]
		return d, ok, nil
	case Stale:
		return 0, false, types.ErrIndexStale
	default:
		return 0, false, ErrNotReady
	}
}

// Size returns the number of reached pointers, root included.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.dist)
}

// Entries returns every reached pointer ordered by distance, then pointer.
func (idx *Index) Entries() ([]Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.state == Stale {
		return nil, types.ErrIndexStale
	}
	if idx.state != Ready {
		return nil, ErrNotReady
	}

	out := make([]Entry, 0, len(idx.dist))
	for p, d := range idx.dist {
		out = append(out, Entry{Pointer: p, Distance: d})
	}

	slices.SortFunc(out, func(a, b Entry) int {
		if a.Distance != b.Distance {
			return a.Distance - b.Distance
		}
		if a.Pointer.Less(b.Pointer) {
			return -1
		}
		if b.Pointer.Less(a.Pointer) {
			return 1
		}
		return 0
	})

	return out, nil
}

// beginBuild moves the index to Building and returns the previous state.
func (idx *Index) beginBuild() State {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prev := idx.state
	idx.state = Building
	idx.pendingEdges = nil
	idx.pendingClusters = nil
	idx.dirty = false

	return prev
}

// abortBuild restores the state a failed build started from. Partial
// results are never installed.
func (idx *Index) abortBuild(prev State) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.state = prev
	idx.pendingEdges = nil
	idx.pendingClusters = nil
}

// install publishes a completed distance map and hands back the work that
// arrived during the build.
func (idx *Index) install(dist map[types.Pointer]int) ([]Edge, []types.Pointer) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.dist = dist
	idx.state = Ready
	if idx.dirty {
		idx.state = Stale
	}

	edges, clusters := idx.pendingEdges, idx.pendingClusters
	idx.pendingEdges, idx.pendingClusters, idx.dirty = nil, nil, false

	return edges, clusters
}

// markDirty flags a deletion seen during a build.
func (idx *Index) markDirty() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.state == Building {
		idx.dirty = true
	}
}

// markStale moves a ready index to Stale and reports whether it did.
func (idx *Index) markStale() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.state != Ready {
		return false
	}
	idx.state = Stale

	return true
}

// contains reports whether p has a recorded distance in any state.
func (idx *Index) contains(p types.Pointer) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	_, ok := idx.dist[p]
	return ok
}

// admits reports whether e propagates trust for this index.
func (idx *Index) admits(e Edge, policy EdgePolicy) bool {
	if !policy(e) {
		return false
	}

	if idx.key.TrustedKeyID != "" && e.From == idx.key.Root && e.SignerKeyID != idx.key.TrustedKeyID {
		return false
	}

	return true
}

// traversal carries the collaborators of a breadth-first walk.
type traversal struct {
	graph    *Graph
	clusters Clusters
	policy   EdgePolicy
}

// queued is a pointer waiting in the BFS queue.
type queued struct {
	p types.Pointer
	d int
}

// build runs a fresh breadth-first traversal and returns the distance map.
// Cluster members of every reached pointer are placed at the same distance.
// Cancellation aborts the walk and returns ctx.Err().
func (tr *traversal) build(ctx context.Context, idx *Index) (map[types.Pointer]int, error) {
	dist := make(map[types.Pointer]int)
	var queue []queued

	visit := func(p types.Pointer, d int) {
		for _, m := range tr.clusters.ClusterOf(p) {
			if _, ok := dist[m]; !ok {
				dist[m] = d
				queue = append(queue, queued{m, d})
			}
		}
	}

	visit(idx.key.Root, 0)

	for pops := 0; len(queue) > 0; pops++ {
		if pops%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cur := queue[0]
		queue = queue[1:]

		if cur.d >= idx.key.Depth {
			continue
		}

		for _, e := range tr.graph.Out(cur.p) {
			if idx.admits(e, tr.policy) {
				if _, ok := dist[e.To]; !ok {
					visit(e.To, cur.d+1)
				}
			}
		}
	}

	return dist, nil
}

// relax lowers distances starting from the proposed seeds and propagates
// the change along admitted edges. Only pointers whose distance strictly
// decreased are expanded, so the walk terminates on cycles.
// Caller must serialize relaxations of the same index.
func (tr *traversal) relax(idx *Index, seeds []queued) int {
	changed := 0
	queue := append([]queued(nil), seeds...)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.d > idx.key.Depth {
			continue
		}

		for _, m := range tr.clusters.ClusterOf(cur.p) {
			if !idx.lower(m, cur.d) {
				continue
			}
			changed++

			if cur.d == idx.key.Depth {
				continue
			}

			for _, e := range tr.graph.Out(m) {
				if !idx.admits(e, tr.policy) {
					continue
				}
				if d, ok := idx.peek(e.To); !ok || d > cur.d+1 {
					queue = append(queue, queued{e.To, cur.d + 1})
				}
			}
		}
	}

	return changed
}

// lower sets the distance of p to d when p is absent or farther.
func (idx *Index) lower(p types.Pointer, d int) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.dist[p]; ok && old <= d {
		return false
	}

	idx.dist[p] = d

	return true
}

// peek reads a raw distance regardless of state.
func (idx *Index) peek(p types.Pointer) (int, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	d, ok := idx.dist[p]
	return d, ok
}
