package trustgraph

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"TrustMesh/internal/logger"
	"TrustMesh/internal/store"
	"TrustMesh/internal/types"
)

// DefaultDepth is the depth of indexes built for query windows when no
// deeper one is requested.
const DefaultDepth = 3

// DefaultWindowCapacity bounds the maintained indexes created on demand
// for query windows.
const DefaultWindowCapacity = 32

// buildMode says who asked for a build.
type buildMode int

const (
	snapshotBuild buildMode = iota // snapshotBuild is a one-shot traversal
	pinnedBuild                    // pinnedBuild is a maintained index kept until shutdown
	windowBuild                    // windowBuild is a maintained index evicted least recently used
)

// Option configures the Indexer during creation.
type Option func(*Indexer)

// WithPolicy sets the edge propagation predicate.
func WithPolicy(p EdgePolicy) Option {
	return func(x *Indexer) { x.tr.policy = p }
}

// WithDefaultDepth sets the minimum depth of indexes built by Within.
func WithDefaultDepth(d int) Option {
	return func(x *Indexer) { x.defaultDepth = d }
}

// WithWindowCapacity sets how many query window indexes stay maintained.
func WithWindowCapacity(n int) Option {
	return func(x *Indexer) { x.windowCap = max(n, 1) }
}

// Indexer owns the trust graph indexes. Builds of the same key share one
// traversal; maintained indexes follow store events incrementally.
type Indexer struct {
	tr           traversal
	ctx          context.Context // ctx bounds every build; cancelled at shutdown
	defaultDepth int
	windowCap    int

	group singleflight.Group

	mu      sync.RWMutex
	indexes map[Key]*Index        // indexes holds the maintained indexes
	windows *list.List            // windows orders unpinned indexes, most recently used first
	inLRU   map[Key]*list.Element // inLRU locates unpinned indexes in windows

	relaxMu sync.Mutex // relaxMu serializes maintenance updates
}

// NewIndexer creates an indexer over graph. Builds abort when ctx is done.
func NewIndexer(ctx context.Context, graph *Graph, clusters Clusters, opts ...Option) *Indexer {
	x := &Indexer{
		tr:           traversal{graph: graph, clusters: clusters, policy: PositiveOnly},
		ctx:          ctx,
		defaultDepth: DefaultDepth,
		windowCap:    DefaultWindowCapacity,
		indexes:      make(map[Key]*Index),
		windows:      list.New(),
		inLRU:        make(map[Key]*list.Element),
	}

	for _, opt := range opts {
		opt(x)
	}

	return x
}

// Graph returns the underlying trust graph.
func (x *Indexer) Graph() *Graph { return x.tr.graph }

// DefaultDepth returns the configured default depth.
func (x *Indexer) DefaultDepth() int { return x.defaultDepth }

// Build computes a one-shot snapshot index. It is never updated. A
// snapshot request joining a maintained build of the same key gets the
// maintained index.
func (x *Indexer) Build(ctx context.Context, key Key) (*Index, error) {
	return x.do(ctx, key, snapshotBuild)
}

// Maintain returns the maintained index for key, building it when it is
// new or stale. A ready maintained index is returned as is. The index is
// kept until shutdown.
func (x *Indexer) Maintain(ctx context.Context, key Key) (*Index, error) {
	return x.do(ctx, key, pinnedBuild)
}

// do runs or joins the build of key. Every build of a key shares one
// single-flight slot; a maintained request that joined a snapshot build
// waits for it and then starts its own. The caller stops waiting when ctx
// is done; the shared build itself only stops with the indexer context.
func (x *Indexer) do(ctx context.Context, key Key, mode buildMode) (*Index, error) {
	for {
		ch := x.group.DoChan(key.String(), func() (any, error) {
			return x.build(key, mode)
		})

		var idx *Index
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			idx = res.Val.(*Index)
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if mode == snapshotBuild || idx.Maintained() {
			if mode == pinnedBuild {
				x.pin(key)
			}
			return idx, nil
		}
	}
}

// build performs one traversal and installs the result.
func (x *Indexer) build(key Key, mode buildMode) (*Index, error) {
	idx := newIndex(key, false)
	maintained := mode != snapshotBuild

	if maintained {
		idx = x.register(key, mode)

		if idx.State() == Ready {
			return idx, nil
		}
	}

	start := time.Now()
	prev := idx.beginBuild()

	dist, err := x.tr.build(x.ctx, idx)
	if err != nil {
		idx.abortBuild(prev)
		logger.Warn("trust index build aborted", "key", key.String(), "error", err)
		return nil, err
	}

	x.relaxMu.Lock()
	edges, clusters := idx.install(dist)
	for _, e := range edges {
		x.relaxEdge(idx, e)
	}
	for _, p := range clusters {
		x.relaxCluster(idx, p)
	}
	x.relaxMu.Unlock()

	log := logger.Info
	if mode == windowBuild {
		log = logger.Debug
	}
	log("trust index built",
		"root", key.Root.String(),
		"depth", key.Depth,
		"maintained", maintained,
		"size", idx.Size(),
		logger.Timed(start),
	)

	return idx, nil
}

// register returns the maintained index for key, creating it if needed. A
// new window index enters the window list and evicts the least recently
// used one beyond capacity.
func (x *Indexer) register(key Key, mode buildMode) *Index {
	x.mu.Lock()
	defer x.mu.Unlock()

	if idx := x.indexes[key]; idx != nil {
		if el := x.inLRU[key]; el != nil {
			x.windows.MoveToFront(el)
		}
		return idx
	}

	idx := newIndex(key, true)
	x.indexes[key] = idx

	if mode != windowBuild {
		return idx
	}

	x.inLRU[key] = x.windows.PushFront(key)
	for x.windows.Len() > x.windowCap {
		oldest := x.windows.Remove(x.windows.Back()).(Key)
		delete(x.inLRU, oldest)
		delete(x.indexes, oldest)
		logger.Debug("trust index evicted", "key", oldest.String())
	}

	return idx
}

// pin exempts key from window eviction.
func (x *Indexer) pin(key Key) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if el := x.inLRU[key]; el != nil {
		x.windows.Remove(el)
		delete(x.inLRU, key)
	}
}

// touch marks a window index as recently used.
func (x *Indexer) touch(key Key) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if el := x.inLRU[key]; el != nil {
		x.windows.MoveToFront(el)
	}
}

// Lookup returns the maintained index for key, if any.
func (x *Indexer) Lookup(key Key) *Index {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.indexes[key]
}

// Indexes returns every maintained index.
func (x *Indexer) Indexes() []*Index {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]*Index, 0, len(x.indexes))
	for _, idx := range x.indexes {
		out = append(out, idx)
	}

	return out
}

// Distance answers from the deepest ready maintained index rooted at root
// whose root edges are restricted to trustedKeyID ("" for none). It
// reports types.ErrIndexStale when the only such indexes are stale.
func (x *Indexer) Distance(root types.Pointer, trustedKeyID string, p types.Pointer) (int, bool, error) {
	if idx := x.deepest(root, trustedKeyID, 0); idx != nil {
		return idx.Distance(p)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	for key, idx := range x.indexes {
		if key.Root == root && key.TrustedKeyID == trustedKeyID && idx.State() == Stale {
			return 0, false, types.ErrIndexStale
		}
	}

	return 0, false, ErrNotReady
}

// Within returns a window of pointers at most maxDistance hops from
// viewpoint. It reuses a ready maintained index deep enough, otherwise it
// maintains one at max(maxDistance, default depth), rebuilding it if stale.
// Indexes created here are evicted least recently used beyond the window
// capacity.
func (x *Indexer) Within(ctx context.Context, viewpoint types.Pointer, maxDistance int) (types.DistanceFunc, error) {
	idx := x.deepest(viewpoint, "", maxDistance)

	if idx != nil {
		x.touch(idx.key)
	} else {
		var err error
		idx, err = x.do(ctx, Key{Root: viewpoint, Depth: max(maxDistance, x.defaultDepth)}, windowBuild)
		if err != nil {
			return nil, err
		}
	}

	if idx.State() == Stale {
		return nil, types.ErrIndexStale
	}

	return func(p types.Pointer) (int, bool) {
		d, ok, err := idx.Distance(p)
		return d, err == nil && ok && d <= maxDistance
	}, nil
}

// deepest returns the deepest ready maintained index for root and
// trustedKeyID with depth at least minDepth.
func (x *Indexer) deepest(root types.Pointer, trustedKeyID string, minDepth int) *Index {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var best *Index
	for key, idx := range x.indexes {
		if key.Root != root || key.TrustedKeyID != trustedKeyID || key.Depth < minDepth || idx.State() != Ready {
			continue
		}
		if best == nil || key.Depth > best.key.Depth {
			best = idx
		}
	}

	return best
}

// Apply keeps the graph and the maintained indexes in step with the store.
// It is registered after the identity resolver, so clusters are already
// merged when equivalence events arrive here.
func (x *Indexer) Apply(ev store.Event) {
	st := ev.Statement

	switch {
	case ev.Kind == store.Inserted && st.Payload.Type == types.TypeRating:
		if edges := x.tr.graph.Add(st); len(edges) > 0 {
			x.onEdges(edges)
		}

	case ev.Kind == store.Inserted && st.Payload.Type == types.TypeVerifyIdentity:
		x.onEquivalence(st.Payload.Recipient)

	case ev.Kind == store.Deleted && st.Payload.Type == types.TypeRating:
		edges := x.tr.graph.Remove(st.Hash)
		x.invalidate(st.Hash, func(idx *Index) bool {
			for _, e := range edges {
				if idx.admits(e, x.tr.policy) && idx.contains(e.From) {
					return true
				}
			}
			return false
		})

	case ev.Kind == store.Deleted && st.Payload.Type == types.TypeVerifyIdentity:
		x.invalidate(st.Hash, func(idx *Index) bool {
			for _, p := range st.Payload.Recipient {
				if idx.contains(p) {
					return true
				}
			}
			return false
		})
	}
}

// onEdges relaxes every maintained index for new edges.
func (x *Indexer) onEdges(edges []Edge) {
	x.relaxMu.Lock()
	defer x.relaxMu.Unlock()

	for _, idx := range x.Indexes() {
		switch idx.State() {
		case Building:
			idx.mu.Lock()
			idx.pendingEdges = append(idx.pendingEdges, edges...)
			idx.mu.Unlock()
		case Ready:
			for _, e := range edges {
				x.relaxEdge(idx, e)
			}
		}
	}
}

// onEquivalence pulls a merged cluster to its closest member's distance.
func (x *Indexer) onEquivalence(recipients []types.Pointer) {
	if len(recipients) == 0 {
		return
	}

	x.relaxMu.Lock()
	defer x.relaxMu.Unlock()

	for _, idx := range x.Indexes() {
		switch idx.State() {
		case Building:
			idx.mu.Lock()
			idx.pendingClusters = append(idx.pendingClusters, recipients[0])
			idx.mu.Unlock()
		case Ready:
			x.relaxCluster(idx, recipients[0])
		}
	}
}

// relaxEdge applies one new edge. Caller holds relaxMu.
func (x *Indexer) relaxEdge(idx *Index, e Edge) {
	if !idx.admits(e, x.tr.policy) {
		return
	}

	d, ok := idx.peek(e.From)
	if !ok || d >= idx.key.Depth {
		return
	}

	if n := x.tr.relax(idx, []queued{{e.To, d + 1}}); n > 0 {
		logger.Debug("trust index relaxed", "key", idx.key.String(), "changed", n)
	}
}

// relaxCluster equalizes the cluster of p at its minimum distance.
// Caller holds relaxMu.
func (x *Indexer) relaxCluster(idx *Index, p types.Pointer) {
	best := -1
	for _, m := range x.tr.clusters.ClusterOf(p) {
		if d, ok := idx.peek(m); ok && (best < 0 || d < best) {
			best = d
		}
	}

	if best >= 0 {
		x.tr.relax(idx, []queued{{p, best}})
	}
}

// invalidate marks matching maintained indexes stale after a deletion.
// Builds in flight are flagged and install as stale.
func (x *Indexer) invalidate(hash string, touched func(*Index) bool) {
	x.relaxMu.Lock()
	defer x.relaxMu.Unlock()

	for _, idx := range x.Indexes() {
		switch idx.State() {
		case Building:
			idx.markDirty()
		case Ready:
			if touched(idx) && idx.markStale() {
				logger.Info("trust index stale", "key", idx.key.String(), "hash", hash)
			}
		}
	}
}
