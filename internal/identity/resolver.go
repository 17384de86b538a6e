package identity

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"TrustMesh/internal/logger"
	"TrustMesh/internal/store"
	"TrustMesh/internal/types"
)

// Source is the statement ledger the resolver is derived from.
type Source interface {
	All(fn func(*types.Statement) error) error
	Mentioning(p types.Pointer) ([]*types.Statement, error)
}

// Attribute is a pointer known to belong to an identity.
type Attribute struct {
	Pointer       types.Pointer `json:"-"`    // Pointer is the attribute itself
	Confirmations int           `json:"conf"` // Confirmations counts statements asserting the attribute
	Refutations   int           `json:"ref"`  // Refutations counts statements refuting it
}

// attributeJSON is the wire form of an Attribute.
type attributeJSON struct {
	Type          string `json:"type"`
	Value         string `json:"value"`
	Confirmations int    `json:"conf"`
	Refutations   int    `json:"ref"`
}

// MarshalJSON flattens the pointer into the attribute object.
func (a Attribute) MarshalJSON() ([]byte, error) {
	return json.Marshal(attributeJSON{a.Pointer.Type, a.Pointer.Value, a.Confirmations, a.Refutations})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (a *Attribute) UnmarshalJSON(data []byte) error {
	var w attributeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*a = Attribute{Pointer: types.Pointer{Type: w.Type, Value: w.Value}, Confirmations: w.Confirmations, Refutations: w.Refutations}

	return nil
}

// Resolver maintains identity clusters: the transitive closure of
// verify_identity statements, as a union-find over an arena of pointer ids.
// Reads never compress paths, so they only need the read lock; unions
// take the write lock and are never observed half-applied.
type Resolver struct {
	src Source

	mu      sync.RWMutex
	ids     map[types.Pointer]int32 // ids maps pointers to arena slots
	ptrs    []types.Pointer         // ptrs maps arena slots back to pointers
	parent  []int32                 // parent is the union-find forest
	size    []int32                 // size is the cluster size at roots
	members map[int32][]int32       // members lists the slots of each root with size > 1
	conf    []int32                 // conf counts verify_identity mentions per slot
	ref     []int32                 // ref counts unverify_identity mentions per slot
}

// New creates an empty resolver over src. Call Load to build it from the
// existing ledger.
func New(src Source) *Resolver {
	r := &Resolver{src: src}
	r.reset()
	return r
}

// Load rebuilds the clusters from every statement in the source.
func (r *Resolver) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.rebuildLocked()
}

// Apply folds a store event into the clusters. It is registered as a store
// listener so merges complete before any later subscriber sees the insert.
func (r *Resolver) Apply(ev store.Event) {
	p := &ev.Statement.Payload

	switch {
	case ev.Kind == store.Inserted && p.Type == types.TypeVerifyIdentity:
		r.mu.Lock()
		r.addLocked(p)
		r.mu.Unlock()

	case ev.Kind == store.Inserted && p.Type == types.TypeUnverifyIdentity:
		r.mu.Lock()
		for _, q := range p.Recipient {
			r.ref[r.idLocked(q)]++
		}
		r.mu.Unlock()

	case ev.Kind == store.Deleted && p.Type == types.TypeVerifyIdentity:
		// Unions cannot be split; rebuild from what remains.
		r.mu.Lock()
		if err := r.rebuildLocked(); err != nil {
			logger.Error("identity rebuild failed", "error", err)
		}
		r.mu.Unlock()

	case ev.Kind == store.Deleted && p.Type == types.TypeUnverifyIdentity:
		r.mu.Lock()
		for _, q := range p.Recipient {
			if id, ok := r.ids[q]; ok && r.ref[id] > 0 {
				r.ref[id]--
			}
		}
		r.mu.Unlock()
	}
}

// ClusterOf returns the sorted equivalence class of p, which always
// contains p itself.
func (r *Resolver) ClusterOf(p types.Pointer) []types.Pointer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.ids[p]
	if !ok {
		return []types.Pointer{p}
	}

	slots := r.members[r.find(id)]
	if len(slots) == 0 {
		return []types.Pointer{p}
	}

	out := make([]types.Pointer, len(slots))
	for i, s := range slots {
		out[i] = r.ptrs[s]
	}
	sortPointers(out)

	return out
}

// Equivalent reports whether a and b are in the same cluster.
func (r *Resolver) Equivalent(a, b types.Pointer) bool {
	if a == b {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ia, okA := r.ids[a]
	ib, okB := r.ids[b]

	return okA && okB && r.find(ia) == r.find(ib)
}

// Resolve returns the attributes of the identity p belongs to. Non-trivial
// clusters are answered directly; otherwise MapAttributes infers a best
// effort set. When within is set, attributes outside the window are dropped
// (p itself is always kept).
func (r *Resolver) Resolve(p types.Pointer, within types.DistanceFunc) ([]Attribute, error) {
	if attrs := r.clusterAttributes(p); len(attrs) > 1 {
		return filterWithin(attrs, p, within), nil
	}

	return r.MapAttributes(p, within)
}

// clusterAttributes returns the cluster of p with mention counts.
func (r *Resolver) clusterAttributes(p types.Pointer) []Attribute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.ids[p]
	if !ok {
		return nil
	}

	return r.attributesLocked(r.find(id))
}

// attributesLocked lists the members of root with their mention counts.
// Caller must hold a lock.
func (r *Resolver) attributesLocked(root int32) []Attribute {
	slots := r.members[root]
	out := make([]Attribute, 0, len(slots))

	for _, s := range slots {
		out = append(out, Attribute{Pointer: r.ptrs[s], Confirmations: int(r.conf[s]), Refutations: int(r.ref[s])})
	}

	sortAttributes(out)

	return out
}

// find returns the root of x without modifying the forest.
func (r *Resolver) find(x int32) int32 {
	for r.parent[x] != x {
		x = r.parent[x]
	}
	return x
}

// findCompress returns the root of x and halves the path on the way.
// Caller must hold the write lock.
func (r *Resolver) findCompress(x int32) int32 {
	for r.parent[x] != x {
		r.parent[x] = r.parent[r.parent[x]]
		x = r.parent[x]
	}
	return x
}

// idLocked returns the arena slot of p, allocating one when needed.
func (r *Resolver) idLocked(p types.Pointer) int32 {
	if id, ok := r.ids[p]; ok {
		return id
	}

	id := int32(len(r.ptrs))
	r.ids[p] = id
	r.ptrs = append(r.ptrs, p)
	r.parent = append(r.parent, id)
	r.size = append(r.size, 1)
	r.conf = append(r.conf, 0)
	r.ref = append(r.ref, 0)

	return id
}

// addLocked merges all recipients of an equivalence statement.
func (r *Resolver) addLocked(p *types.Payload) {
	if len(p.Recipient) == 0 {
		return
	}

	first := r.idLocked(p.Recipient[0])
	r.conf[first]++

	for _, q := range p.Recipient[1:] {
		id := r.idLocked(q)
		r.conf[id]++
		r.union(first, id)
	}
}

// union merges the clusters of a and b by size.
func (r *Resolver) union(a, b int32) {
	ra, rb := r.findCompress(a), r.findCompress(b)
	if ra == rb {
		return
	}

	if r.size[ra] < r.size[rb] {
		ra, rb = rb, ra
	}

	r.parent[rb] = ra
	r.size[ra] += r.size[rb]

	small := r.members[rb]
	if small == nil {
		small = []int32{rb}
	}

	big := r.members[ra]
	if big == nil {
		big = []int32{ra}
	}

	r.members[ra] = append(big, small...)
	delete(r.members, rb)
}

// reset empties the forest. Caller must hold the write lock.
func (r *Resolver) reset() {
	r.ids = make(map[types.Pointer]int32)
	r.ptrs = nil
	r.parent = nil
	r.size = nil
	r.conf = nil
	r.ref = nil
	r.members = make(map[int32][]int32)
}

// rebuildLocked recomputes the forest from the source.
func (r *Resolver) rebuildLocked() error {
	start := time.Now()
	r.reset()

	err := r.src.All(func(st *types.Statement) error {
		switch st.Payload.Type {
		case types.TypeVerifyIdentity:
			r.addLocked(&st.Payload)
		case types.TypeUnverifyIdentity:
			for _, q := range st.Payload.Recipient {
				r.ref[r.idLocked(q)]++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("identity clusters rebuilt", "pointers", len(r.ptrs), "clusters", len(r.members), logger.Timed(start))

	return nil
}

// comparePointers orders pointers by type, then value.
func comparePointers(a, b types.Pointer) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

// sortPointers orders pointers by type, then value.
func sortPointers(list []types.Pointer) {
	slices.SortFunc(list, comparePointers)
}

// sortAttributes orders by confirmations descending, then pointer.
func sortAttributes(list []Attribute) {
	slices.SortFunc(list, func(a, b Attribute) int {
		if a.Confirmations != b.Confirmations {
			return b.Confirmations - a.Confirmations
		}
		return comparePointers(a.Pointer, b.Pointer)
	})
}

// filterWithin keeps attributes inside the window, plus self.
func filterWithin(attrs []Attribute, self types.Pointer, within types.DistanceFunc) []Attribute {
	if within == nil {
		return attrs
	}

	out := attrs[:0]
	for _, a := range attrs {
		if _, ok := within(a.Pointer); ok || a.Pointer == self {
			out = append(out, a)
		}
	}

	return out
}
