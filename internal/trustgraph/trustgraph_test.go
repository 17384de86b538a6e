package trustgraph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"TrustMesh/internal/logger"
	"TrustMesh/internal/store"
	"TrustMesh/internal/types"
)

// singletons treats every pointer as its own identity.
type singletons struct{}

func (singletons) ClusterOf(p types.Pointer) []types.Pointer { return []types.Pointer{p} }

// staticClusters groups pointers by a fixed table.
type staticClusters map[types.Pointer][]types.Pointer

func (c staticClusters) ClusterOf(p types.Pointer) []types.Pointer {
	if members, ok := c[p]; ok {
		return members
	}
	return []types.Pointer{p}
}

var seq int

func node(name string) types.Pointer { return types.NewPointer(types.PointerKeyID, name) }

// rating builds an unsigned rating statement from -> to.
func rating(from, to types.Pointer, value int) *types.Statement {
	seq++
	return &types.Statement{
		Hash:        fmt.Sprintf("s%d", seq),
		SignerKeyID: from.Value,
		Payload: types.Payload{
			Author:    []types.Pointer{from},
			Recipient: []types.Pointer{to},
			Type:      types.TypeRating,
			Rating:    value,
			MinRating: -3,
			MaxRating: 3,
			Timestamp: time.Unix(int64(seq), 0),
		},
	}
}

// insert feeds a statement to the indexer like the store would.
func insert(x *Indexer, st *types.Statement) {
	x.Apply(store.Event{Kind: store.Inserted, Statement: st, Origin: types.OriginAPI})
}

// remove feeds a deletion to the indexer.
func remove(x *Indexer, st *types.Statement) {
	x.Apply(store.Event{Kind: store.Deleted, Statement: st})
}

func newTestIndexer(clusters Clusters, opts ...Option) *Indexer {
	return NewIndexer(context.Background(), NewGraph(), clusters, opts...)
}

// chain inserts R -> B -> C -> D positive ratings and returns them.
func chain(x *Indexer) []*types.Statement {
	names := []string{"R", "B", "C", "D"}
	var out []*types.Statement
	for i := 0; i+1 < len(names); i++ {
		st := rating(node(names[i]), node(names[i+1]), 3)
		insert(x, st)
		out = append(out, st)
	}
	return out
}

func TestBuildDistances(t *testing.T) {
	x := newTestIndexer(singletons{})
	chain(x)
	insert(x, rating(node("R"), node("N"), -3))

	idx, err := x.Build(context.Background(), Key{Root: node("R"), Depth: 2})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	want := map[string]int{"R": 0, "B": 1, "C": 2}
	if idx.Size() != len(want) {
		t.Errorf("size = %d, want %d", idx.Size(), len(want))
	}

	for name, d := range want {
		got, ok, err := idx.Distance(node(name))
		if err != nil || !ok || got != d {
			t.Errorf("Distance(%s) = %d, %v, %v; want %d", name, got, ok, err, d)
		}
	}

	for _, name := range []string{"D", "N"} {
		if _, ok, _ := idx.Distance(node(name)); ok {
			t.Errorf("%s reachable, want absent", name)
		}
	}
}

func TestAllRatingsPolicy(t *testing.T) {
	x := newTestIndexer(singletons{}, WithPolicy(AllRatings))
	insert(x, rating(node("R"), node("N"), -3))

	idx, err := x.Build(context.Background(), Key{Root: node("R"), Depth: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if d, ok, _ := idx.Distance(node("N")); !ok || d != 1 {
		t.Errorf("negative edge not followed under AllRatings")
	}
}

func TestTrustedKeyRestrictsRootEdges(t *testing.T) {
	x := newTestIndexer(singletons{})
	root := types.NewPointer(types.PointerEmail, "alice@example.com")

	signedByNode := rating(root, node("B"), 3)
	signedByNode.SignerKeyID = "node"
	signedByOther := rating(root, node("C"), 3)
	signedByOther.SignerKeyID = "mallory"

	insert(x, signedByNode)
	insert(x, signedByOther)

	idx, err := x.Build(context.Background(), Key{Root: root, Depth: 2, TrustedKeyID: "node"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if _, ok, _ := idx.Distance(node("B")); !ok {
		t.Error("edge signed by trusted key not followed")
	}

	if _, ok, _ := idx.Distance(node("C")); ok {
		t.Error("edge signed by untrusted key followed")
	}
}

func TestIdentityAwareExpansion(t *testing.T) {
	alias := types.NewPointer(types.PointerEmail, "b@example.com")
	clusters := staticClusters{
		node("B"): {alias, node("B")},
		alias:     {alias, node("B")},
	}

	x := newTestIndexer(clusters)
	insert(x, rating(node("R"), node("B"), 3))
	insert(x, rating(alias, node("E"), 3))

	idx, err := x.Build(context.Background(), Key{Root: node("R"), Depth: 3})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if d, ok, _ := idx.Distance(alias); !ok || d != 1 {
		t.Errorf("alias distance = %d, %v; want 1", d, ok)
	}

	if d, ok, _ := idx.Distance(node("E")); !ok || d != 2 {
		t.Errorf("E distance = %d, %v; want 2 via alias", d, ok)
	}
}

func TestMaintainedIndexFollowsNewEdges(t *testing.T) {
	x := newTestIndexer(singletons{})
	chain(x)

	idx, err := x.Maintain(context.Background(), Key{Root: node("R"), Depth: 3})
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}

	initial := idx.Size()

	insert(x, rating(node("C"), node("F"), 2))

	if idx.Size() != initial+1 {
		t.Fatalf("size = %d, want %d", idx.Size(), initial+1)
	}

	if d, ok, _ := idx.Distance(node("F")); !ok || d != 3 {
		t.Errorf("F distance = %d, %v; want 3", d, ok)
	}

	// A shortcut lowers D and everything behind it.
	insert(x, rating(node("R"), node("D"), 3))
	insert(x, rating(node("D"), node("G"), 3))

	if d, _, _ := idx.Distance(node("D")); d != 1 {
		t.Errorf("D distance after shortcut = %d, want 1", d)
	}

	if d, ok, _ := idx.Distance(node("G")); !ok || d != 2 {
		t.Errorf("G distance = %d, %v; want 2", d, ok)
	}

	// Beyond depth stays out.
	insert(x, rating(node("F"), node("Z"), 3))
	if _, ok, _ := idx.Distance(node("Z")); ok {
		t.Error("pointer beyond depth added")
	}
}

func TestDeletionMarksStale(t *testing.T) {
	x := newTestIndexer(singletons{})
	stmts := chain(x)
	unrelated := rating(node("X"), node("Y"), 3)
	insert(x, unrelated)

	key := Key{Root: node("R"), Depth: 3}
	idx, err := x.Maintain(context.Background(), key)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}

	remove(x, unrelated)
	if idx.State() != Ready {
		t.Fatalf("unrelated deletion changed state to %v", idx.State())
	}

	remove(x, stmts[1])

	if _, _, err := idx.Distance(node("C")); !errors.Is(err, types.ErrIndexStale) {
		t.Fatalf("Distance after delete = %v, want ErrIndexStale", err)
	}

	if _, _, err := x.Distance(node("R"), "", node("C")); !errors.Is(err, types.ErrIndexStale) {
		t.Errorf("Indexer.Distance = %v, want ErrIndexStale", err)
	}

	rebuilt, err := x.Maintain(context.Background(), key)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if _, ok, err := rebuilt.Distance(node("C")); err != nil || ok {
		t.Errorf("C after rebuild: ok=%v err=%v, want unreachable", ok, err)
	}
}

func TestWithinReusesAndFilters(t *testing.T) {
	x := newTestIndexer(singletons{})
	chain(x)

	within, err := x.Within(context.Background(), node("R"), 2)
	if err != nil {
		t.Fatalf("within: %v", err)
	}

	for name, want := range map[string]bool{"R": true, "B": true, "C": true, "D": false} {
		if _, ok := within(node(name)); ok != want {
			t.Errorf("within(%s) = %v, want %v", name, ok, want)
		}
	}

	if got := len(x.Indexes()); got != 1 {
		t.Fatalf("maintained indexes = %d, want 1", got)
	}

	if _, err := x.Within(context.Background(), node("R"), 1); err != nil {
		t.Fatalf("within: %v", err)
	}

	if got := len(x.Indexes()); got != 1 {
		t.Errorf("shallower window built a new index; have %d", got)
	}
}

func TestConcurrentMaintainSharesIndex(t *testing.T) {
	x := newTestIndexer(singletons{})
	chain(x)

	key := Key{Root: node("R"), Depth: 3}
	results := make([]*Index, 16)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := x.Maintain(context.Background(), key)
			if err != nil {
				t.Errorf("maintain: %v", err)
				return
			}
			results[i] = idx
		}(i)
	}
	wg.Wait()

	for _, idx := range results[1:] {
		if idx != results[0] {
			t.Fatal("concurrent Maintain returned different indexes")
		}
	}
}

func TestCancelledBuildIsDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	x := NewIndexer(ctx, NewGraph(), singletons{})
	chain(x)

	key := Key{Root: node("R"), Depth: 3}
	if _, err := x.Maintain(context.Background(), key); !errors.Is(err, context.Canceled) {
		t.Fatalf("Maintain() = %v, want context.Canceled", err)
	}

	idx := x.Lookup(key)
	if idx == nil || idx.State() != Uninitialized {
		t.Fatal("aborted index not left uninitialized")
	}

	if _, _, err := idx.Distance(node("B")); !errors.Is(err, ErrNotReady) {
		t.Errorf("Distance on aborted index = %v, want ErrNotReady", err)
	}
}

func TestGraphRemoveDropsOnlyItsEdges(t *testing.T) {
	g := NewGraph()
	a := rating(node("A"), node("B"), 3)
	b := rating(node("A"), node("C"), 3)

	g.Add(a)
	g.Add(b)
	if g.Add(a) != nil {
		t.Error("duplicate add returned edges")
	}

	g.Remove(a.Hash)

	out := g.Out(node("A"))
	if len(out) != 1 || out[0].To != node("C") {
		t.Errorf("remaining edges = %+v", out)
	}

	if g.Len() != 1 {
		t.Errorf("Len = %d, want 1", g.Len())
	}
}

// bfsReference computes shortest distances with a plain BFS over positive
// edges, without any of the index machinery.
func bfsReference(adj map[int][]int, root, depth int) map[int]int {
	dist := map[int]int{root: 0}
	queue := []int{root}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if dist[u] == depth {
			continue
		}
		for _, v := range adj[u] {
			if _, ok := dist[v]; !ok {
				dist[v] = dist[u] + 1
				queue = append(queue, v)
			}
		}
	}

	return dist
}

func TestBuildMatchesReferenceBFS(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 15).Draw(rt, "n")
		depth := rapid.IntRange(0, 5).Draw(rt, "depth")
		pairs := rapid.SliceOfN(rapid.SliceOfN(rapid.IntRange(0, n-1), 2, 2), 0, 40).Draw(rt, "edges")

		x := newTestIndexer(singletons{})
		adj := make(map[int][]int)
		for _, p := range pairs {
			if p[0] == p[1] {
				continue
			}
			insert(x, rating(node(fmt.Sprint(p[0])), node(fmt.Sprint(p[1])), 3))
			adj[p[0]] = append(adj[p[0]], p[1])
		}

		idx, err := x.Build(context.Background(), Key{Root: node("0"), Depth: depth})
		if err != nil {
			rt.Fatalf("build: %v", err)
		}

		want := bfsReference(adj, 0, depth)
		if idx.Size() != len(want) {
			rt.Fatalf("size = %d, want %d", idx.Size(), len(want))
		}

		for v, d := range want {
			got, ok, _ := idx.Distance(node(fmt.Sprint(v)))
			if !ok || got != d {
				rt.Fatalf("distance(%d) = %d, %v; want %d", v, got, ok, d)
			}
		}
	})
}

func TestMaintainedMatchesRebuild(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(rt, "n")
		depth := rapid.IntRange(1, 4).Draw(rt, "depth")
		pairs := rapid.SliceOfN(rapid.SliceOfN(rapid.IntRange(0, n-1), 2, 2), 1, 30).Draw(rt, "edges")
		split := rapid.IntRange(0, len(pairs)).Draw(rt, "split")

		x := newTestIndexer(singletons{})
		add := func(p []int) {
			if p[0] != p[1] {
				insert(x, rating(node(fmt.Sprint(p[0])), node(fmt.Sprint(p[1])), 3))
			}
		}

		for _, p := range pairs[:split] {
			add(p)
		}

		key := Key{Root: node("0"), Depth: depth}
		live, err := x.Maintain(context.Background(), key)
		if err != nil {
			rt.Fatalf("maintain: %v", err)
		}

		for _, p := range pairs[split:] {
			add(p)
		}

		fresh, err := x.Build(context.Background(), key)
		if err != nil {
			rt.Fatalf("build: %v", err)
		}

		liveEntries, _ := live.Entries()
		freshEntries, _ := fresh.Entries()

		if fmt.Sprint(liveEntries) != fmt.Sprint(freshEntries) {
			rt.Fatalf("maintained %v != rebuilt %v", liveEntries, freshEntries)
		}
	})
}

func TestGenerateIdentityIndex(t *testing.T) {
	x := newTestIndexer(singletons{})
	chain(x)

	key := Key{Root: node("R"), Depth: 2}

	art, idx, err := x.GenerateIdentityIndex(context.Background(), key, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if idx.Size() != 3 || art.Entries != 3 {
		t.Errorf("size = %d, entries = %d; want 3", idx.Size(), art.Entries)
	}

	if len(x.Indexes()) != 0 {
		t.Error("snapshot export registered a maintained index")
	}

	again, _, err := x.GenerateIdentityIndex(context.Background(), key, true)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if again.CID != art.CID {
		t.Error("unchanged graph exported a different artifact")
	}

	if x.Lookup(key) == nil {
		t.Error("maintained export not registered")
	}
}

func TestDistanceSelectsTrustedKeyIndex(t *testing.T) {
	x := newTestIndexer(singletons{})
	stmts := chain(x)

	key := Key{Root: node("R"), Depth: 3, TrustedKeyID: "R"}
	if _, err := x.Maintain(context.Background(), key); err != nil {
		t.Fatalf("maintain: %v", err)
	}

	if d, ok, err := x.Distance(node("R"), "R", node("C")); err != nil || !ok || d != 2 {
		t.Errorf("Distance(C) = %d, %v, %v; want 2", d, ok, err)
	}

	if _, _, err := x.Distance(node("R"), "", node("C")); !errors.Is(err, ErrNotReady) {
		t.Errorf("unrestricted Distance = %v, want ErrNotReady", err)
	}

	remove(x, stmts[1])

	if _, _, err := x.Distance(node("R"), "R", node("C")); !errors.Is(err, types.ErrIndexStale) {
		t.Errorf("Distance after delete = %v, want ErrIndexStale", err)
	}
}

func TestWindowIndexesAreBounded(t *testing.T) {
	x := newTestIndexer(singletons{}, WithWindowCapacity(2))
	chain(x)

	pinned := Key{Root: node("R"), Depth: 3}
	if _, err := x.Maintain(context.Background(), pinned); err != nil {
		t.Fatalf("maintain: %v", err)
	}

	for i := range 10 {
		if _, err := x.Within(context.Background(), node(fmt.Sprint("v", i)), 1); err != nil {
			t.Fatalf("within v%d: %v", i, err)
		}
	}

	if got := len(x.Indexes()); got != 3 {
		t.Fatalf("maintained indexes = %d, want 2 windows plus the pinned one", got)
	}

	if x.Lookup(pinned) == nil {
		t.Fatal("pinned index evicted")
	}

	// The most recently used window survives the next eviction.
	window := func(name string) Key { return Key{Root: node(name), Depth: DefaultDepth} }

	if _, err := x.Within(context.Background(), node("v8"), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := x.Within(context.Background(), node("w"), 1); err != nil {
		t.Fatal(err)
	}

	if x.Lookup(window("v8")) == nil || x.Lookup(window("w")) == nil {
		t.Error("recently used windows evicted")
	}
	if x.Lookup(window("v9")) != nil {
		t.Error("least recently used window kept")
	}

	// Windows rooted at the pinned index reuse it.
	if _, err := x.Within(context.Background(), node("R"), 2); err != nil {
		t.Fatal(err)
	}
	if got := len(x.Indexes()); got != 3 {
		t.Errorf("window over pinned root added an index; have %d", got)
	}
}

func TestMaintainPinsWindowIndex(t *testing.T) {
	x := newTestIndexer(singletons{}, WithWindowCapacity(1))
	chain(x)

	key := Key{Root: node("B"), Depth: DefaultDepth}
	if _, err := x.Within(context.Background(), node("B"), 1); err != nil {
		t.Fatal(err)
	}

	idx, err := x.Maintain(context.Background(), key)
	if err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if idx != x.Lookup(key) {
		t.Fatal("Maintain did not reuse the window index")
	}

	if _, err := x.Within(context.Background(), node("C"), 1); err != nil {
		t.Fatal(err)
	}

	if x.Lookup(key) == nil {
		t.Error("pinned index evicted by a later window")
	}
}

func TestSnapshotAndMaintainShareBuilds(t *testing.T) {
	x := newTestIndexer(singletons{})
	chain(x)

	key := Key{Root: node("R"), Depth: 3}
	maintained := make([]*Index, 8)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			if i%2 == 0 {
				idx, err := x.Build(context.Background(), key)
				if err != nil {
					t.Errorf("build: %v", err)
				} else if idx.Size() != 4 {
					t.Errorf("build size = %d, want 4", idx.Size())
				}
				return
			}

			idx, err := x.Maintain(context.Background(), key)
			if err != nil {
				t.Errorf("maintain: %v", err)
				return
			}
			maintained[i/2] = idx
		}(i)
	}
	wg.Wait()

	for _, idx := range maintained {
		if idx == nil || !idx.Maintained() || idx != x.Lookup(key) {
			t.Fatal("Maintain returned an unregistered index")
		}
	}
}

func TestWindowBuildsLogAtDebug(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(logger.NewHandler(&buf, slog.LevelInfo)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	x := newTestIndexer(singletons{})
	chain(x)

	if _, err := x.Within(context.Background(), node("B"), 1); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "trust index built") {
		t.Errorf("window build logged at info: %q", buf.String())
	}

	if _, err := x.Maintain(context.Background(), Key{Root: node("R"), Depth: 3}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "[INF] trust index built") {
		t.Errorf("maintained build not logged at info: %q", buf.String())
	}
}
