package gossip

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"TrustMesh/internal/signing"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/store"
	"TrustMesh/internal/transport"
	"TrustMesh/internal/types"
)

// bus is an in-process PubSub that, like Redis, also delivers a
// publication to the publisher's own subscriptions.
type bus struct {
	mu     sync.Mutex
	subs   map[string][]func([]byte)
	frames int
}

func newBus() *bus {
	return &bus{subs: make(map[string][]func([]byte))}
}

// endpoint is one node's handle on the bus.
type endpoint struct{ b *bus }

func (e endpoint) Publish(_ context.Context, topic string, data []byte) error {
	e.b.mu.Lock()
	e.b.frames++
	handlers := append([]func([]byte){}, e.b.subs[topic]...)
	e.b.mu.Unlock()

	for _, fn := range handlers {
		fn(bytes.Clone(data))
	}

	return nil
}

func (e endpoint) Subscribe(topic string, fn func([]byte)) error {
	e.b.mu.Lock()
	e.b.subs[topic] = append(e.b.subs[topic], fn)
	e.b.mu.Unlock()
	return nil
}

func (e endpoint) Close() error { return nil }

func (b *bus) published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// node is a store plus replicator wired like the real node.
type node struct {
	key   *signing.Key
	store *store.Store
	rep   *Replicator
}

func newNode(t *testing.T, ps transport.PubSub, capability transport.Capability, opts ...Option) *node {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	key, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	rep := New(key, st, ps, capability, opts...)
	st.Subscribe(rep.Listener())

	return &node{key: key, store: st, rep: rep}
}

func (n *node) start(t *testing.T) {
	t.Helper()

	if err := n.rep.Start(); err != nil {
		t.Fatalf("start replicator: %v", err)
	}
	t.Cleanup(n.rep.Close)
}

func statement(t *testing.T, key *signing.Key, rating int) *types.Statement {
	t.Helper()

	st, err := signing.Sign(types.Payload{
		Author:    []types.Pointer{types.NewPointer(types.PointerEmail, "alice@example.com")},
		Recipient: []types.Pointer{types.NewPointer(types.PointerEmail, "bob@example.com")},
		Type:      types.TypeRating,
		Rating:    rating,
		MinRating: types.DefaultMinRating,
		MaxRating: types.DefaultMaxRating,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Public:    true,
	}, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for %s", what)
}

func TestFrameRoundTrip(t *testing.T) {
	in := &Frame{
		Topic:   Topic,
		Origin:  "node-a",
		SentAt:  time.UnixMilli(1700000000123).UTC(),
		Payload: []byte("a.b.c"),
	}

	out, err := DecodeFrame(EncodeFrame(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.Topic != in.Topic || out.Origin != in.Origin || !out.SentAt.Equal(in.SentAt) || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte{0xff}, 64),
		EncodeFrame(&Frame{Topic: Topic, Origin: "x"}),
	}

	for i, in := range inputs {
		if _, err := DecodeFrame(in); err == nil {
			t.Errorf("input %d decoded without error", i)
		}
	}
}

func TestReplicatesWithoutEcho(t *testing.T) {
	b := newBus()
	a := newNode(t, endpoint{b}, transport.External)
	c := newNode(t, endpoint{b}, transport.External)
	a.start(t)
	c.start(t)

	st := statement(t, a.key, 3)
	if _, err := a.store.Insert(st, types.OriginAPI); err != nil {
		t.Fatalf("insert: %v", err)
	}

	waitFor(t, "ingestion", func() bool { return c.rep.Stats().Ingested == 1 })

	got, err := c.store.Get(st.Hash)
	if err != nil {
		t.Fatalf("replica get: %v", err)
	}

	if got.Envelope != st.Envelope {
		t.Error("replica stored a different envelope")
	}

	// Give a misbehaving replicator time to echo.
	time.Sleep(50 * time.Millisecond)

	if n := b.published(); n != 1 {
		t.Errorf("bus carried %d frames, want 1", n)
	}

	if s := c.rep.Stats(); s.Published != 0 {
		t.Errorf("receiver published %d frames", s.Published)
	}

	if s := a.rep.Stats(); s.Published != 1 || s.Ingested != 0 {
		t.Errorf("publisher stats = %+v", s)
	}
}

func TestGossipOriginIsNotPublished(t *testing.T) {
	b := newBus()
	n := newNode(t, endpoint{b}, transport.Embedded)
	n.start(t)

	if _, err := n.store.Insert(statement(t, n.key, 1), types.OriginGossip); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := n.store.Insert(statement(t, n.key, 2), types.OriginLocal); err != nil {
		t.Fatalf("insert: %v", err)
	}

	waitFor(t, "local publication", func() bool { return n.rep.Stats().Published == 1 })

	if got := b.published(); got != 1 {
		t.Errorf("bus carried %d frames, want 1", got)
	}
}

func TestOnRemoteCounters(t *testing.T) {
	n := newNode(t, endpoint{newBus()}, transport.External)
	peer, err := signing.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	st := statement(t, peer, 2)
	frame := func(origin string, payload []byte) []byte {
		return EncodeFrame(&Frame{Topic: Topic, Origin: origin, SentAt: time.Now(), Payload: payload})
	}

	tampered := []byte(st.Envelope)
	tampered[len(tampered)-2] ^= 0x01

	n.rep.OnRemote(frame(peer.KeyID(), []byte(st.Envelope)))
	n.rep.OnRemote(frame(peer.KeyID(), []byte(st.Envelope)))
	n.rep.OnRemote(frame(peer.KeyID(), tampered))
	n.rep.OnRemote(frame(peer.KeyID(), []byte("not-an-envelope")))
	n.rep.OnRemote([]byte("garbage frame bytes"))
	n.rep.OnRemote(EncodeFrame(&Frame{Topic: "other", Origin: peer.KeyID(), Payload: []byte(st.Envelope)}))
	n.rep.OnRemote(frame(n.key.KeyID(), []byte(statement(t, peer, -1).Envelope)))

	want := Stats{Ingested: 1, Duplicates: 1, Rejected: 4}
	if got := n.rep.Stats(); got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}

	if n.store.Count() != 1 {
		t.Errorf("store count = %d, want 1", n.store.Count())
	}
}

func TestFullQueueDrops(t *testing.T) {
	n := newNode(t, endpoint{newBus()}, transport.External, WithQueueSize(1))

	// Not started: nothing drains the queue.
	n.rep.OnLocalAccept(statement(t, n.key, 1), types.OriginAPI)
	n.rep.OnLocalAccept(statement(t, n.key, 2), types.OriginAPI)

	if got := n.rep.Stats().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestUnavailableTransportIsInert(t *testing.T) {
	n := newNode(t, transport.Disabled{}, transport.Unavailable)
	n.start(t)

	res, err := n.store.Insert(statement(t, n.key, 3), types.OriginAPI)
	if err != nil || !res.Created {
		t.Fatalf("insert = %+v, %v", res, err)
	}

	if got := n.rep.Stats(); got != (Stats{}) {
		t.Errorf("stats = %+v, want zero", got)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	b := newBus()
	n := newNode(t, endpoint{b}, transport.External)
	n.start(t)

	for i := -3; i <= 3; i++ {
		n.rep.OnLocalAccept(statement(t, n.key, i), types.OriginAPI)
	}

	n.rep.Close()

	if got := b.published(); got != 7 {
		t.Errorf("bus carried %d frames after close, want 7", got)
	}
}
