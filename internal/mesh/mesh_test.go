package mesh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"
)

// newTestMesh starts a mesh on a random local port.
func newTestMesh(t *testing.T, peers ...string) *Mesh {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	m, err := New(Config{
		Signer:      priv,
		ListenAddr:  "127.0.0.1:0",
		Peers:       peers,
		RedialDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new mesh: %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("start mesh: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	return m
}

// inbox collects frames delivered on one topic.
type inbox struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (b *inbox) add(data []byte) {
	b.mu.Lock()
	b.msgs = append(b.msgs, bytes.Clone(data))
	b.mu.Unlock()
}

func (b *inbox) snapshot() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.msgs...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for %s", what)
}

func TestFrameRoundTrip(t *testing.T) {
	body, err := encodeFrame("trustmesh/statements", []byte("payload"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	read, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	topic, data, err := decodeFrame(read)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if topic != "trustmesh/statements" || string(data) != "payload" {
		t.Errorf("got (%q, %q)", topic, data)
	}
}

func TestFrameRejectsBadInput(t *testing.T) {
	if _, err := encodeFrame("", []byte("x")); err == nil {
		t.Error("empty topic accepted")
	}

	if _, _, err := decodeFrame([]byte{5, 'a'}); err == nil {
		t.Error("truncated topic accepted")
	}

	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := readFrame(&buf); err == nil {
		t.Error("oversized frame accepted")
	}
}

func TestSeenSetExpires(t *testing.T) {
	s := newSeenSet(time.Minute)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	if !s.firstSight([]byte("a")) {
		t.Fatal("first sight reported as duplicate")
	}

	if s.firstSight([]byte("a")) {
		t.Fatal("second sight within TTL reported as new")
	}

	now = now.Add(2 * time.Minute)
	s.sweep()

	if s.len() != 0 {
		t.Errorf("sweep kept %d expired digests", s.len())
	}

	if !s.firstSight([]byte("a")) {
		t.Error("frame not accepted again after expiry")
	}
}

func TestPublishReachesPeer(t *testing.T) {
	a := newTestMesh(t)
	b := newTestMesh(t, a.Addr())

	var got inbox
	if err := a.Subscribe("t", got.add); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	waitFor(t, "connection", func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 })

	if err := b.Publish(context.Background(), "t", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "delivery", func() bool { return len(got.snapshot()) == 1 })

	if string(got.snapshot()[0]) != "hello" {
		t.Errorf("received %q", got.snapshot()[0])
	}
}

func TestRelayAcrossLineWithoutEcho(t *testing.T) {
	a := newTestMesh(t)
	b := newTestMesh(t, a.Addr())
	c := newTestMesh(t, b.Addr())

	var atA, atB, atC, otherTopic inbox
	a.Subscribe("t", atA.add)
	b.Subscribe("t", atB.add)
	c.Subscribe("t", atC.add)
	c.Subscribe("other", otherTopic.add)

	waitFor(t, "line topology", func() bool { return b.PeerCount() == 2 })

	if err := a.Publish(context.Background(), "t", []byte("from-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "relay to c", func() bool { return len(atC.snapshot()) == 1 })

	time.Sleep(100 * time.Millisecond)

	if n := len(atB.snapshot()); n != 1 {
		t.Errorf("b received %d frames, want 1", n)
	}

	if n := len(atA.snapshot()); n != 0 {
		t.Errorf("publisher received its own frame %d times", n)
	}

	if n := len(otherTopic.snapshot()); n != 0 {
		t.Errorf("unrelated topic received %d frames", n)
	}
}

func TestRedialAfterPeerRestart(t *testing.T) {
	a := newTestMesh(t)
	addr := a.Addr()
	b := newTestMesh(t, addr)

	waitFor(t, "initial connection", func() bool { return b.PeerCount() == 1 })

	a.Close()
	waitFor(t, "disconnect", func() bool { return b.PeerCount() == 0 })

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	restarted, err := New(Config{Signer: priv, ListenAddr: addr})
	if err != nil {
		t.Fatalf("new mesh: %v", err)
	}
	if err := restarted.Start(); err != nil {
		t.Fatalf("restart on %s: %v", addr, err)
	}
	defer restarted.Close()

	waitFor(t, "redial", func() bool { return b.PeerCount() == 1 })
}

func TestPublishAfterClose(t *testing.T) {
	m := newTestMesh(t)
	m.Close()

	if err := m.Publish(context.Background(), "t", []byte("x")); err != ErrClosed {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
}
