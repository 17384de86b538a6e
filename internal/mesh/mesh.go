// Package mesh is the embedded replication transport: a small QUIC overlay
// in which every node relays each topic frame it has not seen before to all
// of its other peers.
package mesh

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"TrustMesh/internal/logger"
)

const (
	// defaultRedialDelay is the first wait before redialing a configured peer.
	defaultRedialDelay = 2 * time.Second

	// maxRedialDelay caps the exponential backoff.
	maxRedialDelay = time.Minute

	// sendTimeout bounds a single stream write.
	sendTimeout = 5 * time.Second

	// alpn is the TLS application protocol.
	alpn = "trustmesh/1"
)

// ErrClosed is returned by operations on a closed mesh.
var ErrClosed = errors.New("mesh closed")

// Config holds the settings of a Mesh.
type Config struct {
	Signer      crypto.Signer // Signer is the node's ed25519 key
	ListenAddr  string        // ListenAddr is the UDP address to listen on
	Peers       []string      // Peers are addresses dialed and kept connected
	RedialDelay time.Duration // RedialDelay is the initial redial backoff
	SeenTTL     time.Duration // SeenTTL is how long relayed frames are remembered
}

// Mesh is a topic-based publish/subscribe overlay on QUIC.
// A node never receives its own publications back.
type Mesh struct {
	self        ed25519.PublicKey // self is the local node key
	listenAddr  string
	dial        []string
	redialDelay time.Duration
	tlsConfig   *tls.Config
	quicConfig  *quic.Config
	listener    *quic.Listener

	peersMu sync.RWMutex
	peers   map[*peer]struct{} // peers holds every live connection

	subsMu sync.RWMutex
	subs   map[string][]func([]byte) // subs maps topic to handlers in registration order

	seen *seenSet
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and prepares a mesh. Call Start to go online.
func New(cfg Config) (*Mesh, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("mesh signer is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("mesh listen address is required")
	}

	cert, err := selfSigned(cfg.Signer)
	if err != nil {
		return nil, err
	}

	delay := cfg.RedialDelay
	if delay <= 0 {
		delay = defaultRedialDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mesh{
		self:        cfg.Signer.Public().(ed25519.PublicKey),
		listenAddr:  cfg.ListenAddr,
		dial:        append([]string(nil), cfg.Peers...),
		redialDelay: delay,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // peers are identified by certificate key
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		peers:  make(map[*peer]struct{}),
		subs:   make(map[string][]func([]byte)),
		seen:   newSeenSet(cfg.SeenTTL),
		log:    logger.WithComponent("mesh"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start listens for peers and begins dialing the configured ones.
func (m *Mesh) Start() error {
	ln, err := quic.ListenAddr(m.listenAddr, m.tlsConfig, m.quicConfig)
	if err != nil {
		return fmt.Errorf("mesh listen on %s:\n%w", m.listenAddr, err)
	}

	m.listener = ln
	m.seen.run()

	m.wg.Add(1)
	go m.acceptLoop()

	for _, addr := range m.dial {
		m.wg.Add(1)
		go m.keepDialed(addr)
	}

	m.log.Info("mesh listening", "addr", ln.Addr().String(), "peers", len(m.dial))

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (m *Mesh) Addr() string {
	if m.listener == nil {
		return ""
	}

	return m.listener.Addr().String()
}

// Connect dials addr once and registers the connection.
func (m *Mesh) Connect(ctx context.Context, addr string) error {
	_, err := m.connect(ctx, addr)
	return err
}

// PeerCount returns the number of distinct remote nodes connected.
func (m *Mesh) PeerCount() int {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()

	ids := make(map[string]struct{}, len(m.peers))
	for p := range m.peers {
		ids[p.id()] = struct{}{}
	}

	return len(ids)
}

// Subscribe registers fn for frames on topic. fn runs on the receiving
// goroutine and must not modify data.
func (m *Mesh) Subscribe(topic string, fn func(data []byte)) error {
	if len(topic) == 0 || len(topic) > maxTopicLen {
		return fmt.Errorf("topic length %d outside [1, %d]", len(topic), maxTopicLen)
	}

	m.subsMu.Lock()
	m.subs[topic] = append(m.subs[topic], fn)
	m.subsMu.Unlock()

	return nil
}

// Publish sends data on topic to every connected peer. Having no peers is
// not an error; frames are not queued for later peers.
func (m *Mesh) Publish(ctx context.Context, topic string, data []byte) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}

	body, err := encodeFrame(topic, data)
	if err != nil {
		return err
	}

	// Remember our own frame so it is dropped when relayed back.
	m.seen.firstSight(body)

	return m.broadcast(ctx, body, nil)
}

// Close disconnects every peer and stops background work.
func (m *Mesh) Close() error {
	if m.ctx.Err() != nil {
		return nil
	}

	m.cancel()

	if m.listener != nil {
		_ = m.listener.Close()
	}

	m.peersMu.Lock()
	for p := range m.peers {
		p.close()
	}
	m.peers = make(map[*peer]struct{})
	m.peersMu.Unlock()

	m.wg.Wait()

	if m.listener != nil {
		m.seen.close()
	}

	return nil
}

// acceptLoop registers inbound connections.
func (m *Mesh) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept(m.ctx)
		if err != nil {
			return
		}

		if _, err := m.register(conn, conn.RemoteAddr().String()); err != nil {
			m.log.Debug("inbound peer rejected", "addr", conn.RemoteAddr().String(), "error", err)
			_ = conn.CloseWithError(1, "rejected")
		}
	}
}

// keepDialed holds a connection to addr open for the mesh lifetime,
// redialing with exponential backoff.
func (m *Mesh) keepDialed(addr string) {
	defer m.wg.Done()

	delay := m.redialDelay

	for {
		p, err := m.connect(m.ctx, addr)
		if err == nil {
			delay = m.redialDelay

			select {
			case <-p.done:
				m.log.Info("peer disconnected", "addr", addr)
			case <-m.ctx.Done():
				return
			}
		} else {
			m.log.Debug("dial failed", "addr", addr, "error", err, "retry", delay)
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err != nil {
			delay = min(delay*2, maxRedialDelay)
		}
	}
}

// connect dials addr and registers the connection.
func (m *Mesh) connect(ctx context.Context, addr string) (*peer, error) {
	conn, err := quic.DialAddr(ctx, addr, m.tlsConfig, m.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	p, err := m.register(conn, addr)
	if err != nil {
		_ = conn.CloseWithError(1, "rejected")
		return nil, err
	}

	return p, nil
}

// register authenticates conn and starts its receive loop.
func (m *Mesh) register(conn *quic.Conn, addr string) (*peer, error) {
	key, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}

	if bytes.Equal(key, m.self) {
		return nil, fmt.Errorf("refusing connection to self")
	}

	p := &peer{key: key, addr: addr, conn: conn, mesh: m, done: make(chan struct{})}

	m.peersMu.Lock()
	if m.ctx.Err() != nil {
		m.peersMu.Unlock()
		return nil, ErrClosed
	}
	m.peers[p] = struct{}{}
	m.peersMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p.receive()
	}()

	m.log.Info("peer connected", "addr", addr, "peer", p.id()[:16])

	return p, nil
}

// remove forgets p.
func (m *Mesh) remove(p *peer) {
	m.peersMu.Lock()
	delete(m.peers, p)
	m.peersMu.Unlock()
}

// deliver hands a received frame to local subscribers and relays it.
func (m *Mesh) deliver(from *peer, body []byte) {
	if !m.seen.firstSight(body) {
		return
	}

	topic, data, err := decodeFrame(body)
	if err != nil {
		m.log.Debug("undecodable frame dropped", "peer", from.addr, "error", err)
		return
	}

	m.subsMu.RLock()
	handlers := m.subs[topic]
	m.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(data)
	}

	ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
	defer cancel()

	if err := m.broadcast(ctx, body, from); err != nil {
		m.log.Debug("relay incomplete", "topic", topic, "error", err)
	}
}

// broadcast sends body to every peer except skip.
func (m *Mesh) broadcast(ctx context.Context, body []byte, skip *peer) error {
	m.peersMu.RLock()
	targets := make([]*peer, 0, len(m.peers))
	for p := range m.peers {
		if p != skip {
			targets = append(targets, p)
		}
	}
	m.peersMu.RUnlock()

	var errs []error
	for _, p := range targets {
		if err := p.send(ctx, body); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
