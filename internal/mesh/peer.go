package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// peer is one live QUIC connection. The same remote node may be reachable
// through two connections when both sides dial; the seen set absorbs the
// resulting duplicate deliveries.
type peer struct {
	key    ed25519.PublicKey // key is the remote node key from its certificate
	addr   string            // addr is the remote address
	conn   *quic.Conn        // conn is the underlying QUIC connection
	mesh   *Mesh             // mesh owns the peer
	closed atomic.Bool       // closed is set once the connection is gone
	done   chan struct{}     // done is closed on disconnect
}

// id is the hex form of the remote key.
func (p *peer) id() string {
	return hex.EncodeToString(p.key)
}

// send writes body on a fresh unidirectional stream.
func (p *peer) send(ctx context.Context, body []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer %s is closed", p.addr)
	}

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream to %s:\n%w", p.addr, err)
	}

	if err := writeFrame(stream, body); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// receive accepts streams until the connection ends.
func (p *peer) receive() {
	for {
		stream, err := p.conn.AcceptUniStream(p.mesh.ctx)
		if err != nil {
			p.mesh.log.Debug("peer receive loop ended", "peer", p.addr, "error", err)
			break
		}

		p.mesh.wg.Add(1)
		go func() {
			defer p.mesh.wg.Done()
			p.read(stream)
		}()
	}

	p.disconnect()
}

// read consumes one frame from stream and hands it to the mesh.
func (p *peer) read(stream *quic.ReceiveStream) {
	body, err := readFrame(stream)
	if err != nil {
		p.mesh.log.Debug("frame read failed", "peer", p.addr, "error", err)
		stream.CancelRead(0)
		return
	}

	p.mesh.deliver(p, body)
}

// close tears the connection down without scheduling a redial.
func (p *peer) close() {
	if p.closed.Swap(true) {
		return
	}

	_ = p.conn.CloseWithError(0, "closed")
	close(p.done)
}

// disconnect removes the peer after the remote side went away.
func (p *peer) disconnect() {
	if p.closed.Swap(true) {
		return
	}

	close(p.done)
	p.mesh.remove(p)
}
