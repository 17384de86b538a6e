// Package gossip replicates statements between nodes over a pub/sub
// transport. A statement is published by the node that first accepted it
// from a non-gossip source, and never re-published by nodes that ingest it.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"TrustMesh/internal/logger"
	"TrustMesh/internal/signing"
	"TrustMesh/internal/store"
	"TrustMesh/internal/transport"
	"TrustMesh/internal/types"
)

const (
	// Topic is the shared statement topic.
	Topic = "trustmesh/statements"

	// defaultQueueSize bounds statements waiting to be published.
	defaultQueueSize = 1024

	// publishTimeout bounds one transport publish.
	publishTimeout = 5 * time.Second
)

// Inserter is the subset of the store used for ingestion.
type Inserter interface {
	Insert(st *types.Statement, origin types.Origin) (store.InsertResult, error)
}

// Stats are the replicator counters.
type Stats struct {
	Published  uint64 `json:"published"`  // Published frames handed to the transport
	Ingested   uint64 `json:"ingested"`   // Ingested remote statements newly stored
	Duplicates uint64 `json:"duplicates"` // Duplicates remote statements already stored
	Rejected   uint64 `json:"rejected"`   // Rejected undecodable or unverifiable frames
	Dropped    uint64 `json:"dropped"`    // Dropped publications lost to a full queue or transport error
	Failed     uint64 `json:"failed"`     // Failed ingestions due to a store error
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithQueueSize sets the publish queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Replicator) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithClock overrides the clock stamping outgoing frames.
func WithClock(now func() time.Time) Option {
	return func(r *Replicator) { r.now = now }
}

// Replicator bridges the store and the transport.
type Replicator struct {
	origin     string               // origin is the node KeyID stamped on frames
	store      Inserter             // store receives ingested statements
	ps         transport.PubSub     // ps is the negotiated transport
	capability transport.Capability // capability is the negotiation outcome
	now        func() time.Time
	queueSize  int
	queue      chan []byte
	log        *slog.Logger

	published  atomic.Uint64
	ingested   atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a replicator publishing as key.
func New(key *signing.Key, st Inserter, ps transport.PubSub, capability transport.Capability, opts ...Option) *Replicator {
	r := &Replicator{
		origin:     key.KeyID(),
		store:      st,
		ps:         ps,
		capability: capability,
		now:        time.Now,
		queueSize:  defaultQueueSize,
		log:        logger.WithComponent("gossip"),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.queue = make(chan []byte, r.queueSize)

	return r
}

// Capability reports the transport the replicator runs on.
func (r *Replicator) Capability() transport.Capability { return r.capability }

// Start subscribes to the topic and starts the publisher. It does nothing
// when the transport is unavailable.
func (r *Replicator) Start() error {
	if r.capability == transport.Unavailable {
		r.log.Warn("replication disabled")
		return nil
	}

	var err error

	r.startOnce.Do(func() {
		if err = r.ps.Subscribe(Topic, r.OnRemote); err != nil {
			err = fmt.Errorf("subscribe %s:\n%w", Topic, err)
			return
		}

		r.wg.Add(1)
		go r.publishLoop()

		r.log.Info("replication started", "capability", r.capability, "origin", r.origin)
	})

	return err
}

// Listener returns the store listener feeding OnLocalAccept. The store only
// notifies newly created statements.
func (r *Replicator) Listener() store.Listener {
	return func(ev store.Event) {
		if ev.Kind == store.Inserted {
			r.OnLocalAccept(ev.Statement, ev.Origin)
		}
	}
}

// OnLocalAccept queues a newly stored statement for publication unless it
// arrived through gossip. It never blocks; a full queue drops the frame.
func (r *Replicator) OnLocalAccept(st *types.Statement, origin types.Origin) {
	if origin == types.OriginGossip || r.capability == transport.Unavailable {
		return
	}

	frame := EncodeFrame(&Frame{
		Topic:   Topic,
		Origin:  r.origin,
		SentAt:  r.now(),
		Payload: []byte(st.Envelope),
	})

	select {
	case r.queue <- frame:
	default:
		r.dropped.Add(1)
		r.log.Warn("publish queue full, statement not replicated", "hash", st.Hash)
	}
}

// OnRemote ingests one frame from the transport. Bad input is logged and
// dropped; nothing is reported back to the sender.
func (r *Replicator) OnRemote(data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		r.rejected.Add(1)
		r.log.Debug("undecodable frame dropped", "error", err)
		return
	}

	if f.Origin == r.origin {
		return
	}

	if f.Topic != Topic {
		r.rejected.Add(1)
		r.log.Debug("frame for foreign topic dropped", "topic", f.Topic)
		return
	}

	st, err := signing.ParseEnvelope(string(f.Payload))
	if err != nil {
		r.rejected.Add(1)
		r.log.Warn("invalid statement from peer dropped", "origin", f.Origin, "error", err)
		return
	}

	res, err := r.store.Insert(st, types.OriginGossip)
	if err != nil {
		r.failed.Add(1)
		r.log.Error("store gossip statement", "hash", st.Hash, "error", err)
		return
	}

	if res.Created {
		r.ingested.Add(1)
		r.log.Debug("statement ingested", "hash", st.Hash, "origin", f.Origin)
	} else {
		r.duplicates.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (r *Replicator) Stats() Stats {
	return Stats{
		Published:  r.published.Load(),
		Ingested:   r.ingested.Load(),
		Duplicates: r.duplicates.Load(),
		Rejected:   r.rejected.Load(),
		Dropped:    r.dropped.Load(),
		Failed:     r.failed.Load(),
	}
}

// Close stops the publisher after draining queued frames.
func (r *Replicator) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}

// publishLoop hands queued frames to the transport.
func (r *Replicator) publishLoop() {
	defer r.wg.Done()

	for {
		select {
		case frame := <-r.queue:
			r.publish(frame)
		case <-r.stop:
			for {
				select {
				case frame := <-r.queue:
					r.publish(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Replicator) publish(frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.ps.Publish(ctx, Topic, frame); err != nil {
		r.dropped.Add(1)
		r.log.Warn("publish failed", "error", err)
		return
	}

	r.published.Add(1)
}
