// Package transport selects the publish/subscribe service used for
// replication. The choice is made once at startup.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TrustMesh/internal/logger"
	"TrustMesh/internal/mesh"
)

// defaultProbeTimeout bounds the external service health probe.
const defaultProbeTimeout = 2 * time.Second

// ErrUnavailable is returned by Publish when no transport could be set up.
var ErrUnavailable = errors.New("replication transport unavailable")

// PubSub is a topic-based publish/subscribe service.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, fn func(data []byte)) error
	Close() error
}

// Capability is the outcome of negotiation.
type Capability int

const (
	// Unavailable means replication is disabled; local operations continue.
	Unavailable Capability = iota

	// Embedded is the node's own QUIC mesh.
	Embedded

	// External is a Redis pub/sub server.
	External
)

// String returns "unavailable", "embedded" or "external".
func (c Capability) String() string {
	switch c {
	case External:
		return "external"
	case Embedded:
		return "embedded"
	default:
		return "unavailable"
	}
}

// Config lists the candidate transports in preference order.
type Config struct {
	RedisURL     string        // RedisURL enables the external service when set
	ProbeTimeout time.Duration // ProbeTimeout bounds the Redis PING
	Mesh         mesh.Config   // Mesh enables the embedded mesh when ListenAddr is set
}

// Negotiate picks the first working transport: external, then embedded,
// then unavailable. It never fails; an unusable candidate is logged and
// skipped.
func Negotiate(ctx context.Context, cfg Config) (PubSub, Capability) {
	log := logger.WithComponent("transport")

	if cfg.RedisURL != "" {
		timeout := cfg.ProbeTimeout
		if timeout <= 0 {
			timeout = defaultProbeTimeout
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		r, err := DialRedis(probeCtx, cfg.RedisURL)
		cancel()

		if err == nil {
			log.Info("transport negotiated", "capability", External, "redis", cfg.RedisURL)
			return r, External
		}

		log.Warn("external pub/sub unreachable", "redis", cfg.RedisURL, "error", err)
	}

	if cfg.Mesh.ListenAddr != "" {
		m, err := startMesh(cfg.Mesh)
		if err == nil {
			log.Info("transport negotiated", "capability", Embedded, "addr", m.Addr())
			return m, Embedded
		}

		log.Warn("embedded mesh failed to start", "addr", cfg.Mesh.ListenAddr, "error", err)
	}

	log.Warn("transport negotiated", "capability", Unavailable)

	return Disabled{}, Unavailable
}

func startMesh(cfg mesh.Config) (*mesh.Mesh, error) {
	m, err := mesh.New(cfg)
	if err != nil {
		return nil, err
	}

	if err := m.Start(); err != nil {
		return nil, fmt.Errorf("start mesh:\n%w", err)
	}

	return m, nil
}

// Disabled is the transport of an Unavailable node.
type Disabled struct{}

// Publish always fails with ErrUnavailable.
func (Disabled) Publish(context.Context, string, []byte) error { return ErrUnavailable }

// Subscribe accepts and ignores the handler.
func (Disabled) Subscribe(string, func([]byte)) error { return nil }

// Close does nothing.
func (Disabled) Close() error { return nil }
