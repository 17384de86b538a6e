package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrustMesh/internal/mesh"
)

func meshConfig(t *testing.T) mesh.Config {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return mesh.Config{Signer: priv, ListenAddr: "127.0.0.1:0"}
}

func TestNegotiatePrefersExternal(t *testing.T) {
	srv := miniredis.RunT(t)

	ps, capability := Negotiate(context.Background(), Config{
		RedisURL: "redis://" + srv.Addr(),
		Mesh:     meshConfig(t),
	})
	defer ps.Close()

	assert.Equal(t, External, capability)
	assert.IsType(t, &Redis{}, ps)
}

func TestNegotiateFallsBackToEmbedded(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	ps, capability := Negotiate(context.Background(), Config{
		RedisURL:     "redis://" + addr,
		ProbeTimeout: 200 * time.Millisecond,
		Mesh:         meshConfig(t),
	})
	defer ps.Close()

	assert.Equal(t, Embedded, capability)
	assert.IsType(t, &mesh.Mesh{}, ps)
}

func TestNegotiateUnavailable(t *testing.T) {
	ps, capability := Negotiate(context.Background(), Config{})

	assert.Equal(t, Unavailable, capability)
	assert.ErrorIs(t, ps.Publish(context.Background(), "t", []byte("x")), ErrUnavailable)
	assert.NoError(t, ps.Subscribe("t", func([]byte) {}))
	assert.NoError(t, ps.Close())
}

func TestCapabilityString(t *testing.T) {
	assert.Equal(t, "external", External.String())
	assert.Equal(t, "embedded", Embedded.String())
	assert.Equal(t, "unavailable", Unavailable.String())
}

func TestRedisPublishSubscribe(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	sub, err := DialRedis(ctx, "redis://"+srv.Addr())
	require.NoError(t, err)
	defer sub.Close()

	pub, err := DialRedis(ctx, "redis://"+srv.Addr())
	require.NoError(t, err)
	defer pub.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	require.NoError(t, sub.Subscribe("trustmesh/statements", func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}))

	require.NoError(t, pub.Publish(ctx, "trustmesh/statements", []byte("one")))
	require.NoError(t, pub.Publish(ctx, "trustmesh/statements", []byte("two")))
	require.NoError(t, pub.Publish(ctx, "elsewhere", []byte("ignored")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"one", "two"}, got)
	mu.Unlock()
}

func TestRedisSubscribeAfterClose(t *testing.T) {
	srv := miniredis.RunT(t)

	r, err := DialRedis(context.Background(), "redis://"+srv.Addr())
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Error(t, r.Subscribe("t", func([]byte) {}))
}

func TestDialRedisRejectsBadURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "not a url")
	assert.Error(t, err)
}
