package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmniSwarmV1/omni-swarm/config"
	"github.com/OmniSwarmV1/omni-swarm/crypto"
	"github.com/OmniSwarmV1/omni-swarm/network/envelope"
	"github.com/OmniSwarmV1/omni-swarm/network/rendezvous"
)

// fakeBackend is a scriptable pubsub stand-in for failure-path tests.
type fakeBackend struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	healthErr  error
	out        chan []byte
	published  [][]byte
	closed     bool
}

var _ Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{out: make(chan []byte, 16)}
}

func (f *fakeBackend) Name() string { return "pubsub" }

func (f *fakeBackend) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeBackend) Publish(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, raw)
	return nil
}

func (f *fakeBackend) Messages() <-chan []byte { return f.out }

func (f *fakeBackend) HealthCheck(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return 0, f.healthErr
	}
	return time.Millisecond, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

func testConfig(interval time.Duration) config.DiscoveryConfig {
	return config.DiscoveryConfig{
		HeartbeatInterval: interval,
		PeerTimeout:       60 * time.Second,
		InboundQueueSize:  64,
		MessageLogSize:    64,
		FailureThreshold:  2,
	}
}

func newTestService(t *testing.T, nodeID string, opts Options) *Service {
	t.Helper()
	if opts.NodeID == "" {
		opts.NodeID = nodeID
	}
	if opts.Signer == nil {
		signer, err := crypto.NewEd25519Signer()
		require.NoError(t, err)
		opts.Signer = signer
	}
	if opts.Config.HeartbeatInterval == 0 {
		opts.Config = testConfig(time.Hour)
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func TestServiceRejectsBadOptions(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	_, err = NewService(Options{Signer: signer})
	require.Error(t, err)

	_, err = NewService(Options{NodeID: "node-a"})
	require.Error(t, err)
}

func TestServiceLocalLifecycle(t *testing.T) {
	s := newTestService(t, "node-a", Options{})

	assert.Equal(t, StateNotStarted, s.State())
	assert.False(t, s.Running())

	require.NoError(t, s.Start())
	assert.Equal(t, StateRunningLocal, s.State())
	assert.True(t, s.Running())

	stats := s.GetStats()
	assert.Equal(t, "node-a", stats["node_id"])
	assert.Equal(t, true, stats["running"])
	assert.Equal(t, "local", stats["backend"])
	assert.Equal(t, "ed25519", stats["crypto_backend"])
	assert.NotEmpty(t, stats["fingerprint"])
	assert.IsType(t, map[string]interface{}{}, stats["ipfs_health"])

	require.Error(t, s.Start(), "double start is refused")

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, s.Running())

	require.Error(t, s.Start(), "a stopped service cannot be restarted")
}

func TestThreeNodesConvergeViaRendezvous(t *testing.T) {
	rdv := rendezvous.NewInMemory(30 * time.Second)

	var services []*Service
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		s := newTestService(t, id, Options{
			NodeID:     id,
			Config:     testConfig(20 * time.Millisecond),
			Rendezvous: rdv,
		})
		require.NoError(t, s.Start())
		services = append(services, s)
	}

	require.Eventually(t, func() bool {
		for _, s := range services {
			if s.PeerCount() < 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "every node should see the other two")

	size, err := rdv.Size()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	for _, s := range services {
		require.NoError(t, s.Stop())
	}
}

func TestConnectFailureFallsBackToLocal(t *testing.T) {
	fb := newFakeBackend()
	fb.connectErr = errors.New("dial refused")

	s := newTestService(t, "node-a", Options{Backend: fb})
	require.NoError(t, s.Start())

	assert.Equal(t, StateRunningLocal, s.State())
	assert.True(t, s.Running(), "startup never fails on backend trouble")
	assert.Equal(t, "local", s.GetStats()["backend"])
}

func TestHealthDegradationSwitchesToLocal(t *testing.T) {
	fb := newFakeBackend()
	s := newTestService(t, "node-a", Options{
		NodeID:  "node-a",
		Config:  testConfig(15 * time.Millisecond),
		Backend: fb,
	})
	require.NoError(t, s.Start())
	assert.Equal(t, StateRunningPubSub, s.State())

	// A peer learned while the pubsub backend was healthy.
	s.registry.Touch("peer-keep", "pubsub", nil)

	fb.mu.Lock()
	fb.publishErr = errors.New("mesh unreachable")
	fb.healthErr = errors.New("mesh unreachable")
	fb.mu.Unlock()

	require.Eventually(t, func() bool {
		return s.GetStats()["backend"] == "local"
	}, 2*time.Second, 10*time.Millisecond, "repeated failures must force the local fallback")

	assert.True(t, s.Health().Degraded())
	assert.True(t, s.Running())

	found := false
	for _, p := range s.GetPeers(false) {
		if p.NodeID == "peer-keep" {
			found = true
		}
	}
	assert.True(t, found, "degradation must not erase known peers")
}

func TestClosedSubscriptionTriggersFallback(t *testing.T) {
	fb := newFakeBackend()
	s := newTestService(t, "node-a", Options{
		NodeID:  "node-a",
		Config:  testConfig(time.Hour),
		Backend: fb,
	})
	require.NoError(t, s.Start())
	assert.Equal(t, StateRunningPubSub, s.State())

	fb.Close()

	require.Eventually(t, func() bool {
		return s.GetStats()["backend"] == "local"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Running())
}

func TestInboundVerificationAndPinning(t *testing.T) {
	s := newTestService(t, "alice", Options{})
	require.NoError(t, s.Start())

	bob, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	mallory, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	inject := func(env envelope.Envelope) {
		raw, err := env.Encode()
		require.NoError(t, err)
		require.NoError(t, s.local.Publish(context.Background(), raw))
	}

	// A valid heartbeat from bob registers him and pins his key.
	env, err := envelope.Seal(envelope.NewHeartbeat("bob", "pubsub", bob.PublicKey()), bob)
	require.NoError(t, err)
	inject(env)

	require.Eventually(t, func() bool { return s.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	key, pinned := s.registry.PinnedKey("bob")
	require.True(t, pinned)
	assert.Equal(t, bob.PublicKey(), key)

	// Mallory claims bob's identity under her own key. The pinned key wins
	// and the envelope is counted as a signature failure.
	forged, err := envelope.Seal(envelope.NewHeartbeat("bob", "pubsub", mallory.PublicKey()), mallory)
	require.NoError(t, err)
	inject(forged)

	require.Eventually(t, func() bool {
		return s.GetStats()["signature_failures"].(int64) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	key, _ = s.registry.PinnedKey("bob")
	assert.Equal(t, bob.PublicKey(), key, "pinned key survives impersonation attempts")

	// Garbage on the wire is dropped without side effects.
	require.NoError(t, s.local.Publish(context.Background(), []byte("not an envelope")))

	// Only bob's valid envelope counts as received.
	assert.Equal(t, int64(1), s.GetStats()["messages_received"])
}

func TestBroadcastDeliversLocallyAndLogs(t *testing.T) {
	s := newTestService(t, "node-a", Options{})

	err := s.Broadcast(map[string]interface{}{"type": "task"})
	require.Error(t, err, "broadcast before start is refused")

	require.NoError(t, s.Start())

	var got atomic.Value
	s.OnMessage(func(entry MessageEntry) {
		got.Store(entry)
	})

	require.NoError(t, s.Broadcast(map[string]interface{}{
		"type": "task",
		"body": "render shard 3",
	}))

	entry, ok := got.Load().(MessageEntry)
	require.True(t, ok, "handler runs synchronously with broadcast")
	assert.Equal(t, "node-a", entry.From)
	assert.Equal(t, "task", entry.Message["type"])
	assert.Equal(t, "local", entry.Source)

	log := s.MessageLog()
	require.Len(t, log, 1)
	assert.Equal(t, "node-a", log[0].From)

	assert.Equal(t, int64(1), s.GetStats()["messages_sent"])

	require.NoError(t, s.Stop())
	require.Error(t, s.Broadcast(map[string]interface{}{"type": "late"}))
}

func TestHandlerPanicIsolation(t *testing.T) {
	s := newTestService(t, "node-a", Options{})
	require.NoError(t, s.Start())

	var calls atomic.Int64
	s.OnMessage(func(MessageEntry) { panic("handler bug") })
	s.OnMessage(func(MessageEntry) { calls.Add(1) })

	require.NoError(t, s.Broadcast(map[string]interface{}{"type": "a"}))
	require.NoError(t, s.Broadcast(map[string]interface{}{"type": "b"}))

	assert.Equal(t, int64(2), calls.Load(), "panicking handler must not block the others")
	assert.True(t, s.Running())
}

func TestMessageLogIsBounded(t *testing.T) {
	cfg := testConfig(time.Hour)
	cfg.MessageLogSize = 3
	s := newTestService(t, "node-a", Options{NodeID: "node-a", Config: cfg})
	require.NoError(t, s.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Broadcast(map[string]interface{}{"seq": i}))
	}

	log := s.MessageLog()
	require.Len(t, log, 3)
	assert.Equal(t, 4, log[2].Message["seq"], "log keeps the newest entries")
}

func TestQueriesOnUnknownPeers(t *testing.T) {
	s := newTestService(t, "node-a", Options{})
	require.NoError(t, s.Start())

	assert.Equal(t, 0, s.PeerCount())
	key, pinned := s.registry.PinnedKey("ghost")
	assert.Nil(t, key)
	assert.False(t, pinned)

	s.RemovePeer("ghost") // no-op, no panic
	s.RemovePeer("node-a")
	assert.GreaterOrEqual(t, s.registry.Total(), 1, "self entry survives removal")
}
