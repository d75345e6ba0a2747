package discovery

import (
	"context"
	"sync"
	"time"
)

// Backend is the transport a discovery service publishes envelopes on and
// receives raw envelopes from. Implementations must never panic across
// this boundary: connect/publish failures come back as errors and are
// absorbed by the caller's health/fallback handling.
type Backend interface {
	// Name is the backend label reported in stats: "local" or "pubsub".
	Name() string

	// Connect establishes the backend. Idempotent connect is not required;
	// a backend is connected at most once per service lifecycle.
	Connect(ctx context.Context) error

	// Publish broadcasts one raw envelope.
	Publish(ctx context.Context, raw []byte) error

	// Messages is the hand-off channel the inbound processor consumes.
	// It is closed when the backend shuts down.
	Messages() <-chan []byte

	// HealthCheck probes the backend, returning the probe latency.
	HealthCheck(ctx context.Context) (time.Duration, error)

	// Close releases all backend resources. Safe to call more than once.
	Close() error
}

// LocalBackend is the in-process transport: no network, publish loops the
// raw message straight back into the local delivery channel. It serves
// offline/test topologies and is the universal fallback when the pubsub
// backend is unavailable or degraded. It never fails.
type LocalBackend struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

var _ Backend = (*LocalBackend)(nil)

func NewLocalBackend(queueSize int) *LocalBackend {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &LocalBackend{ch: make(chan []byte, queueSize)}
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Connect(ctx context.Context) error { return nil }

func (b *LocalBackend) Publish(ctx context.Context, raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	select {
	case b.ch <- raw:
	default:
		// Queue full: drop. Heartbeats self-heal, so losing one is fine.
	}
	return nil
}

func (b *LocalBackend) Messages() <-chan []byte { return b.ch }

func (b *LocalBackend) HealthCheck(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}
