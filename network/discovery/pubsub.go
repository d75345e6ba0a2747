package discovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
)

var psLog = logging.Logger("discovery/pubsub")

// PubSubConfig configures the libp2p gossipsub backend.
type PubSubConfig struct {
	ListenPort     int
	BootstrapPeers []string
	Topic          string
	QueueSize      int
}

// PubSubBackend reaches the swarm over a libp2p gossipsub topic, with
// kad-DHT and mDNS peer discovery. The blocking subscription read runs on a
// dedicated goroutine that only writes into a bounded hand-off channel; the
// discovery service's run goroutine is the sole reader.
type PubSubBackend struct {
	cfg PubSubConfig

	host  host.Host
	ps    *pubsub.PubSub
	dht   *dht.IpfsDHT
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	out     chan []byte
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
}

var _ Backend = (*PubSubBackend)(nil)

func NewPubSubBackend(cfg PubSubConfig) *PubSubBackend {
	if cfg.Topic == "" {
		cfg.Topic = "omniswarm-discovery"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubBackend{
		cfg:    cfg,
		out:    make(chan []byte, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (b *PubSubBackend) Name() string { return "pubsub" }

// Connect brings up the libp2p host, joins the gossipsub topic, starts DHT
// and mDNS discovery, and launches the subscribe worker.
func (b *PubSubBackend) Connect(ctx context.Context) error {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", b.cfg.ListenPort)),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(b.ctx, h)
	if err != nil {
		h.Close()
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	kademliaDHT, err := dht.New(b.ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kademliaDHT.Bootstrap(b.ctx); err != nil {
		kademliaDHT.Close()
		h.Close()
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	topic, err := ps.Join(b.cfg.Topic)
	if err != nil {
		kademliaDHT.Close()
		h.Close()
		return fmt.Errorf("failed to join topic %s: %w", b.cfg.Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		kademliaDHT.Close()
		h.Close()
		return fmt.Errorf("failed to subscribe to topic %s: %w", b.cfg.Topic, err)
	}

	b.mu.Lock()
	b.host = h
	b.ps = ps
	b.dht = kademliaDHT
	b.topic = topic
	b.sub = sub
	b.connected = true
	b.mu.Unlock()

	psLog.Infow("pubsub backend connected",
		"peer_id", h.ID().String(), "addrs", h.Addrs(), "topic", b.cfg.Topic)

	b.connectToBootstrapPeers()
	b.startMDNSDiscovery()
	b.startDHTDiscovery()

	go b.readLoop()
	return nil
}

// readLoop is the dedicated worker bridging the blocking subscription into
// the inbound channel. It is the only writer to b.out.
func (b *PubSubBackend) readLoop() {
	defer close(b.done)
	defer close(b.out)

	for {
		msg, err := b.sub.Next(b.ctx)
		if err != nil {
			// Subscription canceled or backend shut down.
			return
		}
		if msg.ReceivedFrom == b.host.ID() {
			continue
		}
		select {
		case b.out <- msg.Data:
		default:
			b.dropped.Add(1)
			psLog.Debugw("inbound queue full, dropping message",
				"dropped_total", b.dropped.Load())
		}
	}
}

func (b *PubSubBackend) Publish(ctx context.Context, raw []byte) error {
	b.mu.Lock()
	topic := b.topic
	connected := b.connected
	b.mu.Unlock()
	if !connected || topic == nil {
		return fmt.Errorf("pubsub backend not connected")
	}
	if err := topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", b.cfg.Topic, err)
	}
	return nil
}

func (b *PubSubBackend) Messages() <-chan []byte { return b.out }

// HealthCheck probes the mesh by listing topic peers. A closed or
// never-connected backend reports an error; latency is the probe duration.
func (b *PubSubBackend) HealthCheck(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	b.mu.Lock()
	connected := b.connected
	closed := b.closed
	topic := b.topic
	b.mu.Unlock()

	if closed || !connected || topic == nil {
		return 0, fmt.Errorf("pubsub backend not connected")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_ = topic.ListPeers()
	return time.Since(start), nil
}

// Dropped returns how many inbound messages were discarded because the
// hand-off channel was full.
func (b *PubSubBackend) Dropped() int64 { return b.dropped.Load() }

// Close tears the backend down and waits briefly for the subscribe worker
// to exit. A worker that outlives the wait is logged, not blocked on.
func (b *PubSubBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	wasConnected := b.sub != nil
	b.mu.Unlock()

	b.cancel()

	if !wasConnected {
		return nil
	}

	b.sub.Cancel()
	if err := b.topic.Close(); err != nil {
		psLog.Warnw("error closing topic", "err", err)
	}
	if err := b.dht.Close(); err != nil {
		psLog.Warnw("error closing DHT", "err", err)
	}
	if err := b.host.Close(); err != nil {
		psLog.Warnw("error closing libp2p host", "err", err)
	}

	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		psLog.Warn("timed out waiting for subscribe worker to exit")
	}
	return nil
}

// connectToBootstrapPeers dials configured bootstrap peers best-effort.
func (b *PubSubBackend) connectToBootstrapPeers() {
	for _, addr := range b.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			psLog.Warnw("invalid bootstrap peer address", "addr", addr, "err", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			psLog.Warnw("invalid bootstrap peer address", "addr", addr, "err", err)
			continue
		}
		if pi.ID == b.host.ID() {
			continue
		}
		go func(pi peer.AddrInfo) {
			connectCtx, connectCancel := context.WithTimeout(b.ctx, 10*time.Second)
			defer connectCancel()
			if err := b.host.Connect(connectCtx, pi); err != nil {
				psLog.Debugw("failed to connect to bootstrap peer", "peer", pi.ID.String(), "err", err)
			} else {
				psLog.Infow("connected to bootstrap peer", "peer", pi.ID.String())
			}
		}(*pi)
	}
}

// HandlePeerFound connects to peers discovered via mDNS.
func (b *PubSubBackend) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == b.host.ID() {
		return
	}
	go func() {
		connectCtx, connectCancel := context.WithTimeout(b.ctx, 10*time.Second)
		defer connectCancel()
		if err := b.host.Connect(connectCtx, pi); err != nil {
			psLog.Debugw("failed to connect to mDNS peer", "peer", pi.ID.String(), "err", err)
		}
	}()
}

func (b *PubSubBackend) startMDNSDiscovery() {
	service := mdns.NewMdnsService(b.host, b.cfg.Topic, b)
	if err := service.Start(); err != nil {
		psLog.Warnw("failed to start mDNS discovery", "err", err)
	}
}

func (b *PubSubBackend) startDHTDiscovery() {
	routingDiscovery := routing.NewRoutingDiscovery(b.dht)
	routingDiscovery.Advertise(b.ctx, b.cfg.Topic)

	go func() {
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(30 * time.Second):
				peerChan, err := routingDiscovery.FindPeers(b.ctx, b.cfg.Topic)
				if err != nil {
					psLog.Debugw("DHT peer discovery failed", "err", err)
					continue
				}
				for pi := range peerChan {
					if pi.ID == b.host.ID() || len(pi.Addrs) == 0 {
						continue
					}
					b.HandlePeerFound(pi)
				}
			}
		}
	}()
}
