// Package discovery implements authenticated peer discovery for a swarm
// node: a TTL-based peer registry, a signed heartbeat protocol over a
// pluggable transport backend, rendezvous-based bootstrap, and backend
// health monitoring with fail-soft degradation to local-only transport.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"github.com/OmniSwarmV1/omni-swarm/config"
	"github.com/OmniSwarmV1/omni-swarm/crypto"
	"github.com/OmniSwarmV1/omni-swarm/crypto/hash"
	"github.com/OmniSwarmV1/omni-swarm/network/envelope"
	"github.com/OmniSwarmV1/omni-swarm/network/rendezvous"
	"github.com/OmniSwarmV1/omni-swarm/storage"
)

var log = logging.Logger("discovery")

// State is the discovery service lifecycle state.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunningLocal
	StateRunningPubSub
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunningLocal:
		return "running_local"
	case StateRunningPubSub:
		return "running_pubsub"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MessageEntry is what message handlers receive and what the message log
// stores.
type MessageEntry struct {
	From       string                 `json:"from"`
	Message    map[string]interface{} `json:"message"`
	Timestamp  float64                `json:"timestamp"`
	Recipients []string               `json:"recipients"`
	Source     string                 `json:"source"`
}

// Handler is a message callback. Panics inside a handler are isolated and
// logged; they never stop the inbound loop.
type Handler func(MessageEntry)

// Options wires a Service. Rendezvous, PeerBook and Backend are optional;
// with no Backend and EnablePubSub false the service runs local-only.
type Options struct {
	NodeID string
	Config config.DiscoveryConfig
	Signer crypto.Signer

	// Rendezvous is the shared address book used for bootstrap alongside
	// (or instead of) the pubsub backend.
	Rendezvous rendezvous.Registry
	// RendezvousPeerLimit caps records pulled per heartbeat tick.
	RendezvousPeerLimit int

	// PeerBook persists TOFU key pins across restarts.
	PeerBook *storage.PeerBook

	// Backend overrides the preferred transport backend. When nil and
	// Config.EnablePubSub is set, a libp2p pubsub backend is built from
	// Config.
	Backend Backend
}

// Service composes the registry, envelope codec, transport backends,
// rendezvous client and health monitor behind a start/stop/broadcast/query
// surface. All registry mutation happens on the single run goroutine; the
// pubsub subscribe worker only writes into the backend's hand-off channel.
type Service struct {
	cfg         config.DiscoveryConfig
	nodeID      string
	signer      crypto.Signer
	fingerprint string

	registry *Registry
	health   *HealthMonitor
	rdv      rendezvous.Registry
	rdvLimit int
	book     *storage.PeerBook

	limiter *rate.Limiter

	mu        sync.RWMutex
	backend   Backend       // active transport
	preferred Backend       // the pubsub backend, when configured
	local     *LocalBackend // universal fallback
	handlers  []Handler
	msgLog    []MessageEntry

	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	signatureFailures atomic.Int64

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewService builds an unstarted discovery service.
func NewService(opts Options) (*Service, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("node id cannot be empty")
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	cfg := opts.Config
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 60 * time.Second
	}
	if cfg.MessageLogSize <= 0 {
		cfg.MessageLogSize = 512
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.BroadcastRate <= 0 {
		cfg.BroadcastRate = 100
	}
	if cfg.BroadcastBurst <= 0 {
		cfg.BroadcastBurst = 200
	}
	rdvLimit := opts.RendezvousPeerLimit
	if rdvLimit <= 0 {
		rdvLimit = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:         cfg,
		nodeID:      opts.NodeID,
		signer:      opts.Signer,
		fingerprint: hash.Fingerprint(opts.NodeID),
		registry:    NewRegistry(opts.NodeID, cfg.PeerTimeout),
		health:      NewHealthMonitor(cfg.LatencyWarn, cfg.FailureThreshold),
		rdv:         opts.Rendezvous,
		rdvLimit:    rdvLimit,
		book:        opts.PeerBook,
		limiter:     rate.NewLimiter(rate.Limit(cfg.BroadcastRate), cfg.BroadcastBurst),
		local:       NewLocalBackend(cfg.InboundQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.backend = s.local
	if opts.Backend != nil {
		s.preferred = opts.Backend
	} else if cfg.EnablePubSub {
		s.preferred = NewPubSubBackend(PubSubConfig{
			ListenPort:     cfg.ListenPort,
			BootstrapPeers: cfg.BootstrapPeers,
			Topic:          cfg.Topic,
			QueueSize:      cfg.InboundQueueSize,
		})
	}
	return s, nil
}

// Start registers the local node, connects the preferred backend (falling
// back to local on failure), and launches the run loop. A stopped service
// cannot be restarted; build a new instance.
func (s *Service) Start() error {
	if !s.state.CompareAndSwap(int32(StateNotStarted), int32(StateStarting)) {
		return fmt.Errorf("discovery service already started (state=%s)", s.State())
	}

	// Self entry: never evicted by Remove, excluded from peer_count.
	s.registry.Touch(s.nodeID, "local", s.signer.PublicKey())

	s.loadPins()

	if s.preferred != nil {
		connectCtx, connectCancel := context.WithTimeout(s.ctx, 15*time.Second)
		start := time.Now()
		err := s.preferred.Connect(connectCtx)
		connectCancel()
		if err != nil {
			log.Warnw("pubsub backend connect failed, falling back to local",
				"node_id", s.nodeID, "err", err)
			s.health.RecordFailure(err)
			s.setState(StateRunningLocal)
		} else {
			s.health.RecordSuccess(time.Since(start))
			s.mu.Lock()
			s.backend = s.preferred
			s.mu.Unlock()
			s.setState(StateRunningPubSub)
		}
	} else {
		s.setState(StateRunningLocal)
	}

	s.registerWithRendezvous()

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.run()

	log.Infow("discovery active", "node_id", s.nodeID, "backend", s.backendName())
	return nil
}

// Stop cancels the run loop, waits for it with a bounded timeout, and
// releases both backends. Idempotent and safe from any state.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.RLock()
		started := s.started
		s.mu.RUnlock()

		s.setState(StateStopped)
		s.cancel()

		if started {
			select {
			case <-s.done:
			case <-time.After(s.cfg.ShutdownTimeout):
				log.Warnw("timed out waiting for discovery run loop to exit",
					"node_id", s.nodeID, "timeout", s.cfg.ShutdownTimeout)
			}
		}

		if s.preferred != nil {
			if err := s.preferred.Close(); err != nil {
				log.Warnw("error closing pubsub backend", "err", err)
			}
		}
		s.local.Close()

		log.Infow("discovery stopped", "node_id", s.nodeID)
	})
	return nil
}

// run is the single owner goroutine: heartbeat ticks, inbound processing
// and registry mutation all happen here.
func (s *Service) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		s.mu.RLock()
		msgs := s.backend.Messages()
		s.mu.RUnlock()

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatTick()
		case raw, ok := <-msgs:
			if !ok {
				s.onMessagesClosed()
				continue
			}
			s.handleInbound(raw)
		}
	}
}

// heartbeatTick builds and broadcasts one signed presence envelope, then
// refreshes the rendezvous book and probes backend health.
func (s *Service) heartbeatTick() {
	hb := envelope.NewHeartbeat(s.nodeID, s.backendName(), s.signer.PublicKey())
	env, err := envelope.Seal(hb, s.signer)
	if err != nil {
		log.Errorw("failed to sign heartbeat", "err", err)
		return
	}
	raw, err := env.Encode()
	if err != nil {
		log.Errorw("failed to encode heartbeat", "err", err)
		return
	}

	s.publish(raw)
	s.syncRendezvous()
	s.checkBackendHealth()
}

// publish sends one raw envelope on the active backend, feeding the health
// monitor when the backend is the pubsub one. Failures never propagate.
func (s *Service) publish(raw []byte) {
	if !s.limiter.Allow() {
		log.Debugw("broadcast rate limit exceeded, skipping publish", "node_id", s.nodeID)
		return
	}

	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()

	pubCtx, pubCancel := context.WithTimeout(s.ctx, 5*time.Second)
	start := time.Now()
	err := backend.Publish(pubCtx, raw)
	pubCancel()

	if err != nil {
		log.Warnw("publish failed", "backend", backend.Name(), "err", err)
		if backend == s.preferred {
			s.health.RecordFailure(err)
			if s.health.Degraded() {
				s.switchToLocal("publish failures")
			}
		}
		return
	}
	if backend == s.preferred {
		s.health.RecordSuccess(time.Since(start))
	}
	s.messagesSent.Add(1)
}

// syncRendezvous refreshes our record and pulls the freshest peer records
// into the registry. Rendezvous keys are advisory hints, never pinned.
func (s *Service) syncRendezvous() {
	if s.rdv == nil {
		return
	}
	meta := map[string]string{"backend": s.backendName(), "fingerprint": s.fingerprint}
	if err := s.rdv.Heartbeat(s.nodeID, s.backendName(), meta); err != nil {
		log.Debugw("rendezvous heartbeat failed", "err", err)
	}
	peers, err := s.rdv.GetPeers(s.nodeID, s.rdvLimit)
	if err != nil {
		log.Debugw("rendezvous get_peers failed", "err", err)
		return
	}
	for _, rec := range peers {
		if rec.NodeID == s.nodeID {
			continue
		}
		s.registry.Touch(rec.NodeID, rec.Address, rec.PublicKey)
	}
}

// checkBackendHealth probes the pubsub backend and degrades to local mode
// once the failure threshold is reached. Known peers are kept.
func (s *Service) checkBackendHealth() {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	if backend != s.preferred || s.preferred == nil {
		return
	}

	checkCtx, checkCancel := context.WithTimeout(s.ctx, 5*time.Second)
	latency, err := backend.HealthCheck(checkCtx)
	checkCancel()

	if err != nil {
		s.health.RecordFailure(err)
		if s.health.Degraded() {
			s.switchToLocal("health check failures")
		}
		return
	}
	s.health.RecordSuccess(latency)
}

// switchToLocal disconnects the degraded pubsub backend and continues on
// the local backend. The registry is untouched: degradation never erases
// already-known peers.
func (s *Service) switchToLocal(reason string) {
	s.mu.Lock()
	if s.backend == s.local {
		s.mu.Unlock()
		return
	}
	old := s.backend
	s.backend = s.local
	s.mu.Unlock()

	s.setState(StateDegraded)
	log.Warnw("pubsub backend degraded, falling back to local transport",
		"node_id", s.nodeID, "reason", reason)

	// Close may wait on the subscribe worker; keep the run loop live.
	go func() {
		if err := old.Close(); err != nil {
			log.Warnw("error closing degraded backend", "err", err)
		}
	}()

	s.setState(StateRunningLocal)
}

// onMessagesClosed handles a closed hand-off channel. During shutdown the
// context cancellation ends the loop; otherwise a dead subscription on the
// pubsub backend forces the local fallback.
func (s *Service) onMessagesClosed() {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	if backend == s.preferred && s.preferred != nil {
		err := fmt.Errorf("subscription closed")
		s.health.RecordFailure(err)
		s.switchToLocal("subscription closed")
		return
	}
	// Local channel closed outside shutdown should not happen; avoid a
	// hot loop regardless.
	select {
	case <-s.ctx.Done():
	case <-time.After(50 * time.Millisecond):
	}
}

// handleInbound verifies and applies one raw envelope: key-pinning
// verification, registry touch, message log append, handler fan-out.
// Verification failures are counted and dropped, never surfaced.
func (s *Service) handleInbound(raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		log.Debugw("dropping undecodable message", "err", err)
		return
	}
	p := env.Payload

	pinned, hasPin := s.registry.PinnedKey(p.NodeID)
	candidate := p.PublicKey
	if hasPin {
		// Once pinned, the pinned key always wins over whatever the
		// envelope claims to carry.
		candidate = pinned
	}
	if !env.Verify(s.signer, candidate) {
		s.signatureFailures.Add(1)
		log.Debugw("signature verification failed", "from", p.NodeID, "pinned", hasPin)
		return
	}
	if p.NodeID == s.nodeID {
		return
	}

	s.registry.Touch(p.NodeID, p.Address, p.PublicKey)
	if !hasPin && len(candidate) > 0 {
		if s.registry.Pin(p.NodeID, candidate) {
			s.persistPin(p, candidate)
		}
	}
	s.messagesReceived.Add(1)

	entry := MessageEntry{
		From:       p.NodeID,
		Message:    messageBody(p),
		Timestamp:  p.Timestamp,
		Recipients: []string{s.nodeID},
		Source:     s.backendName(),
	}
	s.appendLog(entry)
	s.dispatch(entry)
}

func messageBody(p envelope.Payload) map[string]interface{} {
	body := make(map[string]interface{}, len(p.Data)+1)
	for k, v := range p.Data {
		body[k] = v
	}
	if _, ok := body["type"]; !ok {
		body["type"] = p.Type
	}
	return body
}

func (s *Service) persistPin(p envelope.Payload, key []byte) {
	if s.book == nil {
		return
	}
	err := s.book.PutPin(storage.PinRecord{
		NodeID:      p.NodeID,
		PublicKey:   key,
		Address:     p.Address,
		FirstPinned: envelope.Now(),
		LastSeen:    p.Timestamp,
	})
	if err != nil {
		log.Warnw("failed to persist key pin", "node_id", p.NodeID, "err", err)
	}
}

func (s *Service) loadPins() {
	if s.book == nil {
		return
	}
	pins, err := s.book.Pins()
	if err != nil {
		log.Warnw("failed to load key pins", "err", err)
		return
	}
	for _, rec := range pins {
		s.registry.Pin(rec.NodeID, rec.PublicKey)
	}
	if len(pins) > 0 {
		log.Infow("restored pinned peer keys", "count", len(pins))
	}
}

func (s *Service) registerWithRendezvous() {
	if s.rdv == nil {
		return
	}
	meta := map[string]string{"backend": s.backendName(), "fingerprint": s.fingerprint}
	if err := s.rdv.Register(s.nodeID, s.backendName(), s.signer.PublicKey(), meta); err != nil {
		log.Warnw("rendezvous register failed", "err", err)
	}
}

// Broadcast signs and publishes a free-form message, records it in the
// message log, and delivers it to local handlers. Backend publish failures
// degrade the backend; they do not fail the broadcast.
func (s *Service) Broadcast(message map[string]interface{}) error {
	if !s.Running() {
		return fmt.Errorf("discovery service not running")
	}

	typ := "message"
	if v, ok := message["type"].(string); ok && v != "" {
		typ = v
	}
	p := envelope.Payload{
		Type:      typ,
		NodeID:    s.nodeID,
		Address:   s.backendName(),
		PublicKey: s.signer.PublicKey(),
		Timestamp: envelope.Now(),
		Data:      message,
	}
	env, err := envelope.Seal(p, s.signer)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	s.publish(raw)

	entry := MessageEntry{
		From:       s.nodeID,
		Message:    message,
		Timestamp:  p.Timestamp,
		Recipients: s.registry.AlivePeerIDs(),
		Source:     s.backendName(),
	}
	s.appendLog(entry)
	s.dispatch(entry)
	return nil
}

// OnMessage registers a handler invoked for every broadcast sent or
// received.
func (s *Service) OnMessage(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Service) dispatch(entry MessageEntry) {
	s.mu.RLock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warnw("message handler panicked", "panic", r)
				}
			}()
			h(entry)
		}()
	}
}

func (s *Service) appendLog(entry MessageEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgLog = append(s.msgLog, entry)
	if len(s.msgLog) > s.cfg.MessageLogSize {
		overflow := len(s.msgLog) - s.cfg.MessageLogSize
		s.msgLog = append([]MessageEntry(nil), s.msgLog[overflow:]...)
	}
}

// MessageLog returns a copy of the bounded message log.
func (s *Service) MessageLog() []MessageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MessageEntry, len(s.msgLog))
	copy(out, s.msgLog)
	return out
}

// GetPeers returns known peers, optionally filtered to alive ones.
func (s *Service) GetPeers(aliveOnly bool) []PeerInfo {
	return s.registry.Peers(aliveOnly)
}

// PeerCount returns the number of alive peers excluding this node.
func (s *Service) PeerCount() int {
	return s.registry.Count()
}

// RemovePeer drops a peer from the registry. Removing self is a no-op.
func (s *Service) RemovePeer(nodeID string) {
	s.registry.Remove(nodeID)
}

// NodeID returns the local node identity.
func (s *Service) NodeID() string { return s.nodeID }

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Running reports whether the run loop is live.
func (s *Service) Running() bool {
	switch s.State() {
	case StateRunningLocal, StateRunningPubSub, StateDegraded:
		return true
	default:
		return false
	}
}

// Health exposes the backend health monitor.
func (s *Service) Health() *HealthMonitor { return s.health }

func (s *Service) setState(st State) {
	// Stopped is terminal.
	if State(s.state.Load()) == StateStopped && st != StateStopped {
		return
	}
	s.state.Store(int32(st))
}

func (s *Service) backendName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Name()
}

// GetStats returns the stats surface consumed by ops reporting.
func (s *Service) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"node_id":            s.nodeID,
		"running":            s.Running(),
		"state":              s.State().String(),
		"backend":            s.backendName(),
		"total_peers":        s.registry.Total(),
		"alive_peers":        s.registry.Count(),
		"messages_sent":      s.messagesSent.Load(),
		"messages_received":  s.messagesReceived.Load(),
		"signature_failures": s.signatureFailures.Load(),
		"crypto_backend":     s.signer.Scheme(),
		"fingerprint":        s.fingerprint,
		"ipfs_health":        s.health.Snapshot(),
	}
}
