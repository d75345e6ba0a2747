// Package node wires the full swarm node together: signer, peer book,
// rendezvous, discovery service and ops API, built from one Config.
package node

import (
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/OmniSwarmV1/omni-swarm/api"
	"github.com/OmniSwarmV1/omni-swarm/config"
	"github.com/OmniSwarmV1/omni-swarm/crypto"
	"github.com/OmniSwarmV1/omni-swarm/crypto/hash"
	"github.com/OmniSwarmV1/omni-swarm/network/discovery"
	"github.com/OmniSwarmV1/omni-swarm/network/rendezvous"
	"github.com/OmniSwarmV1/omni-swarm/storage"
)

var log = logging.Logger("node")

// HealthSnapshot is the coarse node health view used by operators and the
// CLI status output.
type HealthSnapshot struct {
	NodeID        string  `json:"node_id"`
	Status        string  `json:"status"` // "healthy" or "degraded"
	P2PRunning    bool    `json:"p2p_running"`
	Backend       string  `json:"backend"`
	AlivePeers    int     `json:"alive_peers"`
	TotalPeers    int     `json:"total_peers"`
	Fingerprint   string  `json:"fingerprint"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Node owns the lifecycle of every subsystem.
type Node struct {
	cfg    config.Config
	signer crypto.Signer

	book      *storage.PeerBook
	rdvServer *rendezvous.Server
	discovery *discovery.Service
	apiServer *api.Server

	startedAt time.Time

	mu      sync.Mutex
	running bool
}

// New builds an unstarted node from cfg. The crypto scheme is fixed here;
// an hmac scheme without AllowInsecure is refused before anything else is
// allocated.
func New(cfg config.Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id cannot be empty")
	}

	signer, err := crypto.NewSigner(cfg.Crypto)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signer: %w", err)
	}

	n := &Node{cfg: cfg, signer: signer}

	if cfg.DataDir != "" {
		book, err := storage.OpenPeerBook(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		n.book = book
	}

	var rdv rendezvous.Registry
	switch {
	case cfg.Rendezvous.URL != "":
		rdv = rendezvous.NewClient(cfg.Rendezvous.URL)
	case cfg.Rendezvous.Serve:
		registry := rendezvous.NewInMemory(cfg.Rendezvous.TTL)
		n.rdvServer = rendezvous.NewServer(registry)
		rdv = registry
	default:
		rdv = rendezvous.NewInMemory(cfg.Rendezvous.TTL)
	}

	svc, err := discovery.NewService(discovery.Options{
		NodeID:              cfg.NodeID,
		Config:              cfg.Discovery,
		Signer:              signer,
		Rendezvous:          rdv,
		RendezvousPeerLimit: cfg.Rendezvous.PeerLimit,
		PeerBook:            n.book,
	})
	if err != nil {
		if n.book != nil {
			n.book.Close()
		}
		return nil, err
	}
	n.discovery = svc
	n.apiServer = api.NewServer(cfg.API, svc)
	return n, nil
}

// Start brings the node up: rendezvous server (when serving), discovery,
// then the ops API.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node already running")
	}

	if n.rdvServer != nil {
		go func() {
			if err := n.rdvServer.Start(n.cfg.Rendezvous.Addr); err != nil {
				log.Warnw("rendezvous server stopped", "err", err)
			}
		}()
	}

	if err := n.discovery.Start(); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	go func() {
		if err := n.apiServer.Start(); err != nil {
			log.Warnw("api server stopped", "err", err)
		}
	}()

	n.startedAt = time.Now()
	n.running = true
	log.Infow("node started",
		"node_id", n.cfg.NodeID,
		"fingerprint", hash.Fingerprint(n.cfg.NodeID),
		"crypto", n.signer.Scheme())
	return nil
}

// Stop shuts everything down in reverse start order. Idempotent.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	n.running = false

	if err := n.apiServer.Stop(); err != nil {
		log.Warnw("error stopping api server", "err", err)
	}
	if err := n.discovery.Stop(); err != nil {
		log.Warnw("error stopping discovery", "err", err)
	}
	if n.rdvServer != nil {
		if err := n.rdvServer.Stop(); err != nil {
			log.Warnw("error stopping rendezvous server", "err", err)
		}
	}
	if n.book != nil {
		if err := n.book.Close(); err != nil {
			log.Warnw("error closing peer book", "err", err)
		}
	}
	log.Infow("node stopped", "node_id", n.cfg.NodeID)
	return nil
}

// Discovery exposes the discovery service for embedding callers.
func (n *Node) Discovery() *discovery.Service { return n.discovery }

// Health returns the coarse node health view. Status is "degraded" while
// the backend health monitor is tripped, "healthy" otherwise.
func (n *Node) Health() HealthSnapshot {
	status := "healthy"
	if n.discovery.Health().Degraded() {
		status = "degraded"
	}
	stats := n.discovery.GetStats()
	backend, _ := stats["backend"].(string)
	return HealthSnapshot{
		NodeID:        n.cfg.NodeID,
		Status:        status,
		P2PRunning:    n.discovery.Running(),
		Backend:       backend,
		AlivePeers:    n.discovery.PeerCount(),
		TotalPeers:    len(n.discovery.GetPeers(false)),
		Fingerprint:   hash.Fingerprint(n.cfg.NodeID),
		UptimeSeconds: time.Since(n.startedAt).Seconds(),
	}
}
