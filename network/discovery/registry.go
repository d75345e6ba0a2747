package discovery

import (
	"bytes"
	"encoding/base64"
	"sync"
	"time"
)

// Peer is a node known to the registry.
type Peer struct {
	NodeID    string
	Address   string
	PublicKey []byte
	// KeyPinned marks PublicKey as trust-on-first-use pinned: it was the
	// key behind the first successfully verified envelope from this node
	// and is never overwritten by later envelopes. An unpinned key is an
	// advisory hint (e.g. from a rendezvous record).
	KeyPinned bool
	LastSeen  time.Time
}

// Alive reports whether the peer was seen within timeout.
func (p *Peer) Alive(timeout time.Duration) bool {
	return time.Since(p.LastSeen) < timeout
}

// PeerInfo is the JSON view of a peer returned by queries and the ops API.
type PeerInfo struct {
	NodeID    string  `json:"node_id"`
	Address   string  `json:"address"`
	PublicKey string  `json:"public_key,omitempty"`
	LastSeen  float64 `json:"last_seen"`
	Alive     bool    `json:"alive"`
	KeyPinned bool    `json:"key_pinned"`
}

// Registry is the in-memory map of known peers. All mutation happens from
// the discovery service's run goroutine; the RWMutex exists so stats and
// API callers on other goroutines can take consistent snapshots.
type Registry struct {
	mu          sync.RWMutex
	self        string
	peerTimeout time.Duration
	peers       map[string]*Peer
}

func NewRegistry(self string, peerTimeout time.Duration) *Registry {
	return &Registry{
		self:        self,
		peerTimeout: peerTimeout,
		peers:       make(map[string]*Peer),
	}
}

// Touch inserts or refreshes a peer and updates last_seen. A public key is
// only stored when the peer has none yet; a pinned key is never replaced
// here (see Pin).
func (r *Registry) Touch(nodeID, address string, publicKey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		p = &Peer{NodeID: nodeID}
		r.peers[nodeID] = p
	}
	if address != "" {
		p.Address = address
	}
	if len(publicKey) > 0 && !p.KeyPinned && len(p.PublicKey) == 0 {
		p.PublicKey = append([]byte(nil), publicKey...)
	}
	p.LastSeen = time.Now()
}

// Pin records key as the trusted key for nodeID. The first pin wins:
// pinning again with a different key is refused and reported false.
func (r *Registry) Pin(nodeID string, key []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		p = &Peer{NodeID: nodeID}
		r.peers[nodeID] = p
	}
	if p.KeyPinned {
		return bytes.Equal(p.PublicKey, key)
	}
	p.PublicKey = append([]byte(nil), key...)
	p.KeyPinned = true
	return true
}

// PinnedKey returns the pinned key for nodeID, if one exists.
func (r *Registry) PinnedKey(nodeID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[nodeID]
	if !ok || !p.KeyPinned {
		return nil, false
	}
	return append([]byte(nil), p.PublicKey...), true
}

// Remove deletes a peer. Removing the local node is a no-op: the registry
// never evicts its own entry this way.
func (r *Registry) Remove(nodeID string) {
	if nodeID == r.self {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, nodeID)
}

// Peers returns a snapshot, optionally filtered to peers inside the
// liveness window.
func (r *Registry) Peers(aliveOnly bool) []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		alive := p.Alive(r.peerTimeout)
		if aliveOnly && !alive {
			continue
		}
		info := PeerInfo{
			NodeID:    p.NodeID,
			Address:   p.Address,
			LastSeen:  float64(p.LastSeen.UnixNano()) / float64(time.Second),
			Alive:     alive,
			KeyPinned: p.KeyPinned,
		}
		if len(p.PublicKey) > 0 {
			info.PublicKey = base64.StdEncoding.EncodeToString(p.PublicKey)
		}
		out = append(out, info)
	}
	return out
}

// AlivePeerIDs returns the node ids of alive peers excluding self, the
// recipient set recorded for outgoing broadcasts.
func (r *Registry) AlivePeerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.peers))
	for _, p := range r.peers {
		if p.NodeID == r.self || !p.Alive(r.peerTimeout) {
			continue
		}
		out = append(out, p.NodeID)
	}
	return out
}

// Count returns the number of alive peers, always excluding self.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.peers {
		if p.NodeID != r.self && p.Alive(r.peerTimeout) {
			n++
		}
	}
	return n
}

// Total returns the number of registered peers including self and peers
// outside the liveness window.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
