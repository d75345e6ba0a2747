// Package rendezvous implements the shared address-book service nodes use
// to find each other without the pubsub backend: an in-memory registry for
// single-process topologies and an HTTP server/client pair so multiple
// processes can share one book.
package rendezvous

import (
	"sort"
	"sync"
	"time"
)

// Record is one address-book entry.
type Record struct {
	NodeID    string            `json:"node_id"`
	Address   string            `json:"address"`
	PublicKey []byte            `json:"public_key,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	LastSeen  float64           `json:"last_seen"`
}

// Registry is the rendezvous surface. Implementations are safe for
// concurrent use by multiple node instances.
type Registry interface {
	// Register upserts a record, optionally attaching a public key.
	Register(nodeID, address string, publicKey []byte, metadata map[string]string) error

	// Heartbeat refreshes a record, creating it if absent. It never
	// attaches a public key.
	Heartbeat(nodeID, address string, metadata map[string]string) error

	// GetPeers purges expired records, then returns the most recently
	// seen records up to limit, excluding the given node id.
	GetPeers(exclude string, limit int) ([]Record, error)

	// Size purges expired records and returns the remaining count.
	Size() (int, error)
}

type entry struct {
	record   Record
	lastSeen time.Time
}

// InMemory is the process-local registry. TTL eviction is lazy: every read
// purges first. That is intentional parity with the reference behavior,
// not a missing background sweeper.
type InMemory struct {
	ttl time.Duration

	mu      sync.Mutex
	records map[string]*entry
}

var _ Registry = (*InMemory)(nil)

func NewInMemory(ttl time.Duration) *InMemory {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &InMemory{
		ttl:     ttl,
		records: make(map[string]*entry),
	}
}

func (m *InMemory) Register(nodeID, address string, publicKey []byte, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[nodeID]
	if !ok {
		e = &entry{record: Record{NodeID: nodeID}}
		m.records[nodeID] = e
	}
	if len(publicKey) > 0 {
		e.record.PublicKey = append([]byte(nil), publicKey...)
	}
	m.touchLocked(e, address, metadata)
	return nil
}

func (m *InMemory) Heartbeat(nodeID, address string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[nodeID]
	if !ok {
		e = &entry{record: Record{NodeID: nodeID}}
		m.records[nodeID] = e
	}
	m.touchLocked(e, address, metadata)
	return nil
}

func (m *InMemory) touchLocked(e *entry, address string, metadata map[string]string) {
	if address != "" {
		e.record.Address = address
	}
	if metadata != nil {
		md := make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
		e.record.Metadata = md
	}
	now := time.Now()
	e.lastSeen = now
	e.record.LastSeen = float64(now.UnixNano()) / float64(time.Second)
}

func (m *InMemory) purgeLocked() {
	threshold := time.Now().Add(-m.ttl)
	for id, e := range m.records {
		if e.lastSeen.Before(threshold) {
			delete(m.records, id)
		}
	}
}

func (m *InMemory) GetPeers(exclude string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeLocked()

	peers := make([]Record, 0, len(m.records))
	for _, e := range m.records {
		if e.record.NodeID == exclude {
			continue
		}
		peers = append(peers, e.record)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].LastSeen > peers[j].LastSeen
	})
	if limit < 1 {
		limit = 1
	}
	if len(peers) > limit {
		peers = peers[:limit]
	}
	return peers, nil
}

func (m *InMemory) Size() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeLocked()
	return len(m.records), nil
}
