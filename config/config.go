package config

import (
	"time"
)

type Config struct {
	// Node configuration
	NodeID   string `json:"node_id"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`

	// Discovery configuration
	Discovery DiscoveryConfig `json:"discovery"`

	// Rendezvous configuration
	Rendezvous RendezvousConfig `json:"rendezvous"`

	// Crypto configuration
	Crypto CryptoConfig `json:"crypto"`

	// API configuration
	API APIConfig `json:"api"`
}

type DiscoveryConfig struct {
	// HeartbeatInterval is how often a signed presence envelope is broadcast.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// PeerTimeout is the liveness window: a peer not heartbeated within it
	// is reported as not alive.
	PeerTimeout time.Duration `json:"peer_timeout"`
	// Topic is the pubsub topic heartbeats are published on.
	Topic string `json:"topic"`
	// ListenPort for the libp2p host. 0 picks an ephemeral port.
	ListenPort int `json:"listen_port"`
	// BootstrapPeers are multiaddrs dialed when the pubsub backend connects.
	BootstrapPeers []string `json:"bootstrap_peers"`
	// EnablePubSub selects the libp2p backend; when false the service runs
	// on the in-process local backend only.
	EnablePubSub bool `json:"enable_pubsub"`
	// InboundQueueSize bounds the hand-off channel between the subscribe
	// worker and the inbound processor.
	InboundQueueSize int `json:"inbound_queue_size"`
	// MessageLogSize bounds the in-memory message log.
	MessageLogSize int `json:"message_log_size"`
	// BroadcastRate and BroadcastBurst feed the outbound rate limiter.
	BroadcastRate  float64 `json:"broadcast_rate"`
	BroadcastBurst int     `json:"broadcast_burst"`
	// LatencyWarn and FailureThreshold configure the backend health monitor.
	LatencyWarn      time.Duration `json:"latency_warn"`
	FailureThreshold int           `json:"failure_threshold"`
	// ShutdownTimeout bounds the wait for the subscribe worker on Stop.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type RendezvousConfig struct {
	// URL of a shared rendezvous service. Empty means no rendezvous, unless
	// an in-process registry is injected directly (tests, single-process
	// multi-node pilots).
	URL string `json:"url"`
	// TTL after which unrefreshed records are purged.
	TTL time.Duration `json:"ttl"`
	// PeerLimit caps how many records a single get_peers call returns.
	PeerLimit int `json:"peer_limit"`
	// Serve starts an embedded rendezvous HTTP server on Addr so other
	// nodes can bootstrap against this one.
	Serve bool   `json:"serve"`
	Addr  string `json:"addr"`
}

type CryptoConfig struct {
	// Scheme is "ed25519" (default) or "hmac".
	Scheme string `json:"scheme"`
	// SharedSecret is only used by the hmac scheme.
	SharedSecret string `json:"shared_secret,omitempty"`
	// AllowInsecure must be set to use the hmac scheme. HMAC over a shared
	// secret is not asymmetric and is for dev/test environments only.
	AllowInsecure bool `json:"allow_insecure"`
}

type APIConfig struct {
	ListenAddr string `json:"listen_addr"`
	EnableCORS bool   `json:"enable_cors"`
}

// Load returns a default configuration
// TODO: Add file-based configuration loading
func Load() (*Config, error) {
	return &Config{
		NodeID:   "",
		DataDir:  "./data",
		LogLevel: "info",
		Discovery: DiscoveryConfig{
			HeartbeatInterval: 15 * time.Second,
			PeerTimeout:       60 * time.Second,
			Topic:             "omniswarm-discovery",
			ListenPort:        0,
			BootstrapPeers:    []string{},
			EnablePubSub:      true,
			InboundQueueSize:  256,
			MessageLogSize:    512,
			BroadcastRate:     100,
			BroadcastBurst:    200,
			LatencyWarn:       1500 * time.Millisecond,
			FailureThreshold:  2,
			ShutdownTimeout:   5 * time.Second,
		},
		Rendezvous: RendezvousConfig{
			URL:       "",
			TTL:       30 * time.Second,
			PeerLimit: 50,
			Serve:     false,
			Addr:      ":7946",
		},
		Crypto: CryptoConfig{
			Scheme:        "ed25519",
			AllowInsecure: false,
		},
		API: APIConfig{
			ListenAddr: ":8645",
			EnableCORS: true,
		},
	}, nil
}
