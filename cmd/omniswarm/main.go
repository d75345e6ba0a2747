package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/OmniSwarmV1/omni-swarm/config"
	"github.com/OmniSwarmV1/omni-swarm/node"
)

var log = logging.Logger("main")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	nodeID := flag.String("node-id", "", "node identity (random if empty)")
	dataDir := flag.String("data-dir", cfg.DataDir, "directory for the persistent peer book")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	listenPort := flag.Int("listen-port", cfg.Discovery.ListenPort, "libp2p listen port (0 = ephemeral)")
	heartbeat := flag.Duration("heartbeat", cfg.Discovery.HeartbeatInterval, "heartbeat broadcast interval")
	peerTimeout := flag.Duration("peer-timeout", cfg.Discovery.PeerTimeout, "liveness window for known peers")
	rendezvousTTL := flag.Duration("rendezvous-ttl", cfg.Rendezvous.TTL, "rendezvous record TTL")
	topic := flag.String("topic", cfg.Discovery.Topic, "discovery pubsub topic")
	bootstrap := flag.String("bootstrap", "", "comma-separated bootstrap peer multiaddrs")
	enablePubSub := flag.Bool("pubsub", cfg.Discovery.EnablePubSub, "use the libp2p pubsub backend")
	rendezvousURL := flag.String("rendezvous", "", "URL of a shared rendezvous service")
	serveRendezvous := flag.Bool("serve-rendezvous", false, "serve an embedded rendezvous service")
	rendezvousAddr := flag.String("rendezvous-addr", cfg.Rendezvous.Addr, "embedded rendezvous listen address")
	apiAddr := flag.String("api-addr", cfg.API.ListenAddr, "ops API listen address")
	cryptoScheme := flag.String("crypto", cfg.Crypto.Scheme, "signature scheme (ed25519 or hmac)")
	sharedSecret := flag.String("shared-secret", "", "shared secret for the hmac scheme")
	allowInsecure := flag.Bool("allow-insecure", false, "permit the hmac scheme")
	flag.Parse()

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}

	cfg.NodeID = *nodeID
	if cfg.NodeID == "" {
		cfg.NodeID = randomNodeID()
	}
	cfg.DataDir = *dataDir
	cfg.Discovery.ListenPort = *listenPort
	cfg.Discovery.HeartbeatInterval = *heartbeat
	cfg.Discovery.PeerTimeout = *peerTimeout
	cfg.Rendezvous.TTL = *rendezvousTTL
	cfg.Discovery.Topic = *topic
	cfg.Discovery.EnablePubSub = *enablePubSub
	if *bootstrap != "" {
		cfg.Discovery.BootstrapPeers = strings.Split(*bootstrap, ",")
	}
	cfg.Rendezvous.URL = *rendezvousURL
	cfg.Rendezvous.Serve = *serveRendezvous
	cfg.Rendezvous.Addr = *rendezvousAddr
	cfg.API.ListenAddr = *apiAddr
	cfg.Crypto.Scheme = *cryptoScheme
	cfg.Crypto.SharedSecret = *sharedSecret
	cfg.Crypto.AllowInsecure = *allowInsecure

	n, err := node.New(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build node: %v\n", err)
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start node: %v\n", err)
		os.Exit(1)
	}
	log.Infow("omniswarm node running", "node_id", cfg.NodeID, "api", cfg.API.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("shutting down", "signal", sig.String())

	if err := n.Stop(); err != nil {
		log.Errorw("shutdown error", "err", err)
		os.Exit(1)
	}
}

func randomNodeID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "node-" + hex.EncodeToString(buf)
}
