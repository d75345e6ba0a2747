package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Discovery.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Discovery.PeerTimeout)
	assert.Equal(t, "omniswarm-discovery", cfg.Discovery.Topic)
	assert.Equal(t, 1500*time.Millisecond, cfg.Discovery.LatencyWarn)
	assert.Equal(t, 2, cfg.Discovery.FailureThreshold)

	assert.Equal(t, 30*time.Second, cfg.Rendezvous.TTL)
	assert.Equal(t, 50, cfg.Rendezvous.PeerLimit)

	assert.Equal(t, "ed25519", cfg.Crypto.Scheme)
	assert.False(t, cfg.Crypto.AllowInsecure)
}
