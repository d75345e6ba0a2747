package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmniSwarmV1/omni-swarm/config"
	"github.com/OmniSwarmV1/omni-swarm/crypto"
	"github.com/OmniSwarmV1/omni-swarm/network/discovery"
)

func newTestServer(t *testing.T) (*httptest.Server, *discovery.Service) {
	t.Helper()

	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	svc, err := discovery.NewService(discovery.Options{
		NodeID: "node-a",
		Signer: signer,
		Config: config.DiscoveryConfig{
			HeartbeatInterval: time.Hour,
			PeerTimeout:       time.Minute,
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { svc.Stop() })

	srv := httptest.NewServer(NewServer(config.APIConfig{EnableCORS: true}, svc).Handler())
	t.Cleanup(srv.Close)
	return srv, svc
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var status map[string]interface{}
	code := getJSON(t, srv.URL+"/api/v1/status", &status)
	assert.Equal(t, http.StatusOK, code)

	assert.Equal(t, "node-a", status["node_id"])
	assert.Equal(t, true, status["running"])
	assert.Equal(t, "local", status["backend"])
	assert.Equal(t, "ed25519", status["crypto_backend"])
	assert.Contains(t, status, "ipfs_health")
	assert.Contains(t, status, "uptime_seconds")
}

func TestPeersEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var out struct {
		Peers []map[string]interface{} `json:"peers"`
		Count int                      `json:"count"`
	}
	code := getJSON(t, srv.URL+"/api/v1/peers", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, out.Count, "the self entry is always present")

	code = getJSON(t, srv.URL+"/api/v1/peers?alive=true", &out)
	assert.Equal(t, http.StatusOK, code)

	code = getJSON(t, srv.URL+"/api/v1/peers?alive=banana", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var health map[string]interface{}
	code := getJSON(t, srv.URL+"/api/v1/health", &health)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, health["degraded"])
	assert.Contains(t, health, "failure_threshold")
}

func TestMessagesEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Broadcast(map[string]interface{}{"seq": i}))
	}

	var out struct {
		Messages []map[string]interface{} `json:"messages"`
		Count    int                      `json:"count"`
	}
	code := getJSON(t, srv.URL+"/api/v1/messages", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, out.Count)

	code = getJSON(t, srv.URL+"/api/v1/messages?limit=1", &out)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, float64(2), out.Messages[0]["message"].(map[string]interface{})["seq"])

	code = getJSON(t, srv.URL+"/api/v1/messages?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUnknownRouteIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	code := getJSON(t, srv.URL+"/api/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
