package rendezvous

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRendezvous(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(NewServer(NewInMemory(30 * time.Second)).Router())
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL)
}

func TestHTTPRoundTrip(t *testing.T) {
	_, client := newTestRendezvous(t)

	require.NoError(t, client.Register("node-a", "addr-a", []byte("key-a"), map[string]string{"backend": "pubsub"}))
	require.NoError(t, client.Register("node-b", "addr-b", nil, nil))
	require.NoError(t, client.Heartbeat("node-a", "addr-a2", nil))

	peers, err := client.GetPeers("node-b", 10)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "node-a", peers[0].NodeID)
	assert.Equal(t, "addr-a2", peers[0].Address)
	assert.Equal(t, []byte("key-a"), peers[0].PublicKey)

	size, err := client.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestHTTPRejectsBadRequests(t *testing.T) {
	srv, _ := newTestRendezvous(t)

	resp, err := http.Post(srv.URL+"/rendezvous/register", "application/json",
		strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/rendezvous/heartbeat", "application/json",
		strings.NewReader(`{"address":"addr-only"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "node_id is required")

	resp, err = http.Get(srv.URL + "/rendezvous/peers?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientAgainstDeadServer(t *testing.T) {
	client := NewClient("http://127.0.0.1:1") // nothing listens here

	require.Error(t, client.Register("node-a", "addr", nil, nil))
	require.Error(t, client.Heartbeat("node-a", "addr", nil))
	_, err := client.GetPeers("", 10)
	require.Error(t, err)
	_, err = client.Size()
	require.Error(t, err)
}
