package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmniSwarmV1/omni-swarm/crypto"
)

func newTestSigner(t *testing.T) crypto.Signer {
	t.Helper()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	return signer
}

func TestCanonicalIsDeterministic(t *testing.T) {
	p := Payload{
		Type:      TypeHeartbeat,
		NodeID:    "node-a",
		Address:   "local",
		PublicKey: []byte{1, 2, 3},
		Timestamp: 1700000000.5,
	}
	a, err := p.Canonical()
	require.NoError(t, err)
	b, err := p.Canonical()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalCoversDataField(t *testing.T) {
	base := Payload{Type: "message", NodeID: "node-a", Timestamp: 1}
	withData := base
	withData.Data = map[string]interface{}{"task": "render", "shard": float64(3)}

	a, err := base.Canonical()
	require.NoError(t, err)
	b, err := withData.Canonical()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	p := NewHeartbeat("node-a", "pubsub", signer.PublicKey())

	env, err := Seal(p, signer)
	require.NoError(t, err)
	assert.True(t, env.Verify(signer, signer.PublicKey()))

	raw, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "node-a", decoded.Payload.NodeID)
	assert.Equal(t, TypeHeartbeat, decoded.Payload.Type)
	assert.True(t, decoded.Verify(signer, signer.PublicKey()))
}

// An attacker replaying a valid envelope under a different node id must
// fail verification: the node_id is part of the signed canonical bytes.
func TestStolenEnvelopeFailsVerification(t *testing.T) {
	alice := newTestSigner(t)
	mallory := newTestSigner(t)

	env, err := Seal(NewHeartbeat("alice", "pubsub", alice.PublicKey()), alice)
	require.NoError(t, err)

	// Rewrite the claimed identity but keep alice's signature.
	stolen := env
	stolen.Payload.NodeID = "mallory"
	assert.False(t, stolen.Verify(alice, alice.PublicKey()))

	// Re-sign with mallory's key while claiming alice's identity: valid
	// under mallory's key, invalid under alice's pinned key.
	forged, err := Seal(NewHeartbeat("alice", "pubsub", mallory.PublicKey()), mallory)
	require.NoError(t, err)
	assert.True(t, forged.Verify(alice, mallory.PublicKey()))
	assert.False(t, forged.Verify(alice, alice.PublicKey()))
}

func TestVerifyFailsOnTamperedSignature(t *testing.T) {
	signer := newTestSigner(t)
	env, err := Seal(NewHeartbeat("node-a", "local", signer.PublicKey()), signer)
	require.NoError(t, err)

	env.Signature[0] ^= 0xff
	assert.False(t, env.Verify(signer, signer.PublicKey()))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)

	_, err = Decode([]byte(`{"payload":{"type":"heartbeat"},"signature":"YQ=="}`))
	require.Error(t, err, "missing node_id must be rejected")
}

func TestNowIsFloatSeconds(t *testing.T) {
	ts := Now()
	// Sanity window: after 2020, before 2100.
	assert.Greater(t, ts, 1.5e9)
	assert.Less(t, ts, 4.1e9)
}
