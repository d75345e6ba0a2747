package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum256Deterministic(t *testing.T) {
	a := Sum256([]byte("swarm"))
	b := Sum256([]byte("swarm"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, Sum256([]byte("swarn")))
}

func TestHexSum256(t *testing.T) {
	h := HexSum256([]byte("swarm"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, HexSum256([]byte("swarm")))
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("node-a")
	assert.Len(t, fp, 64)

	// Stable for the same node on the same runtime.
	assert.Equal(t, fp, Fingerprint("node-a"))

	// Identity-dependent.
	assert.NotEqual(t, fp, Fingerprint("node-b"))
}
