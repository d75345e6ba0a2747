// Package hash wraps the Blake2b-256 digest used for node fingerprints and
// payload digests.
package hash

import (
	"encoding/hex"
	"fmt"
	"runtime"

	"golang.org/x/crypto/blake2b"
)

// Sum256 returns the Blake2b-256 digest of data.
func Sum256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// HexSum256 returns the hex-encoded Blake2b-256 digest of data.
func HexSum256(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives an opaque host identifier from the node id and the
// local runtime. Exposed in stats; consumed by anti-abuse layers that want
// to spot many node ids reporting from one host.
func Fingerprint(nodeID string) string {
	payload := fmt.Sprintf("%s|%s|%s|%s", nodeID, runtime.GOOS, runtime.GOARCH, runtime.Version())
	return HexSum256([]byte(payload))
}
