// Package crypto provides the signing schemes used by the discovery
// envelope codec. A Signer is selected once at construction time from
// configuration; call sites never branch on the scheme.
package crypto

import (
	"fmt"

	"github.com/OmniSwarmV1/omni-swarm/config"
)

const (
	SchemeEd25519 = "ed25519"
	SchemeHMAC    = "hmac"
)

// Signer signs canonical payload bytes and verifies signatures against a
// candidate public key. The candidate key is supplied by the caller because
// key selection (pinned vs. claimed) is a policy decision that lives above
// this package.
type Signer interface {
	// Scheme returns the scheme label reported in stats ("ed25519"|"hmac").
	Scheme() string

	// PublicKey returns the bytes a node publishes in its envelopes. For
	// HMAC this is the shared secret itself, which is exactly why that
	// scheme is insecure and gated behind AllowInsecure.
	PublicKey() []byte

	// Sign returns a signature over data.
	Sign(data []byte) []byte

	// Verify reports whether sig is a valid signature over data under
	// candidateKey.
	Verify(data, sig, candidateKey []byte) bool
}

// NewSigner builds the signer named by cfg.Scheme. The hmac scheme refuses
// to construct unless cfg.AllowInsecure is set.
func NewSigner(cfg config.CryptoConfig) (Signer, error) {
	switch cfg.Scheme {
	case "", SchemeEd25519:
		return NewEd25519Signer()
	case SchemeHMAC:
		if !cfg.AllowInsecure {
			return nil, fmt.Errorf("hmac signing scheme is insecure (symmetric shared secret) and requires crypto.allow_insecure")
		}
		return NewHMACSigner([]byte(cfg.SharedSecret))
	default:
		return nil, fmt.Errorf("unknown crypto scheme: %q", cfg.Scheme)
	}
}
