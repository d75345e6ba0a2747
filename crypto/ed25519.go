package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519Signer is the default asymmetric scheme. Each node generates a
// fresh keypair at startup and publishes only the public half.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

var _ Signer = (*Ed25519Signer)(nil)

func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed builds a deterministic signer from a 32-byte
// seed. Used for reproducible node identities in tests and dev topologies.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

func (s *Ed25519Signer) Scheme() string { return SchemeEd25519 }

func (s *Ed25519Signer) PublicKey() []byte {
	// Return a copy to ensure immutability
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

func (s *Ed25519Signer) Verify(data, sig, candidateKey []byte) bool {
	if len(candidateKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(candidateKey), data, sig)
}
