package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

// HMACSigner is the dev-only symmetric fallback: SHA-256 HMAC over a shared
// secret that doubles as both the "private" and "public" key. Anyone holding
// the secret can impersonate anyone, so construction is gated behind
// config.CryptoConfig.AllowInsecure.
type HMACSigner struct {
	secret []byte
}

var _ Signer = (*HMACSigner)(nil)

func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac scheme requires a non-empty shared secret")
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return &HMACSigner{secret: out}, nil
}

func (s *HMACSigner) Scheme() string { return SchemeHMAC }

func (s *HMACSigner) PublicKey() []byte {
	out := make([]byte, len(s.secret))
	copy(out, s.secret)
	return out
}

func (s *HMACSigner) Sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func (s *HMACSigner) Verify(data, sig, candidateKey []byte) bool {
	if len(candidateKey) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, candidateKey)
	mac.Write(data)
	return hmac.Equal(sig, mac.Sum(nil))
}
