// Package envelope implements the signed message unit exchanged between
// discovery peers: a canonically-encoded payload plus a signature over it.
//
// Wire schema (backend-agnostic):
//
//	{ "payload": { "type": "heartbeat", "node_id": string, "address": string,
//	               "public_key": base64, "timestamp": float },
//	  "signature": base64 }
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OmniSwarmV1/omni-swarm/crypto"
)

const TypeHeartbeat = "heartbeat"

// Payload is the signed portion of an envelope. Data carries the free-form
// message body for non-heartbeat broadcasts.
type Payload struct {
	Type      string                 `json:"type"`
	NodeID    string                 `json:"node_id"`
	Address   string                 `json:"address"`
	PublicKey []byte                 `json:"public_key"`
	Timestamp float64                `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Envelope pairs a payload with its signature.
type Envelope struct {
	Payload   Payload `json:"payload"`
	Signature []byte  `json:"signature"`
}

// NewHeartbeat builds an unsigned heartbeat payload stamped with the
// current wall clock.
func NewHeartbeat(nodeID, address string, publicKey []byte) Payload {
	return Payload{
		Type:      TypeHeartbeat,
		NodeID:    nodeID,
		Address:   address,
		PublicKey: publicKey,
		Timestamp: Now(),
	}
}

// Now returns the wall clock as float seconds, the timestamp unit used on
// the wire.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Canonical returns the deterministic byte encoding signed and verified by
// both ends: a JSON object with lexicographically sorted keys at every
// nesting level, so the same logical payload always produces identical
// bytes regardless of field population order.
func (p Payload) Canonical() ([]byte, error) {
	m := map[string]interface{}{
		"type":       p.Type,
		"node_id":    p.NodeID,
		"address":    p.Address,
		"public_key": p.PublicKey,
		"timestamp":  p.Timestamp,
	}
	if p.Data != nil {
		m["data"] = p.Data
	}
	// encoding/json sorts map keys, which is exactly the canonical form.
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return out, nil
}

// Seal signs the payload and returns the completed envelope.
func Seal(p Payload, signer crypto.Signer) (Envelope, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Payload:   p,
		Signature: signer.Sign(canonical),
	}, nil
}

// Verify reports whether the envelope's signature is valid over its
// payload under candidateKey. Key selection (pinned vs. claimed) is the
// caller's policy; this only checks the math.
func (e Envelope) Verify(signer crypto.Signer, candidateKey []byte) bool {
	canonical, err := e.Payload.Canonical()
	if err != nil {
		return false
	}
	return signer.Verify(canonical, e.Signature, candidateKey)
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	out, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return out, nil
}

// Decode parses an envelope from its wire form.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Payload.NodeID == "" {
		return Envelope{}, fmt.Errorf("envelope payload missing node_id")
	}
	return e, nil
}
