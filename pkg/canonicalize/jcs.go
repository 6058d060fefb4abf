// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of envelopes and journal rows.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshalled with encoding/json so struct tags are respected,
// then transformed into canonical form (sorted keys, no HTML escaping).
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Fingerprint derives the stable fingerprint of an inbound message:
// the canonical hash of its whitespace-normalized text plus routing
// metadata. Two messages with the same fingerprint are the same intent.
func Fingerprint(channel, tenant, conversation, actor, text string) (string, error) {
	normalized := strings.Join(strings.Fields(text), " ")
	return CanonicalHash(map[string]interface{}{
		"channel":      channel,
		"tenant":       tenant,
		"conversation": conversation,
		"actor":        actor,
		"text":         normalized,
	})
}
