package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// Canonical message format, version 1.
//
// The byte string below is what the signing service signs and what offline
// verification reconstructs. Field order, the role marker, and the delimiter
// are load-bearing: changing any of them invalidates every receipt ever
// issued under this version. Introduce a v2 builder instead of editing this.
const (
	// CanonicalVersion tags the field order and delimiter below.
	CanonicalVersion = 1

	// Genesis is the previous-hash sentinel for the first receipt in a chain.
	Genesis = "GENESIS"

	canonicalRole      = "notary"
	canonicalDelimiter = "|"
)

// Canonical rebuilds the exact byte string that was signed for r:
//
//	receipt_id|timestamp|agent_id|notary|action_type|payload_hash|previous-or-GENESIS
func Canonical(r *Receipt) string {
	prev := r.PreviousReceiptHash
	if prev == "" {
		prev = Genesis
	}
	parts := []string{
		r.ReceiptID,
		r.Timestamp,
		r.AgentID,
		canonicalRole,
		r.ActionType,
		r.PayloadHash,
		prev,
	}
	return strings.Join(parts, canonicalDelimiter)
}

// HashPayload returns the hex SHA-256 of the payload's RFC 8785 canonical
// JSON form. Both the service and the SDK must agree on this transform or
// issued payload hashes would never re-verify.
func HashPayload(payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashCanonical derives the server-assigned receipt hash from the canonical
// message and its signature.
func HashCanonical(canonical, signature string) string {
	sum := sha256.Sum256([]byte(canonical + canonicalDelimiter + signature))
	return hex.EncodeToString(sum[:])
}
