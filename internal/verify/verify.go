// Package verify checks receipt signatures locally, without calling the
// signing service's verify endpoint: reconstruct the canonical message, look
// up the public key by identifier, check the Ed25519 signature.
package verify

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"receiptline/internal/receipt"
)

// KeyCache persists fetched key sets so verification keeps working when the
// service is unreachable. keystore.Store implements it.
type KeyCache interface {
	SaveKeys(ctx context.Context, source string, keys map[string][]byte) error
	LoadKeys(ctx context.Context, source string) (map[string][]byte, error)
}

// Verifier holds an immutable key-identifier to raw-Ed25519-key mapping.
// Populated once at construction; concurrent Verify calls need no locking.
type Verifier struct {
	keys map[string][]byte
}

// kidPrefixLen is how many leading characters two key identifiers must share
// for the truncated-identifier fallback to accept them as the same key.
const kidPrefixLen = 8

// FromKeySet wraps an already-fetched key mapping.
func FromKeySet(keys map[string][]byte) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, errors.New("empty key set")
	}
	copied := make(map[string][]byte, len(keys))
	for kid, material := range keys {
		copied[kid] = append([]byte(nil), material...)
	}
	return &Verifier{keys: copied}, nil
}

// FromJWKS fetches the service's key set and builds a verifier. When a cache
// is supplied, a successful fetch refreshes it and a failed fetch falls back
// to the last cached set instead of failing outright.
func FromJWKS(ctx context.Context, httpClient *http.Client, baseURL string, cache KeyCache) (*Verifier, error) {
	keys, fetchErr := FetchKeySet(ctx, httpClient, baseURL)
	if fetchErr == nil {
		if cache != nil {
			// Cache refresh is best effort; a broken cache must not block
			// verification with freshly fetched keys.
			_ = cache.SaveKeys(ctx, baseURL, keys)
		}
		return FromKeySet(keys)
	}
	if cache != nil {
		if cached, err := cache.LoadKeys(ctx, baseURL); err == nil && len(cached) > 0 {
			return FromKeySet(cached)
		}
	}
	return nil, fetchErr
}

// FromPEM builds a verifier holding one PEM-encoded Ed25519 public key under
// the given identifier.
func FromPEM(pemData string, kid string) (*Verifier, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("key is not an Ed25519 public key")
	}
	if kid == "" {
		kid = "default"
	}
	return FromKeySet(map[string][]byte{kid: pub})
}

// KeyIDs lists the cached key identifiers, sorted.
func (v *Verifier) KeyIDs() []string {
	ids := make([]string, 0, len(v.keys))
	for kid := range v.keys {
		ids = append(ids, kid)
	}
	sort.Strings(ids)
	return ids
}

// Verify checks r entirely locally. The result is never accompanied by an
// error: structural problems, unknown keys, and bad signatures all come back
// as an invalid result with a reason.
func (v *Verifier) Verify(r *receipt.Receipt) receipt.VerificationResult {
	if missing := r.MissingFields(); len(missing) > 0 {
		return receipt.VerificationResult{
			Valid:       false,
			SignatureOK: false,
			StructureOK: false,
			Reason:      "missing required fields: " + strings.Join(missing, ", "),
		}
	}

	kid := r.Kid
	if kid == "" {
		kid = r.KeyID
	}
	material, resolved := v.resolveKey(kid)
	if material == nil {
		return receipt.VerificationResult{
			Valid:       false,
			SignatureOK: false,
			StructureOK: true,
			Reason:      "unknown key ID: " + kid,
			KeyID:       kid,
		}
	}

	canonical := receipt.Canonical(r)
	if ok := checkSignature(material, canonical, r.Signature); !ok {
		return receipt.VerificationResult{
			Valid:       false,
			SignatureOK: false,
			StructureOK: true,
			Reason:      "signature verification failed",
			KeyID:       resolved,
		}
	}
	return receipt.VerificationResult{
		Valid:       true,
		SignatureOK: true,
		StructureOK: true,
		Reason:      "signature verified locally",
		KeyID:       resolved,
	}
}

// resolveKey returns the key material for kid, tolerating truncated
// identifiers by comparing prefixes in both directions.
func (v *Verifier) resolveKey(kid string) ([]byte, string) {
	if material, ok := v.keys[kid]; ok {
		return material, kid
	}
	if kid == "" {
		return nil, kid
	}
	for stored, material := range v.keys {
		n := min(len(kid), kidPrefixLen)
		m := min(len(stored), kidPrefixLen)
		if strings.HasPrefix(stored, kid[:n]) || strings.HasPrefix(kid, stored[:m]) {
			return material, stored
		}
	}
	return nil, kid
}

// checkSignature never panics: malformed keys or signatures are signature
// failures, not crashes.
func checkSignature(material []byte, canonical, signature string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(material) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(material), []byte(canonical), sig)
}
