package verify

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// JWKSPath is the credential-free key-set document location.
const JWKSPath = "/.well-known/jwks.json"

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

// FetchKeySet downloads and parses the service's JWKS document. Only
// kty=OKP/crv=Ed25519 entries are kept; each key's material is base64url
// decoded. One network attempt; retry-or-fallback policy belongs to callers.
func FetchKeySet(ctx context.Context, httpClient *http.Client, baseURL string) (map[string][]byte, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	url := strings.TrimRight(baseURL, "/") + JWKSPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch key set: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return ParseKeySet(raw)
}

// ParseKeySet extracts Ed25519 keys from a raw JWKS document.
func ParseKeySet(raw []byte) (map[string][]byte, error) {
	var doc jwksDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}
	keys := make(map[string][]byte)
	for _, k := range doc.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" || k.Kid == "" || k.X == "" {
			continue
		}
		material, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k.X, "="))
		if err != nil {
			continue
		}
		if len(material) != ed25519.PublicKeySize {
			continue
		}
		keys[k.Kid] = material
	}
	if len(keys) == 0 {
		return nil, errors.New("no Ed25519 keys in key set")
	}
	return keys, nil
}

// MarshalKeySet renders keys back into a JWKS document, the inverse of
// ParseKeySet. The dev service and the key cache both serve this form.
func MarshalKeySet(keys map[string][]byte) ([]byte, error) {
	doc := jwksDocument{Keys: make([]jwk, 0, len(keys))}
	for kid, material := range keys {
		doc.Keys = append(doc.Keys, jwk{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: kid,
			X:   base64.RawURLEncoding.EncodeToString(material),
		})
	}
	return json.Marshal(doc)
}
