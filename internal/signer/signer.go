// Package signer holds the dev service's Ed25519 signing key and produces
// the JWKS document clients verify against.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"receiptline/internal/repo"
	"receiptline/internal/verify"
)

type Signer struct {
	keyID string
	priv  ed25519.PrivateKey
}

// Load returns the service signing key, generating and persisting one on
// first use.
func Load(ctx context.Context, r repo.Repo) (*Signer, error) {
	keyID, seed, err := r.FirstSigningKey(ctx)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("stored seed for %s has %d bytes, want %d", keyID, len(seed), ed25519.SeedSize)
		}
		return &Signer{keyID: keyID, priv: ed25519.NewKeyFromSeed(seed)}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	keyID = deriveKeyID(pub)
	if err := r.InsertSigningKey(ctx, keyID, priv.Seed()); err != nil {
		return nil, err
	}
	return &Signer{keyID: keyID, priv: priv}, nil
}

// deriveKeyID names a key after its creation month plus a short public key
// fingerprint, so rotated keys stay distinguishable.
func deriveKeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("key-%s-%s", time.Now().UTC().Format("2006-01"), hex.EncodeToString(sum[:4]))
}

func (s *Signer) KeyID() string { return s.keyID }

func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign signs the canonical message and returns the standard base64 signature.
func (s *Signer) Sign(canonical string) string {
	sig := ed25519.Sign(s.priv, []byte(canonical))
	return base64.StdEncoding.EncodeToString(sig)
}

// JWKS renders the active key as a JSON Web Key Set document.
func (s *Signer) JWKS() ([]byte, error) {
	return verify.MarshalKeySet(map[string][]byte{s.keyID: s.Public()})
}

// PublicPEM renders the active public key in SubjectPublicKeyInfo PEM form.
func (s *Signer) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.Public())
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
