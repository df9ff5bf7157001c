// Package keystore persists fetched JWKS key sets so offline verification
// keeps working when the signing service is unreachable.
package keystore

import (
	"context"

	"receiptline/internal/repo"
)

// Store saves and loads verification key material in the workspace database.
// It satisfies verify.KeyCache.
type Store struct {
	Repo repo.Repo
}

func (s Store) SaveKeys(ctx context.Context, source string, keys map[string][]byte) error {
	return s.Repo.UpsertCachedKeys(ctx, source, keys)
}

func (s Store) LoadKeys(ctx context.Context, source string) (map[string][]byte, error) {
	return s.Repo.CachedKeys(ctx, source)
}
