// Package app assembles the SDK pieces (config, client, local store,
// verifier) for the CLI and for rl serve.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"receiptline/internal/client"
	"receiptline/internal/config"
	"receiptline/internal/db"
	"receiptline/internal/keystore"
	"receiptline/internal/migrate"
	"receiptline/internal/repo"
	"receiptline/internal/verify"
)

// LoadConfig returns the workspace config, falling back to defaults when
// receiptline.yml does not exist.
func LoadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// NewClient builds a signing-service client from config plus CLI overrides.
func NewClient(cfg *config.Config, apiKeyOverride, baseURLOverride string) (*client.Client, error) {
	apiKey := cfg.Service.APIKey
	if apiKeyOverride != "" {
		apiKey = apiKeyOverride
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured; set service.api_key in receiptline.yml or RECEIPTLINE_API_KEY")
	}
	c, err := client.New(apiKey)
	if err != nil {
		return nil, err
	}
	if cfg.Service.BaseURL != "" {
		c.BaseURL = cfg.Service.BaseURL
	}
	if baseURLOverride != "" {
		c.BaseURL = baseURLOverride
	}
	if cfg.Service.TimeoutSeconds > 0 {
		c.Timeout = time.Duration(cfg.Service.TimeoutSeconds) * time.Second
	}
	if cfg.Service.MaxRetries > 0 {
		c.MaxRetries = cfg.Service.MaxRetries
	}
	return c, nil
}

// OpenStore opens the workspace database with migrations applied.
func OpenStore(workspace string) (*sql.DB, repo.Repo, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, repo.Repo{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, repo.Repo{}, err
	}
	return conn, repo.Repo{DB: conn}, nil
}

// NewVerifier fetches the service key set, caching it in the workspace store
// so offline verification survives the service being down.
func NewVerifier(ctx context.Context, baseURL string, r repo.Repo) (*verify.Verifier, error) {
	return verify.FromJWKS(ctx, &http.Client{Timeout: 10 * time.Second}, baseURL,
		keystore.Store{Repo: r})
}
