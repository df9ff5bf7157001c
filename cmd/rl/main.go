package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"receiptline/internal/app"
	"receiptline/internal/client"
	"receiptline/internal/config"
	"receiptline/internal/db"
	"receiptline/internal/engine"
	"receiptline/internal/keystore"
	"receiptline/internal/receipt"
	"receiptline/internal/repo"
	"receiptline/internal/server"
	"receiptline/internal/signer"
	"receiptline/internal/verify"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Receiptline CLI",
	Long: `Receiptline issues and verifies tamper-evident receipts for agent actions.
- Receipts: signed records of what an agent did, hash-chained per agent.
- Issue: 'rl issue' asks the signing service for a receipt over a payload.
- Verify: 'rl verify' checks a receipt online, or offline against the
  service's published Ed25519 keys with no receipt data leaving the machine.
- Lookup: 'rl lookup <hash>' resolves a receipt on the public endpoint.
- Serve: 'rl serve' runs a local signing service for development, backed by
  the .receiptline workspace database.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RECEIPTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api-key", "", "API key (overrides config and RECEIPTLINE_API_KEY)")
	rootCmd.PersistentFlags().String("base-url", "", "signing service base URL (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("base-url", rootCmd.PersistentFlags().Lookup("base-url"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(lookupCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show signing service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Service: %s\n", st.Status)
				fmt.Printf("Signature type: %s\n", st.SignatureType)
				fmt.Printf("Key: %s\n", st.KeyID)
				fmt.Printf("Capabilities: %s\n", strings.Join(st.Capabilities, ", "))
				return nil
			})
		},
	}
	return cmd
}

func issueCmd() *cobra.Command {
	var actionType, payloadArg, previous, metadataArg string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed receipt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actionType == "" {
				return fmt.Errorf("--action required")
			}
			payload, err := parseJSONArg(payloadArg)
			if err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			metadata, err := parseJSONArg(metadataArg)
			if err != nil {
				return fmt.Errorf("invalid --metadata: %w", err)
			}
			return withClient(func(c *client.Client) error {
				rec, err := c.Issue(cmd.Context(), actionType, payload, client.IssueOptions{
					PreviousReceiptHash: previous,
					Metadata:            metadata,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Receipt %s issued\n", rec.ReceiptID)
				fmt.Printf("Hash: %s\n", rec.ReceiptHash)
				if rec.ChainSequence != nil {
					fmt.Printf("Chain position: %d\n", *rec.ChainSequence)
				}
				if rec.VerifyURL != "" {
					fmt.Printf("Verify: %s\n", rec.VerifyURL)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actionType, "action", "", "action type, e.g. invoice.created")
	cmd.Flags().StringVar(&payloadArg, "payload", "{}", "payload JSON, or @file")
	cmd.Flags().StringVar(&previous, "previous", "", "previous receipt hash for chaining")
	cmd.Flags().StringVar(&metadataArg, "metadata", "", "metadata JSON, or @file")
	return cmd
}

func verifyCmd() *cobra.Command {
	var file, receiptID string
	var offline bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a receipt",
		Long:  "Checks a receipt online via the service, or offline against its published keys. Offline verification never sends the receipt anywhere.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && receiptID == "" {
				return fmt.Errorf("--file or --id required")
			}
			if offline && receiptID != "" {
				return fmt.Errorf("--offline needs the full receipt; use --file")
			}
			var rec *receipt.Receipt
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				rec = &receipt.Receipt{}
				if err := json.Unmarshal(data, rec); err != nil {
					return fmt.Errorf("parse receipt: %w", err)
				}
			}
			if offline {
				return verifyOffline(cmd.Context(), rec)
			}
			return withClient(func(c *client.Client) error {
				var res receipt.VerificationResult
				var err error
				if rec != nil {
					res, err = c.Verify(cmd.Context(), rec)
				} else {
					res, err = c.VerifyByID(cmd.Context(), receiptID)
				}
				if err != nil {
					return err
				}
				return printVerification(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to receipt JSON")
	cmd.Flags().StringVar(&receiptID, "id", "", "receipt id stored at the service")
	cmd.Flags().BoolVar(&offline, "offline", false, "verify locally against the published key set")
	return cmd
}

func verifyOffline(ctx context.Context, rec *receipt.Receipt) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace)
	if err != nil {
		return err
	}
	baseURL := serviceBaseURL(cfg)
	conn, r, err := app.OpenStore(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	v, err := app.NewVerifier(ctx, baseURL, r)
	if err != nil {
		return fmt.Errorf("load verification keys: %w", err)
	}
	return printVerification(v.Verify(rec))
}

func printVerification(res receipt.VerificationResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	verdict := "INVALID"
	if res.Valid {
		verdict = "VALID"
	}
	fmt.Printf("%s  signature=%v structure=%v", verdict, res.SignatureOK, res.StructureOK)
	if res.ChainOK != nil {
		fmt.Printf(" chain=%v", *res.ChainOK)
	}
	fmt.Println()
	if res.KeyID != "" {
		fmt.Printf("Key: %s\n", res.KeyID)
	}
	if res.Reason != "" {
		fmt.Printf("Reason: %s\n", res.Reason)
	}
	if !res.Valid {
		return fmt.Errorf("receipt did not verify")
	}
	return nil
}

func lookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <receipt-hash>",
		Short: "Resolve a receipt hash on the public endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				result, err := c.Lookup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				if !result.Found {
					fmt.Println("Not found")
					return nil
				}
				rec := result.Receipt
				fmt.Printf("Receipt %s\n", rec.ReceiptID)
				fmt.Printf("Agent: %s  Action: %s  At: %s\n", rec.AgentID, rec.ActionType, rec.Timestamp)
				if result.Verification != nil {
					return printVerification(*result.Verification)
				}
				return nil
			})
		},
	}
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage verification keys",
		Long:  "Verification keys come from the service's JWKS document and are cached in the workspace so offline verification works without connectivity.",
	}
	keys.AddCommand(keysFetchCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysImportCmd())
	return keys
}

func keysFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and cache the service key set",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace)
			if err != nil {
				return err
			}
			baseURL := serviceBaseURL(cfg)
			conn, r, err := app.OpenStore(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			keys, err := verify.FetchKeySet(cmd.Context(), &http.Client{Timeout: 10 * time.Second}, baseURL)
			if err != nil {
				return err
			}
			if err := (keystore.Store{Repo: r}).SaveKeys(cmd.Context(), baseURL, keys); err != nil {
				return err
			}
			fmt.Printf("Cached %d key(s) from %s\n", len(keys), baseURL)
			for kid := range keys {
				fmt.Printf("  %s\n", kid)
			}
			return nil
		},
	}
	return cmd
}

func keysListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached verification keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace)
			if err != nil {
				return err
			}
			baseURL := serviceBaseURL(cfg)
			conn, r, err := app.OpenStore(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			keys, err := (keystore.Store{Repo: r}).LoadKeys(cmd.Context(), baseURL)
			if errors.Is(err, repo.ErrNotFound) {
				fmt.Println("No cached keys; run rl keys fetch")
				return nil
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				kids := make([]string, 0, len(keys))
				for kid := range keys {
					kids = append(kids, kid)
				}
				return printJSON(map[string]any{"source": baseURL, "key_ids": kids})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Key ID", "Bytes", "Source"})
			for kid, material := range keys {
				tw.AppendRow(table.Row{kid, len(material), baseURL})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func keysImportCmd() *cobra.Command {
	var pemPath, kid string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a PEM public key into the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pemPath == "" {
				return fmt.Errorf("--pem required")
			}
			data, err := os.ReadFile(pemPath)
			if err != nil {
				return err
			}
			block, _ := pem.Decode(data)
			if block == nil {
				return fmt.Errorf("no PEM block in %s", pemPath)
			}
			parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return fmt.Errorf("parse public key: %w", err)
			}
			pub, ok := parsed.(ed25519.PublicKey)
			if !ok {
				return fmt.Errorf("%s is not an Ed25519 public key", pemPath)
			}
			if kid == "" {
				kid = "default"
			}
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace)
			if err != nil {
				return err
			}
			conn, r, err := app.OpenStore(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			store := keystore.Store{Repo: r}
			source := serviceBaseURL(cfg)
			keys, err := store.LoadKeys(cmd.Context(), source)
			if err != nil {
				keys = map[string][]byte{}
			}
			keys[kid] = pub
			if err := store.SaveKeys(cmd.Context(), source, keys); err != nil {
				return err
			}
			fmt.Printf("Imported %s into the key cache for %s\n", kid, source)
			return nil
		},
	}
	cmd.Flags().StringVar(&pemPath, "pem", "", "path to PEM-encoded Ed25519 public key")
	cmd.Flags().StringVar(&kid, "kid", "", "key identifier to store the key under")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Local service event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, agentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events from the local service ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, r, err := app.OpenStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			events, err := r.LatestEvents(cmd.Context(), n, evtType, agentID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(events)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"TS", "Type", "Agent", "Entity"})
			for _, e := range events {
				tw.AppendRow(table.Row{e.TS, e.Type, e.AgentID, e.EntityID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage receiptline.yml",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			// Never echo the credential.
			if cfg.Service.APIKey != "" {
				cfg.Service.APIKey = cfg.Service.APIKey[:8] + "..."
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default receiptline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the local signing service",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var agentID, name string
	var live bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			conn, r, err := app.OpenStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			raw, err := generateAPIKey(live)
			if err != nil {
				return err
			}
			id, err := randomID("key")
			if err != nil {
				return err
			}
			if err := r.InsertAPIKey(cmd.Context(), nil, repo.APIKey{
				ID:      id,
				AgentID: agentID,
				Name:    name,
				KeyHash: repo.HashAPIKey(raw),
			}); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"id": id, "agent_id": agentID, "api_key": raw})
			}
			fmt.Printf("Created key %s for %s\n", id, agentID)
			fmt.Printf("API key (shown once): %s\n", raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().BoolVar(&live, "live", false, "create an rl_live_ key instead of rl_test_")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, r, err := app.OpenStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			keys, err := r.ListAPIKeys(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(keys)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Agent", "Name", "Created"})
			for _, k := range keys {
				tw.AppendRow(table.Row{k.ID, k.AgentID, k.Name, k.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, r, err := app.OpenStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := r.DeleteAPIKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, publicURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local signing service",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Serve.Listen
			}
			if addr == "" {
				addr = "127.0.0.1:8787"
			}
			conn, r, err := app.OpenStore(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			s, err := signer.Load(cmd.Context(), r)
			if err != nil {
				return err
			}
			if publicURL == "" {
				publicURL = "http://" + addr
			}
			e := engine.New(conn, s, publicURL)
			jwtSecret := cfg.Serve.JWTSecret
			if env := os.Getenv("RECEIPTLINE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			handler, err := server.New(server.Config{
				Engine: e,
				Auth:   server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving signing service on http://%s (key %s, db %s)\n", addr, s.KeyID(), db.Path(workspace))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to serve.listen in config)")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "base URL embedded into verify links")
	return cmd
}

// --- helpers ---

func withClient(fn func(*client.Client) error) error {
	cfg, err := app.LoadConfig(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	apiKey := viper.GetString("api-key")
	if apiKey == "" {
		apiKey = os.Getenv("RECEIPTLINE_API_KEY")
	}
	c, err := app.NewClient(cfg, apiKey, viper.GetString("base-url"))
	if err != nil {
		return err
	}
	return fn(c)
}

func serviceBaseURL(cfg *config.Config) string {
	if override := viper.GetString("base-url"); override != "" {
		return override
	}
	if cfg.Service.BaseURL != "" {
		return cfg.Service.BaseURL
	}
	return client.DefaultBaseURL
}

func parseJSONArg(arg string) (map[string]any, error) {
	if arg == "" {
		return nil, nil
	}
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func generateAPIKey(live bool) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	prefix := "rl_test_"
	if live {
		prefix = "rl_live_"
	}
	return prefix + hex.EncodeToString(buf), nil
}

func randomID(prefix string) (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(buf), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
