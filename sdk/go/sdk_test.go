package receiptsdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"receiptline/internal/client"
	"receiptline/internal/db"
	"receiptline/internal/engine"
	"receiptline/internal/migrate"
	"receiptline/internal/repo"
	"receiptline/internal/server"
	"receiptline/internal/signer"
	"receiptline/internal/wrap"
)

const testAPIKey = "rl_test_sdk0123456789"

func newDevService(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	s, err := signer.Load(context.Background(), r)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	if err := r.InsertAPIKey(context.Background(), nil, repo.APIKey{
		ID:      "key-1",
		AgentID: "calc-agent",
		KeyHash: repo.HashAPIKey(testAPIKey),
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
	handler, err := server.New(server.Config{Engine: engine.New(conn, s, "")})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestInitRejectsMalformedKey(t *testing.T) {
	if _, err := Init("sk_live_wrong_family", Options{}); err == nil {
		t.Fatal("expected key format error")
	}
}

func TestWrappedAgentEndToEnd(t *testing.T) {
	srv := newDevService(t)
	sdk, err := Init(testAPIKey, Options{BaseURL: srv.URL, QueueSize: 16})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	agent := wrap.NewAgent("calc-agent").Register("add", func(ctx context.Context, args map[string]any) (any, error) {
		return args["a"].(int) + args["b"].(int), nil
	})
	wrapped := sdk.Wrap(agent, nil)

	for i := 0; i < 3; i++ {
		out, err := wrapped.Methods()["add"](context.Background(), map[string]any{"a": i, "b": 1})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if out.(int) != i+1 {
			t.Fatalf("call %d = %v, want %d", i, out, i+1)
		}
	}

	stats := sdk.Close(5 * time.Second)
	if stats.Issued != 3 {
		t.Fatalf("issued = %d, want 3 (stats %+v)", stats.Issued, stats)
	}
	if stats.Failed != 0 || stats.Dropped != 0 {
		t.Fatalf("unexpected failures: %+v", stats)
	}
}

func TestIssueAndVerifyOffline(t *testing.T) {
	srv := newDevService(t)
	sdk, err := Init(testAPIKey, Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	rec, err := sdk.Issue(context.Background(), "payment.settled", map[string]any{"amount": 250}, client.IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if rec.ReceiptHash == "" {
		t.Fatal("expected receipt_hash")
	}

	res, err := sdk.VerifyOffline(context.Background(), &rec)
	if err != nil {
		t.Fatalf("offline verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("offline verification failed: %+v", res)
	}

	lookup, err := sdk.Lookup(context.Background(), rec.ReceiptHash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !lookup.Found {
		t.Fatal("expected lookup to find issued receipt")
	}
}

func TestIssueCounterfactual(t *testing.T) {
	srv := newDevService(t)
	sdk, err := Init(testAPIKey, Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	rec, err := sdk.IssueCounterfactual(context.Background(), "payment.refund",
		"amount exceeds policy limit", map[string]any{"amount": 9000})
	if err != nil {
		t.Fatalf("issue counterfactual: %v", err)
	}
	if rec.ActionType != "payment.refund" || rec.ReceiptHash == "" {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
	res, err := sdk.VerifyOffline(context.Background(), &rec)
	if err != nil || !res.Valid {
		t.Fatalf("counterfactual receipt failed verification: %v %+v", err, res)
	}
}
