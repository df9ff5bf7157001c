package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"receiptline/internal/db"
	"receiptline/internal/engine"
	"receiptline/internal/migrate"
	"receiptline/internal/receipt"
	"receiptline/internal/repo"
	"receiptline/internal/signer"
	"receiptline/internal/verify"
)

const (
	testAPIKey  = "rl_test_0123456789abcdef"
	testAgentID = "billing-agent"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
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
		AgentID: testAgentID,
		Name:    "test",
		KeyHash: repo.HashAPIKey(testAPIKey),
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	baseURL := "http://" + ln.Addr().String()
	e := engine.New(conn, s, baseURL)
	handler, err := New(Config{Engine: e})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    baseURL,
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authed() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func issueOne(t *testing.T, srv *testServer, actionType string, payload map[string]any) issueResponseBody {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/notary/issue", map[string]any{
		"action_type": actionType,
		"payload":     payload,
	}, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue status %d: %s", res.StatusCode, string(data))
	}
	var body issueResponseBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal issue response: %v", err)
	}
	return body
}

func TestIssueVerifyLookupFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	issued := issueOne(t, srv, "invoice.created", map[string]any{"invoice": "inv-42", "amount": 1000})
	if issued.ReceiptHash == "" {
		t.Fatal("expected receipt_hash in issue envelope")
	}
	if issued.Receipt.AgentID != testAgentID {
		t.Fatalf("agent_id = %q, want %q", issued.Receipt.AgentID, testAgentID)
	}
	if issued.Receipt.PreviousReceiptHash != "" {
		t.Fatalf("first receipt should have empty previous hash, got %q", issued.Receipt.PreviousReceiptHash)
	}
	if issued.ChainPosition == nil || *issued.ChainPosition != 0 {
		t.Fatalf("chain_position = %v, want 0", issued.ChainPosition)
	}
	if !strings.HasPrefix(issued.VerifyURL, srv.URL+"/r/") {
		t.Fatalf("verify_url = %q", issued.VerifyURL)
	}

	rec := issued.Receipt
	rec.ReceiptHash = issued.ReceiptHash
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/notary/verify", map[string]any{
		"receipt": rec,
	}, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verdict receipt.VerificationResult
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verification: %v", err)
	}
	if !verdict.Valid || !verdict.SignatureOK || !verdict.StructureOK {
		t.Fatalf("expected valid verification, got %+v", verdict)
	}
	if verdict.ChainOK == nil || !*verdict.ChainOK {
		t.Fatalf("expected chain_ok true, got %+v", verdict.ChainOK)
	}

	// Public lookup needs no credential.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/notary/r/"+issued.ReceiptHash, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup status %d: %s", res.StatusCode, string(data))
	}
	var lookup receipt.LookupResult
	if err := json.Unmarshal(data, &lookup); err != nil {
		t.Fatalf("unmarshal lookup: %v", err)
	}
	if !lookup.Found || lookup.Receipt == nil || lookup.Receipt.ReceiptID != issued.Receipt.ReceiptID {
		t.Fatalf("lookup mismatch: %+v", lookup)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/notary/r/ffffffffffffffffffff", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing lookup status %d: %s", res.StatusCode, string(data))
	}
}

func TestOfflineVerificationAgainstJWKS(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	issued := issueOne(t, srv, "report.generated", map[string]any{"pages": 12})
	rec := issued.Receipt
	rec.ReceiptHash = issued.ReceiptHash

	v, err := verify.FromJWKS(context.Background(), srv.Client(), srv.URL, nil)
	if err != nil {
		t.Fatalf("fetch jwks: %v", err)
	}
	res := v.Verify(&rec)
	if !res.Valid {
		t.Fatalf("offline verification failed: %+v", res)
	}

	tampered := rec
	tampered.ActionType = "report.deleted"
	res = v.Verify(&tampered)
	if res.Valid || res.SignatureOK {
		t.Fatalf("tampered receipt verified: %+v", res)
	}
}

func TestChainLinking(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	first := issueOne(t, srv, "step.one", map[string]any{"n": 1})
	second := issueOne(t, srv, "step.two", map[string]any{"n": 2})

	if second.Receipt.PreviousReceiptHash != first.ReceiptHash {
		t.Fatalf("previous hash = %q, want %q", second.Receipt.PreviousReceiptHash, first.ReceiptHash)
	}
	if second.ChainPosition == nil || *second.ChainPosition != 1 {
		t.Fatalf("chain_position = %v, want 1", second.ChainPosition)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/notary/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credential status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
		t.Fatalf("expected error envelope, got %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/notary/status", nil, map[string]string{
		"X-API-Key": "rl_test_not_the_right_key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d: %s", res.StatusCode, string(data))
	}
}

func TestIssueValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/notary/issue", map[string]any{
		"payload": map[string]any{"x": 1},
	}, authed())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("missing action_type status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("code = %q, want validation_failed", envelope.Error.Code)
	}
}
