package wrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"receiptline/internal/client"
	"receiptline/internal/queue"
	"receiptline/internal/receipt"
)

type issuedCall struct {
	action  string
	payload map[string]any
	prev    string
}

type captureIssuer struct {
	mu    sync.Mutex
	calls []issuedCall
	fail  bool
}

func (c *captureIssuer) Issue(ctx context.Context, actionType string, payload map[string]any, opts client.IssueOptions) (receipt.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return receipt.Receipt{}, errors.New("service down")
	}
	c.calls = append(c.calls, issuedCall{action: actionType, payload: payload, prev: opts.PreviousReceiptHash})
	return receipt.Receipt{ReceiptHash: fmt.Sprintf("hash-%d", len(c.calls))}, nil
}

func (c *captureIssuer) snapshot() []issuedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]issuedCall(nil), c.calls...)
}

var errBroken = errors.New("broken")

type brokenError struct{ error }

func calcAgent() *Agent {
	return NewAgent("Calculator").
		Register("add", func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(int) + args["b"].(int), nil
		}).
		Register("fail", func(ctx context.Context, args map[string]any) (any, error) {
			return nil, brokenError{errBroken}
		}).
		Register("_private", func(ctx context.Context, args map[string]any) (any, error) {
			return "hidden", nil
		})
}

func syncConfig() *Config {
	cfg := Default()
	cfg.FireAndForget = false
	return cfg
}

func newInstrumenter(issuer queue.Issuer) *Instrumenter {
	return &Instrumenter{
		Issuer: issuer,
		Queue:  queue.New(16),
		Logger: log.New(&bytes.Buffer{}, "", 0),
		now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestWrapPreservesResultsAndErrors(t *testing.T) {
	issuer := &captureIssuer{}
	inst := newInstrumenter(issuer)
	proxy := inst.Wrap(calcAgent(), syncConfig()).(*Proxy)

	got, err := proxy.Call(context.Background(), "add", map[string]any{"a": 2, "b": 3})
	if err != nil || got != 5 {
		t.Fatalf("add = (%v, %v), want (5, nil)", got, err)
	}

	_, err = proxy.Call(context.Background(), "fail", map[string]any{})
	var kind brokenError
	if !errors.As(err, &kind) {
		t.Fatalf("original error type lost: %T", err)
	}

	calls := issuer.snapshot()
	if len(calls) != 2 {
		t.Fatalf("issued %d receipts, want 2", len(calls))
	}
	addCall := calls[0]
	if addCall.action != "add" || addCall.payload["status"] != StatusSuccess {
		t.Fatalf("success payload: %+v", addCall)
	}
	argsMap := addCall.payload["arguments"].(map[string]any)
	if argsMap["a"] != 2 || argsMap["b"] != 3 {
		t.Fatalf("arguments = %v", argsMap)
	}
	failCall := calls[1]
	if failCall.payload["status"] != StatusError {
		t.Fatalf("error payload: %+v", failCall)
	}
	if et := failCall.payload["error_type"].(string); !strings.Contains(et, "brokenError") {
		t.Fatalf("error kind = %q", et)
	}
}

func TestPrivateMethodsNotInstrumented(t *testing.T) {
	issuer := &captureIssuer{}
	inst := newInstrumenter(issuer)
	proxy := inst.Wrap(calcAgent(), syncConfig()).(*Proxy)
	if _, ok := proxy.Methods()["_private"]; ok {
		t.Fatal("underscore method was instrumented")
	}
	got, err := proxy.Call(context.Background(), "_private", nil)
	if err != nil || got != "hidden" {
		t.Fatalf("private call = (%v, %v)", got, err)
	}
	if len(issuer.snapshot()) != 0 {
		t.Fatal("private call emitted a receipt")
	}
}

func TestWrapIdempotent(t *testing.T) {
	inst := newInstrumenter(&captureIssuer{})
	agent := calcAgent()
	p1 := inst.Wrap(agent, syncConfig())
	p2 := inst.Wrap(p1, syncConfig())
	if p1 != p2 {
		t.Fatal("re-wrapping produced a new proxy")
	}
	if len(p1.(*Proxy).Methods()) != len(p2.(*Proxy).Methods()) {
		t.Fatal("method count changed on re-wrap")
	}
}

func TestUnwrapRoundTrip(t *testing.T) {
	inst := newInstrumenter(&captureIssuer{})
	agent := calcAgent()
	wrapped := inst.Wrap(agent, syncConfig())
	restored := Unwrap(wrapped)
	if restored != Target(agent) {
		t.Fatal("unwrap did not restore the original target")
	}
	// Unwrapping an unwrapped target is a no-op.
	if Unwrap(restored) != Target(agent) {
		t.Fatal("double unwrap changed the target")
	}
	// Restored methods behave exactly like the originals and emit nothing.
	issuer := &captureIssuer{}
	inst2 := newInstrumenter(issuer)
	_ = inst2 // receipts would go through inst2; none should exist
	got, err := agent.Call(context.Background(), "add", map[string]any{"a": 2, "b": 3})
	if err != nil || got != 5 {
		t.Fatalf("restored add = (%v, %v)", got, err)
	}
	if len(issuer.snapshot()) != 0 {
		t.Fatal("restored agent still emits receipts")
	}
}

func TestSyncChainSequence(t *testing.T) {
	issuer := &captureIssuer{}
	inst := newInstrumenter(issuer)
	proxy := inst.Wrap(calcAgent(), syncConfig()).(*Proxy)

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := proxy.Call(context.Background(), "add", map[string]any{"a": i, "b": i}); err != nil {
			t.Fatal(err)
		}
	}
	calls := issuer.snapshot()
	if len(calls) != n {
		t.Fatalf("issued %d, want %d", len(calls), n)
	}
	if calls[0].prev != "" {
		t.Fatalf("first receipt previous hash = %q, want genesis", calls[0].prev)
	}
	for i := 1; i < n; i++ {
		want := fmt.Sprintf("hash-%d", i)
		if calls[i].prev != want {
			t.Fatalf("receipt %d previous hash = %q, want %q", i, calls[i].prev, want)
		}
	}
	if _, seq := proxy.Chain().Peek(); seq != n {
		t.Fatalf("chain sequence = %d, want %d", seq, n)
	}
}

func TestErrorsOnlyMode(t *testing.T) {
	issuer := &captureIssuer{}
	inst := newInstrumenter(issuer)
	cfg := syncConfig()
	cfg.Mode = ModeErrorsOnly
	proxy := inst.Wrap(calcAgent(), cfg).(*Proxy)

	proxy.Call(context.Background(), "add", map[string]any{"a": 1, "b": 1})
	proxy.Call(context.Background(), "fail", map[string]any{})
	calls := issuer.snapshot()
	if len(calls) != 1 || calls[0].action != "fail" {
		t.Fatalf("errors_only issued %+v", calls)
	}
}

func TestSampleMode(t *testing.T) {
	issuer := &captureIssuer{}
	inst := newInstrumenter(issuer)
	cfg := syncConfig()
	cfg.Mode = ModeSample
	cfg.SampleRate = 0.5
	next := 0.9
	cfg.randFloat = func() float64 { return next }
	proxy := inst.Wrap(calcAgent(), cfg).(*Proxy)

	proxy.Call(context.Background(), "add", map[string]any{"a": 1, "b": 1})
	if len(issuer.snapshot()) != 0 {
		t.Fatal("sample above rate still receipted")
	}
	next = 0.1
	proxy.Call(context.Background(), "add", map[string]any{"a": 1, "b": 1})
	if len(issuer.snapshot()) != 1 {
		t.Fatal("sample below rate skipped")
	}
}

func TestDryRunEmitsDiagnosticOnly(t *testing.T) {
	issuer := &captureIssuer{}
	var diag bytes.Buffer
	inst := newInstrumenter(issuer)
	inst.Logger = log.New(&diag, "", 0)
	cfg := syncConfig()
	cfg.DryRun = true
	proxy := inst.Wrap(calcAgent(), cfg).(*Proxy)

	proxy.Call(context.Background(), "add", map[string]any{"a": 2, "b": 3})
	if len(issuer.snapshot()) != 0 {
		t.Fatal("dry run performed network delivery")
	}
	if out := diag.String(); !strings.Contains(out, "dry run") || !strings.Contains(out, `"function":"add"`) {
		t.Fatalf("diagnostic line missing payload: %q", out)
	}
}

func TestSecretsRedactedInPayload(t *testing.T) {
	issuer := &captureIssuer{}
	inst := newInstrumenter(issuer)
	agent := NewAgent("Gateway").Register("login", func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	})
	proxy := inst.Wrap(agent, syncConfig()).(*Proxy)
	proxy.Call(context.Background(), "login", map[string]any{"user": "ada", "password": "hunter2"})

	calls := issuer.snapshot()
	args := calls[0].payload["arguments"].(map[string]any)
	if args["password"] != "[REDACTED]" {
		t.Fatalf("password leaked: %v", args["password"])
	}
	if args["user"] != "ada" {
		t.Fatalf("non-secret argument altered: %v", args["user"])
	}
}

func TestTelemetryFailureInvisibleToCaller(t *testing.T) {
	issuer := &captureIssuer{fail: true}
	inst := newInstrumenter(issuer)
	proxy := inst.Wrap(calcAgent(), syncConfig()).(*Proxy)
	got, err := proxy.Call(context.Background(), "add", map[string]any{"a": 2, "b": 3})
	if err != nil || got != 5 {
		t.Fatalf("issuer failure leaked into call: (%v, %v)", got, err)
	}
	// Chain must not advance on failed delivery.
	if _, seq := proxy.Chain().Peek(); seq != 0 {
		t.Fatalf("chain advanced on failed issue: %d", seq)
	}
}

func TestPanicPropagatesAndIsRecorded(t *testing.T) {
	issuer := &captureIssuer{}
	inst := newInstrumenter(issuer)
	agent := NewAgent("Flaky").Register("boom", func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})
	proxy := inst.Wrap(agent, syncConfig()).(*Proxy)

	func() {
		defer func() {
			if rec := recover(); rec != "kaboom" {
				t.Fatalf("panic value changed: %v", rec)
			}
		}()
		proxy.Call(context.Background(), "boom", nil)
	}()

	calls := issuer.snapshot()
	if len(calls) != 1 || calls[0].payload["status"] != StatusError {
		t.Fatalf("panic not recorded: %+v", calls)
	}
}

func TestFireAndForgetGoesThroughQueue(t *testing.T) {
	issuer := &captureIssuer{}
	inst := newInstrumenter(issuer)
	proxy := inst.Wrap(calcAgent(), Default()).(*Proxy)
	proxy.Call(context.Background(), "add", map[string]any{"a": 1, "b": 2})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && inst.Queue.Stats().Issued == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if inst.Queue.Stats().Issued != 1 {
		t.Fatalf("queue stats: %+v", inst.Queue.Stats())
	}
	if hash, seq := proxy.Chain().Peek(); hash != "hash-1" || seq != 1 {
		t.Fatalf("chain not advanced by worker: (%q, %d)", hash, seq)
	}
}
