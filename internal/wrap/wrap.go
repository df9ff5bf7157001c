// Package wrap instruments agents: every named method on a wrapped target
// emits a receipt payload describing the call, without changing what the
// caller sees. Wrapping is an explicit decorator built at composition time,
// idempotent, and fully reversible.
package wrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"receiptline/internal/chain"
	"receiptline/internal/client"
	"receiptline/internal/queue"
	"receiptline/internal/sanitize"
)

// Call outcome statuses recorded in payloads.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Method is one named capability of an agent. Blocking and cooperatively
// suspending implementations both fit behind the context parameter; the
// wrapper never changes how the original runs.
type Method func(ctx context.Context, args map[string]any) (any, error)

// Target is anything with a name and a set of named methods. Agents stay
// unaware of receipting; they only expose this surface.
type Target interface {
	AgentName() string
	Methods() map[string]Method
}

// Agent is a ready-made Target for composing an instrumentable object out of
// plain functions.
type Agent struct {
	name    string
	methods map[string]Method
}

// NewAgent returns an empty agent with the given name.
func NewAgent(name string) *Agent {
	return &Agent{name: name, methods: make(map[string]Method)}
}

// Register adds or replaces a named method.
func (a *Agent) Register(name string, m Method) *Agent {
	a.methods[name] = m
	return a
}

// AgentName implements Target.
func (a *Agent) AgentName() string { return a.name }

// Methods implements Target.
func (a *Agent) Methods() map[string]Method { return a.methods }

// Call invokes a registered method directly, bypassing instrumentation.
func (a *Agent) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	m, ok := a.methods[name]
	if !ok {
		return nil, fmt.Errorf("agent %s has no method %s", a.name, name)
	}
	return m(ctx, args)
}

// Instrumenter builds receipted proxies around targets. One instrumenter is
// owned by one SDK client; its queue and issuer are shared across every agent
// it wraps.
type Instrumenter struct {
	Issuer queue.Issuer
	Queue  *queue.Queue
	Logger *log.Logger

	// now is swapped in tests for deterministic timestamps.
	now func() time.Time
}

// Proxy is a wrapped target. It implements Target itself, so it can be passed
// anywhere the original could; re-wrapping it is a no-op.
type Proxy struct {
	inst      *Instrumenter
	target    Target
	cfg       *Config
	chainSt   *chain.State
	originals map[string]Method
	wrapped   map[string]Method
}

// Wrap decorates every qualifying method of t. Names starting with an
// underscore are treated as private and skipped. Wrapping an existing Proxy
// returns it unchanged. A disabled config returns the target as-is.
func (n *Instrumenter) Wrap(t Target, cfg *Config) Target {
	if p, ok := t.(*Proxy); ok {
		return p
	}
	if cfg == nil {
		cfg = Default()
	}
	if !cfg.Enabled {
		return t
	}

	p := &Proxy{
		inst:      n,
		target:    t,
		cfg:       cfg,
		chainSt:   chain.New(t.AgentName()),
		originals: make(map[string]Method),
		wrapped:   make(map[string]Method),
	}
	for name, m := range t.Methods() {
		if m == nil || strings.HasPrefix(name, "_") {
			continue
		}
		p.originals[name] = m
		p.wrapped[name] = p.instrument(name, m)
	}
	n.logf("[receiptline] auto-receipts enabled for %s (%d methods)", t.AgentName(), len(p.wrapped))
	return p
}

// Unwrap restores the original target. Targets that were never wrapped come
// back unchanged, so unwrapping twice is harmless.
func Unwrap(t Target) Target {
	if p, ok := t.(*Proxy); ok {
		return p.target
	}
	return t
}

// AgentName implements Target.
func (p *Proxy) AgentName() string { return p.target.AgentName() }

// Methods implements Target, returning the instrumented method set.
func (p *Proxy) Methods() map[string]Method { return p.wrapped }

// Originals exposes the pre-wrap methods, keyed by name.
func (p *Proxy) Originals() map[string]Method { return p.originals }

// Chain returns the proxy's chain state.
func (p *Proxy) Chain() *chain.State { return p.chainSt }

// Call invokes an instrumented method by name.
func (p *Proxy) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	m, ok := p.wrapped[name]
	if !ok {
		// Private and unknown names fall through to the target untouched.
		if orig, exists := p.target.Methods()[name]; exists {
			return orig(ctx, args)
		}
		return nil, fmt.Errorf("agent %s has no method %s", p.AgentName(), name)
	}
	return m(ctx, args)
}

// instrument builds the wrapper for one method. The original's return value,
// error, and even panics reach the caller untouched; receipt emission runs in
// the deferred bookkeeping and can never disturb the call.
func (p *Proxy) instrument(name string, original Method) Method {
	return func(ctx context.Context, args map[string]any) (result any, err error) {
		start := time.Now()
		status := StatusSuccess
		errorType := ""
		defer func() {
			if rec := recover(); rec != nil {
				status = StatusError
				errorType = fmt.Sprintf("panic: %v", rec)
				p.emit(ctx, name, args, nil, status, errorType, time.Since(start))
				panic(rec)
			}
			if err != nil {
				status = StatusError
				errorType = fmt.Sprintf("%T", err)
			}
			p.emit(ctx, name, args, result, status, errorType, time.Since(start))
		}()
		result, err = original(ctx, args)
		return result, err
	}
}

// emit builds and dispatches one receipt payload. Every failure inside is
// swallowed: telemetry must never surface through an instrumented call.
func (p *Proxy) emit(ctx context.Context, method string, args map[string]any, result any, status, errorType string, duration time.Duration) {
	defer func() { _ = recover() }()

	if !p.cfg.ShouldReceipt(status) {
		return
	}

	if p.cfg.RedactSecrets {
		args = sanitize.Redact(args, p.cfg.SecretPatterns)
	}
	payload := map[string]any{
		"agent":          p.AgentName(),
		"auto_receipt":   true,
		"function":       method,
		"timestamp":      p.inst.clock()().UTC().Format(time.RFC3339),
		"duration_ms":    float64(duration.Microseconds()) / 1000.0,
		"status":         status,
		"error_type":     errorType,
		"arguments":      sanitize.SafeArgs(args),
		"result_summary": sanitize.SafeValue(result),
	}
	payload = sanitize.Truncate(payload, p.cfg.MaxPayloadBytes)

	switch {
	case p.cfg.DryRun:
		data, _ := json.Marshal(payload)
		p.inst.logf("[receiptline dry run] %s: %s", method, data)
	case p.cfg.FireAndForget:
		p.inst.Queue.Enqueue(queue.Job{
			Issuer:     p.inst.Issuer,
			ActionType: method,
			Payload:    payload,
			Chain:      p.chainSt,
		})
	default:
		prevHash, _ := p.chainSt.Peek()
		r, issueErr := p.inst.Issuer.Issue(ctx, method, payload, client.IssueOptions{
			PreviousReceiptHash: prevHash,
		})
		if issueErr == nil && r.ReceiptHash != "" {
			p.chainSt.Advance(r.ReceiptHash)
		}
	}
}

func (n *Instrumenter) clock() func() time.Time {
	if n.now != nil {
		return n.now
	}
	return time.Now
}

func (n *Instrumenter) logf(format string, args ...any) {
	if n.Logger != nil {
		n.Logger.Printf(format, args...)
		return
	}
	log.New(os.Stderr, "", log.LstdFlags).Printf(format, args...)
}
