// Package receiptsdk is the embeddable entry point: one Init call wires the
// signing-service client, the delivery queue, and auto-instrumentation.
package receiptsdk

import (
	"context"
	"log"
	"net/http"
	"time"

	"receiptline/internal/client"
	"receiptline/internal/queue"
	"receiptline/internal/receipt"
	"receiptline/internal/verify"
	"receiptline/internal/wrap"
)

// Options tune an SDK instance. The zero value is usable.
type Options struct {
	// BaseURL overrides the hosted service endpoint, e.g. for rl serve.
	BaseURL string
	// QueueSize bounds the async delivery queue.
	QueueSize int
	// Timeout and MaxRetries override the client's request policy.
	Timeout    time.Duration
	MaxRetries int
	// Logger receives queue drop warnings and wrap diagnostics.
	Logger *log.Logger
}

// SDK bundles one credential's client, queue, and instrumenter.
type SDK struct {
	Client *client.Client

	queue  *queue.Queue
	inst   *wrap.Instrumenter
	logger *log.Logger
}

// Init validates the API key and assembles an SDK instance. No network
// traffic happens here; the first issue or verify call does.
func Init(apiKey string, opts Options) (*SDK, error) {
	c, err := client.New(apiKey)
	if err != nil {
		return nil, err
	}
	if opts.BaseURL != "" {
		c.BaseURL = opts.BaseURL
	}
	if opts.Timeout > 0 {
		c.Timeout = opts.Timeout
	}
	if opts.MaxRetries > 0 {
		c.MaxRetries = opts.MaxRetries
	}
	q := queue.New(opts.QueueSize)
	q.Logger = opts.Logger
	return &SDK{
		Client: c,
		queue:  q,
		inst: &wrap.Instrumenter{
			Issuer: c,
			Queue:  q,
			Logger: opts.Logger,
		},
		logger: opts.Logger,
	}, nil
}

// Wrap instruments an agent so its method calls emit receipts. Wrapping an
// already wrapped agent returns it unchanged.
func (s *SDK) Wrap(t wrap.Target, cfg *wrap.Config) wrap.Target {
	if cfg == nil {
		cfg = wrap.Default()
	}
	return s.inst.Wrap(t, cfg)
}

// Unwrap restores the original agent behind a wrapped one.
func (s *SDK) Unwrap(t wrap.Target) wrap.Target {
	return wrap.Unwrap(t)
}

// Issue requests one signed receipt synchronously.
func (s *SDK) Issue(ctx context.Context, actionType string, payload map[string]any, opts client.IssueOptions) (receipt.Receipt, error) {
	return s.Client.Issue(ctx, actionType, payload, opts)
}

// IssueCounterfactual records that an action was deliberately not taken. It
// is a payload convention over the normal issue path: the receipt's payload
// carries action_not_taken plus the reason.
func (s *SDK) IssueCounterfactual(ctx context.Context, actionType, reason string, details map[string]any) (receipt.Receipt, error) {
	payload := map[string]any{
		"action_not_taken": true,
		"reason":           reason,
	}
	for k, v := range details {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	return s.Client.Issue(ctx, actionType, payload, client.IssueOptions{})
}

// Verify asks the service to check a receipt.
func (s *SDK) Verify(ctx context.Context, r *receipt.Receipt) (receipt.VerificationResult, error) {
	return s.Client.Verify(ctx, r)
}

// VerifyOffline checks a receipt locally against the service's published key
// set, without sending the receipt anywhere.
func (s *SDK) VerifyOffline(ctx context.Context, r *receipt.Receipt) (receipt.VerificationResult, error) {
	v, err := verify.FromJWKS(ctx, &http.Client{Timeout: 10 * time.Second}, s.Client.BaseURL, nil)
	if err != nil {
		return receipt.VerificationResult{}, err
	}
	return v.Verify(r), nil
}

// Status returns service health.
func (s *SDK) Status(ctx context.Context) (receipt.ServiceStatus, error) {
	return s.Client.Status(ctx)
}

// Lookup resolves a receipt hash through the public endpoint.
func (s *SDK) Lookup(ctx context.Context, receiptHash string) (receipt.LookupResult, error) {
	return s.Client.Lookup(ctx, receiptHash)
}

// Stats reports delivery queue counters.
func (s *SDK) Stats() queue.Stats {
	return s.queue.Stats()
}

// Close drains the delivery queue, waiting up to timeout for pending
// receipts. Undelivered jobs are counted as dropped.
func (s *SDK) Close(timeout time.Duration) queue.Stats {
	s.queue.Close(timeout)
	return s.queue.Stats()
}
