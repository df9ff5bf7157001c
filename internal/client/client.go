// Package client is the stateless HTTP wrapper around the signing service's
// issue/verify/status/lookup surface. It classifies transport failures into
// the typed errors in errors.go and retries only where the taxonomy allows.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"receiptline/internal/receipt"
)

const (
	// DefaultBaseURL points at the hosted signing service.
	DefaultBaseURL = "https://api.receiptline.dev"

	// UserAgent identifies this SDK on the wire.
	UserAgent = "receiptline-go/0.1.0"

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 2
	// Retry-After values beyond this are clamped so a single call cannot
	// stall its caller for the server's whole cooldown window.
	maxRateLimitWait = 5 * time.Second

	apiPrefix = "/v1/notary"
)

// Client talks to one signing service with one credential.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates the credential format locally and returns a client. Keys must
// carry a recognized prefix; an obviously malformed key fails here without a
// network round trip.
func New(apiKey string) (*Client, error) {
	if !ValidKeyFormat(apiKey) {
		return nil, &AuthenticationError{APIError{
			Status:  0,
			Code:    "ERR_INVALID_API_KEY",
			Message: "invalid API key format: keys must start with rl_live_ or rl_test_",
		}}
	}
	return &Client{
		BaseURL:    DefaultBaseURL,
		APIKey:     apiKey,
		Timeout:    defaultTimeout,
		MaxRetries: defaultMaxRetries,
	}, nil
}

// ValidKeyFormat reports whether key has a recognized credential prefix.
func ValidKeyFormat(key string) bool {
	return strings.HasPrefix(key, "rl_live_") || strings.HasPrefix(key, "rl_test_")
}

// IssueOptions are the optional parts of an issue request.
type IssueOptions struct {
	PreviousReceiptHash string
	Metadata            map[string]any
}

type issueResponse struct {
	Receipt       receipt.Receipt `json:"receipt"`
	ReceiptHash   string          `json:"receipt_hash"`
	VerifyURL     string          `json:"verify_url"`
	ChainPosition *int64          `json:"chain_position"`
}

// Issue requests a signed receipt for an action.
func (c *Client) Issue(ctx context.Context, actionType string, payload map[string]any, opts IssueOptions) (receipt.Receipt, error) {
	body := map[string]any{
		"action_type": actionType,
		"payload":     payload,
	}
	if opts.PreviousReceiptHash != "" {
		body["previous_receipt_hash"] = opts.PreviousReceiptHash
	}
	if opts.Metadata != nil {
		body["metadata"] = opts.Metadata
	}
	var resp issueResponse
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/issue", body, &resp); err != nil {
		return receipt.Receipt{}, err
	}
	r := resp.Receipt
	r.ReceiptHash = resp.ReceiptHash
	r.VerifyURL = resp.VerifyURL
	if resp.ChainPosition != nil {
		r.ChainSequence = resp.ChainPosition
	}
	return r, nil
}

// Verify asks the service to check a full receipt.
func (c *Client) Verify(ctx context.Context, r *receipt.Receipt) (receipt.VerificationResult, error) {
	var resp receipt.VerificationResult
	err := c.do(ctx, http.MethodPost, apiPrefix+"/verify", map[string]any{"receipt": r}, &resp)
	return resp, err
}

// VerifyByID asks the service to look up and check a stored receipt.
func (c *Client) VerifyByID(ctx context.Context, receiptID string) (receipt.VerificationResult, error) {
	var resp receipt.VerificationResult
	err := c.do(ctx, http.MethodPost, apiPrefix+"/verify", map[string]any{"receipt_id": receiptID}, &resp)
	return resp, err
}

// Status returns service health and capabilities.
func (c *Client) Status(ctx context.Context) (receipt.ServiceStatus, error) {
	var resp receipt.ServiceStatus
	err := c.do(ctx, http.MethodGet, apiPrefix+"/status", nil, &resp)
	return resp, err
}

// PublicKey fetches the service's verification key document.
func (c *Client) PublicKey(ctx context.Context) (receipt.KeyInfo, error) {
	var resp receipt.KeyInfo
	err := c.do(ctx, http.MethodGet, apiPrefix+"/public-key", nil, &resp)
	return resp, err
}

// Lookup fetches a receipt by hash from the public, credential-free endpoint.
// An absent receipt is a Found=false result, not an error.
func (c *Client) Lookup(ctx context.Context, receiptHash string) (receipt.LookupResult, error) {
	endpoint := apiPrefix + "/r/" + url.PathEscape(receiptHash)
	var resp receipt.LookupResult
	err := c.doUnauthenticated(ctx, endpoint, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return receipt.LookupResult{Found: false}, nil
	}
	return resp, err
}

// httpClient never writes to the struct: requests run concurrently from the
// delivery worker and from callers, and c is shared between them.
func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.timeout()}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do runs one authenticated request with the retry policy: 401 and 422 fail
// immediately, 429 honors Retry-After (clamped), 5xx / timeouts / connection
// errors back off exponentially, all up to MaxRetries additional attempts.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		canRetry := attempt < c.MaxRetries
		retryable, err := c.once(ctx, method, endpoint, encoded, out, attempt, canRetry)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || !canRetry {
			return err
		}
	}
	return lastErr
}

// once performs a single attempt. The bool reports whether the caller should
// retry; a true return has already waited the applicable backoff delay.
func (c *Client) once(ctx context.Context, method, endpoint string, encoded []byte, out any, attempt int, canRetry bool) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	var reqBody io.Reader
	if encoded != nil {
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.base()+endpoint, reqBody)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-API-Key", c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Connection failures and per-attempt timeouts retry like 5xx.
		if !canRetry {
			return false, &ConnectionError{Err: err}
		}
		if waitErr := c.wait(ctx, backoff(attempt)); waitErr != nil {
			return false, &ConnectionError{Err: err}
		}
		return true, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return false, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
		return false, nil
	}

	apiErr := parseAPIError(resp.StatusCode, raw)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, &AuthenticationError{*apiErr}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := retryAfterDelay(resp)
		rlErr := &RateLimitError{APIError: *apiErr, RetryAfter: retryAfter}
		if !canRetry {
			return false, rlErr
		}
		wait := retryAfter
		if wait > maxRateLimitWait {
			wait = maxRateLimitWait
		}
		if waitErr := c.wait(ctx, wait); waitErr != nil {
			return false, rlErr
		}
		return true, rlErr
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return false, &ValidationError{*apiErr}
	case resp.StatusCode >= 500:
		if !canRetry {
			return false, apiErr
		}
		if waitErr := c.wait(ctx, backoff(attempt)); waitErr != nil {
			return false, apiErr
		}
		return true, apiErr
	default:
		return false, apiErr
	}
}

// doUnauthenticated serves the public lookup path: no credential, no retry.
func (c *Client) doUnauthenticated(ctx context.Context, endpoint string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.base()+endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) base() string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/")
}

func parseAPIError(status int, raw []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return &APIError{
			Status:  status,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
			Details: envelope.Error.Details,
		}
	}
	return &APIError{Status: status, Code: "ERR_UNKNOWN", Message: strings.TrimSpace(string(raw))}
}

func retryAfterDelay(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 60 * time.Second
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
