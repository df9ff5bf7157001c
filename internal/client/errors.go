package client

import (
	"fmt"
	"time"
)

// APIError wraps a structured error response from the signing service.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

// AuthenticationError marks a bad or missing credential. Never retried.
type AuthenticationError struct {
	APIError
}

// RateLimitError marks a 429. The client retries with the server-supplied
// delay first; this surfaces once attempts run out.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

// ValidationError marks a malformed request (422). Never retried; the
// server's structured detail is preserved in Details.
type ValidationError struct {
	APIError
}

// ConnectionError marks a network-level failure after retries are exhausted.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection failed: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }
