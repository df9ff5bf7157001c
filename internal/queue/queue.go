// Package queue implements fire-and-forget receipt delivery: a bounded job
// buffer drained by a single background worker that issues receipts and feeds
// resulting hashes back into per-agent chain state.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"receiptline/internal/chain"
	"receiptline/internal/client"
	"receiptline/internal/receipt"
)

// Issuer is the slice of the remote client the worker needs.
type Issuer interface {
	Issue(ctx context.Context, actionType string, payload map[string]any, opts client.IssueOptions) (receipt.Receipt, error)
}

// Job is one pending receipt issuance.
type Job struct {
	Issuer     Issuer
	ActionType string
	Payload    map[string]any
	Chain      *chain.State
}

// Stats are the queue's delivery counters.
type Stats struct {
	Issued  int `json:"issued"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
	Pending int `json:"pending"`
}

const (
	// DefaultCapacity bounds the job buffer.
	DefaultCapacity = 1000

	// DefaultDrainTimeout bounds how long Close waits for the worker to
	// finish the remaining backlog.
	DefaultDrainTimeout = 30 * time.Second
)

// Queue is safe for concurrent enqueue from any number of goroutines. The
// worker starts lazily on first enqueue and is the only consumer, which
// serializes remote issue calls and therefore chain advances per agent.
type Queue struct {
	Logger *log.Logger

	jobs chan Job
	done chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	issued  int
	failed  int
	dropped int
}

// New returns a queue with the given capacity (DefaultCapacity when <= 0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		jobs: make(chan Job, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds a job without ever blocking the caller. When the buffer is
// full the job is dropped, the drop counter advances, and a warning goes to
// the diagnostic log.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	if q.closed {
		q.dropped++
		q.mu.Unlock()
		return
	}
	if !q.started {
		q.started = true
		go q.consume()
	}
	// Close sets closed and closes q.jobs under this same lock, so the
	// send can never hit a closed channel. The non-blocking select keeps
	// the critical section short.
	select {
	case q.jobs <- job:
		q.mu.Unlock()
	default:
		q.dropped++
		q.mu.Unlock()
		q.logf("[receiptline] delivery queue full, dropping receipt for %q", job.ActionType)
	}
}

// consume is the single background worker. One job at a time: read the
// chain's current previous-hash, issue, then advance the chain with the
// returned hash. Failures count and the loop moves on; retry policy lives in
// the client, not here.
func (q *Queue) consume() {
	defer close(q.done)
	for job := range q.jobs {
		prevHash, _ := job.Chain.Peek()
		r, err := job.Issuer.Issue(context.Background(), job.ActionType, job.Payload, client.IssueOptions{
			PreviousReceiptHash: prevHash,
		})
		q.mu.Lock()
		if err != nil {
			q.failed++
			q.mu.Unlock()
			continue
		}
		q.issued++
		q.mu.Unlock()
		if r.ReceiptHash != "" {
			job.Chain.Advance(r.ReceiptHash)
		}
	}
}

// Close stops accepting jobs and waits up to timeout for the worker to drain
// the backlog. Jobs still unprocessed when the timeout fires are abandoned
// and counted as dropped.
func (q *Queue) Close(timeout time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	close(q.jobs)
	q.mu.Unlock()

	if !started {
		return
	}
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.done:
	case <-timer.C:
		abandoned := len(q.jobs)
		q.mu.Lock()
		q.dropped += abandoned
		q.mu.Unlock()
		q.logf("[receiptline] shutdown drain timed out, abandoning %d receipts", abandoned)
	}
}

// Stats returns a snapshot of the delivery counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Issued:  q.issued,
		Failed:  q.failed,
		Dropped: q.dropped,
		Pending: len(q.jobs),
	}
}

func (q *Queue) logf(format string, args ...any) {
	if q.Logger != nil {
		q.Logger.Printf(format, args...)
	}
}
