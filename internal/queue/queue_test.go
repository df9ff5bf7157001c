package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"receiptline/internal/chain"
	"receiptline/internal/client"
	"receiptline/internal/receipt"
)

// fakeIssuer hands out sequential hashes, optionally gated so tests can hold
// the consumer still while producers run.
type fakeIssuer struct {
	mu      sync.Mutex
	gate    chan struct{}
	fail    bool
	calls   int
	prevs   []string
	actions []string
}

func (f *fakeIssuer) Issue(ctx context.Context, actionType string, payload map[string]any, opts client.IssueOptions) (receipt.Receipt, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prevs = append(f.prevs, opts.PreviousReceiptHash)
	f.actions = append(f.actions, actionType)
	if f.fail {
		return receipt.Receipt{}, errors.New("remote down")
	}
	return receipt.Receipt{ReceiptHash: fmt.Sprintf("hash-%d", f.calls)}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func TestDeliveryAdvancesChain(t *testing.T) {
	q := New(10)
	issuer := &fakeIssuer{}
	st := chain.New("AgentA")
	for i := 0; i < 3; i++ {
		q.Enqueue(Job{Issuer: issuer, ActionType: "act", Payload: map[string]any{"i": i}, Chain: st})
	}
	waitFor(t, func() bool { return q.Stats().Issued == 3 })

	issuer.mu.Lock()
	prevs := append([]string(nil), issuer.prevs...)
	issuer.mu.Unlock()
	want := []string{"", "hash-1", "hash-2"}
	for i := range want {
		if prevs[i] != want[i] {
			t.Fatalf("previous hashes %v, want %v", prevs, want)
		}
	}
	hash, seq := st.Peek()
	if hash != "hash-3" || seq != 3 {
		t.Fatalf("chain = (%q, %d)", hash, seq)
	}
}

func TestBurstOverCapacityDropsExactExcess(t *testing.T) {
	const capacity = 8
	const burst = 30
	issuer := &fakeIssuer{gate: make(chan struct{})}
	q := New(capacity)
	st := chain.New("AgentA")

	// Occupy the worker with one job so the buffer fills behind it.
	q.Enqueue(Job{Issuer: issuer, ActionType: "first", Chain: st})
	waitFor(t, func() bool { return q.Stats().Pending == 0 })

	for i := 0; i < burst; i++ {
		q.Enqueue(Job{Issuer: issuer, ActionType: fmt.Sprintf("job-%d", i), Chain: st})
	}
	if got := q.Stats().Dropped; got != burst-capacity {
		t.Fatalf("dropped = %d, want %d", got, burst-capacity)
	}

	close(issuer.gate)
	waitFor(t, func() bool { return q.Stats().Issued == capacity+1 })

	// Every accepted job was delivered exactly once.
	issuer.mu.Lock()
	calls := issuer.calls
	issuer.mu.Unlock()
	if calls != capacity+1 {
		t.Fatalf("issue calls = %d, want %d", calls, capacity+1)
	}
}

func TestFailuresCountAndDoNotAdvanceChain(t *testing.T) {
	q := New(4)
	issuer := &fakeIssuer{fail: true}
	st := chain.New("AgentA")
	q.Enqueue(Job{Issuer: issuer, ActionType: "act", Chain: st})
	q.Enqueue(Job{Issuer: issuer, ActionType: "act", Chain: st})
	waitFor(t, func() bool { return q.Stats().Failed == 2 })
	if hash, seq := st.Peek(); hash != "" || seq != 0 {
		t.Fatalf("failed deliveries advanced the chain: (%q, %d)", hash, seq)
	}
}

func TestCloseDrainsBacklog(t *testing.T) {
	q := New(16)
	issuer := &fakeIssuer{}
	st := chain.New("AgentA")
	for i := 0; i < 10; i++ {
		q.Enqueue(Job{Issuer: issuer, ActionType: "act", Chain: st})
	}
	q.Close(5 * time.Second)
	if s := q.Stats(); s.Issued != 10 || s.Pending != 0 {
		t.Fatalf("stats after close: %+v", s)
	}
	// Enqueue after close drops silently.
	q.Enqueue(Job{Issuer: issuer, ActionType: "late", Chain: st})
	if s := q.Stats(); s.Dropped != 1 {
		t.Fatalf("post-close enqueue not counted as drop: %+v", s)
	}
}

func TestCloseTimeoutAbandonsAsDropped(t *testing.T) {
	issuer := &fakeIssuer{gate: make(chan struct{})}
	defer close(issuer.gate)
	q := New(8)
	st := chain.New("AgentA")
	for i := 0; i < 5; i++ {
		q.Enqueue(Job{Issuer: issuer, ActionType: "act", Chain: st})
	}
	q.Close(50 * time.Millisecond)
	if s := q.Stats(); s.Dropped == 0 {
		t.Fatalf("stuck backlog not counted as dropped: %+v", s)
	}
}

func TestCloseUnstartedQueue(t *testing.T) {
	q := New(4)
	q.Close(time.Second) // must not hang or panic
}

func TestConcurrentEnqueueDuringClose(t *testing.T) {
	const producers = 4
	const perProducer = 200
	issuer := &fakeIssuer{}
	q := New(8)
	st := chain.New("AgentA")

	start := make(chan struct{})
	panics := make(chan any, producers)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panics <- r
				}
			}()
			<-start
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Job{Issuer: issuer, ActionType: "act", Chain: st})
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	q.Close(5 * time.Second)
	wg.Wait()

	select {
	case r := <-panics:
		t.Fatalf("Enqueue panicked while queue was closing: %v", r)
	default:
	}

	// Every job was either delivered or counted as a drop.
	if s := q.Stats(); s.Issued+s.Dropped != producers*perProducer || s.Pending != 0 {
		t.Fatalf("jobs unaccounted for: %+v, want issued+dropped = %d", s, producers*perProducer)
	}
}
