// Package chain tracks per-agent receipt chain linkage on the client side.
package chain

import "sync"

// State is a thread-safe cursor over one agent's receipt chain. The zero
// sequence with an empty hash is the genesis position.
type State struct {
	agentID  string
	mu       sync.Mutex
	lastHash string
	sequence int64
}

// New returns chain state at the genesis position for an agent.
func New(agentID string) *State {
	return &State{agentID: agentID}
}

// AgentID returns the agent this state belongs to.
func (s *State) AgentID() string { return s.agentID }

// Peek returns the current (last hash, sequence) without advancing.
func (s *State) Peek() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash, s.sequence
}

// Advance atomically returns the pre-advance (last hash, sequence), then
// records newHash and increments the sequence. Callers racing on the same
// state observe a strict linear order: no two see the same pre-advance pair.
func (s *State) Advance(newHash string) (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, seq := s.lastHash, s.sequence
	s.lastHash = newHash
	s.sequence++
	return prev, seq
}
