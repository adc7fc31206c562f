// Package control holds the operator-set runtime flags consulted by the
// execution engine before every action.
package control

import "sync"

// Snapshot is the immutable view of the control flags.
type Snapshot struct {
	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`
	CloseOnly   bool   `json:"close_only"`
}

// State is the process-wide control flag holder. Read-mostly: every engine
// operation reads it, only the control plane writes it.
type State struct {
	mu       sync.RWMutex
	snapshot Snapshot
}

// NewState returns defaults: not paused, not close-only.
func NewState() *State {
	return &State{}
}

// Get returns the current flags.
func (s *State) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// SetPaused flips the pause flag. Pausing does not cancel in-flight orders;
// it only stops future signals from acting.
func (s *State) SetPaused(paused bool, reason string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Paused = paused
	if paused {
		s.snapshot.PauseReason = reason
	} else {
		s.snapshot.PauseReason = ""
	}
	return s.snapshot
}

// SetCloseOnly flips close-only mode, affecting only future signal decisions.
func (s *State) SetCloseOnly(closeOnly bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.CloseOnly = closeOnly
	return s.snapshot
}
