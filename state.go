package flagkit

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "flagkit_state"

// State holds the response state for a request. Once a response has
// been written the state is frozen: further mutation through the
// setters is ignored, so a handler that outlives its deadline cannot
// clobber the timeout response.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
	written bool
}

// markWritten attempts to mark the state as written.
// Returns true if this call successfully marked it (first caller wins).
// Returns false if already written (second caller should not write).
func (s *State) markWritten() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written {
		return false
	}
	s.written = true
	return true
}

// setError records err unless the response has already been written.
func (s *State) setError(err *APIError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written {
		return
	}
	s.err = err
}

// empty reports whether no response has been staged yet.
func (s *State) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err == nil && s.body == nil && s.status == 0
}

// HasState returns true if wrapper state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}
