package workflow

import (
	"sync"

	"griddesk/internal/model"
)

// Listener receives the full state snapshot after every transition
type Listener func(model.WorkflowState)

// Store holds the single source of truth for one cancellation workflow.
// Every transition replaces the aggregate atomically, so subscribers never
// observe a half-applied transition (e.g. mode switched but candidates kept).
type Store struct {
	mu        sync.RWMutex
	state     model.WorkflowState
	listeners map[int]Listener
	nextID    int
}

func NewStore() *Store {
	return &Store{
		state:     model.NewWorkflowState(),
		listeners: make(map[int]Listener),
	}
}

// Snapshot returns a deep copy of the current state
func (s *Store) Snapshot() model.WorkflowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Replace swaps in a new aggregate and notifies all subscribers. Each
// subscriber gets its own copy so none can mutate another's view.
func (s *Store) Replace(state model.WorkflowState) {
	s.mu.Lock()
	s.state = state
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(state.Clone())
	}
}

// Subscribe registers a listener and returns an unsubscribe func
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
