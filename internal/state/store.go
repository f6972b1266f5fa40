// Package state holds an immutable value that is replaced, never mutated,
// and broadcast to listeners on every change.
package state

import (
	"sort"
	"sync"
)

// Store holds the current value of T
type Store[T any] struct {
	mu        sync.Mutex
	value     T
	listeners map[int]func(T)
	nextID    int
}

// NewStore creates a store holding initial
func NewStore[T any](initial T) *Store[T] {
	return &Store[T]{
		value:     initial,
		listeners: make(map[int]func(T)),
	}
}

// Get returns the current value
func (s *Store[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Apply replaces the value with patch(current) and notifies listeners with
// the new value. patch must return a new value rather than modify its
// argument in place.
func (s *Store[T]) Apply(patch func(T) T) T {
	s.mu.Lock()
	next := patch(s.value)
	s.value = next

	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(T), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next
}

// Subscribe registers fn for every future value and returns a function
// that removes it
func (s *Store[T]) Subscribe(fn func(T)) (unsubscribe func()) {
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
