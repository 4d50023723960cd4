// Package signal provides typed observer lists.
package signal

import "sync"

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Signal is a list of listeners for values of one type. The zero value is ready to use.
//
// Emit iterates over a snapshot, so listeners may subscribe or unsubscribe
// from within a callback.
type Signal[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscriber[T]
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is idempotent.
func (s *Signal[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()
	return func() { s.remove(id) }
}

func (s *Signal[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers v to every current listener in subscription order.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := make([]subscriber[T], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.Unlock()

	for _, sub := range snapshot {
		sub.fn(v)
	}
}

// Clear drops every listener.
func (s *Signal[T]) Clear() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}

// Len returns the number of listeners.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
