// Package ds provides generic data structures.
package ds

import "fmt"

// Set is an ordered set: membership tests are O(1) and iteration follows
// insertion order, which keeps fan-out over set members deterministic.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

func NewSet[T comparable](ids ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(ids))}
	s.Extend(ids...)
	return s
}

func (s *Set[T]) String() string { return fmt.Sprintf("%v", s.order) }

// Add adds id. It reports whether id was new.
func (s *Set[T]) Add(id T) bool {
	if s.Contains(id) {
		return false
	}
	s.items[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Extend adds ids and returns the ones that were new, in order.
func (s *Set[T]) Extend(ids ...T) []T {
	added := make([]T, 0, len(ids))
	for _, id := range ids {
		if s.Add(id) {
			added = append(added, id)
		}
	}
	return added
}

func (s *Set[T]) Contains(id T) bool {
	_, ok := s.items[id]
	return ok
}

func (s *Set[T]) Len() int { return len(s.order) }

// Values returns a copy of the members in insertion order.
func (s *Set[T]) Values() []T { return append([]T(nil), s.order...) }

// Filter returns a new set with the members keep accepts.
func (s *Set[T]) Filter(keep func(T) bool) *Set[T] {
	out := NewSet[T]()
	for _, id := range s.order {
		if keep(id) {
			out.Add(id)
		}
	}
	return out
}
