package sets

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// OrderedSet is a set whose elements are always rendered in sorted order, so
// that two equal sets produce identical slices (e.g. as a cache key).
type OrderedSet[T constraints.Ordered] map[T]struct{}

func NewOrderedSet[T constraints.Ordered](vs ...T) OrderedSet[T] {
	s := make(OrderedSet[T], len(vs))
	s.Insert(vs...)
	return s
}

func (s OrderedSet[T]) Insert(vs ...T) {
	for _, v := range vs {
		s[v] = struct{}{}
	}
}

func (s OrderedSet[T]) Delete(vs ...T) {
	for _, v := range vs {
		delete(s, v)
	}
}

// Returns the set as a sorted slice.
func (s OrderedSet[T]) AsSlice() []T {
	rv := make([]T, 0, len(s))
	for x := range s {
		rv = append(rv, x)
	}
	slices.Sort(rv)
	return rv
}
