// Package ring provides a growable, sorted ring buffer used to back the Rx
// buffered-delay list (payloads ordered by origination PTP timestamp,
// spec.md §4.6): a rolling window kept sorted by key as items are pushed
// and popped from the low end.
package ring

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Sorted is a growable ring buffer that keeps its elements in ascending
// order, supporting O(log n) search and O(1) amortized removal from the
// front. It is not safe for concurrent use; callers provide their own
// synchronization (in this module, the Rx buffered-delay consumer owns it
// exclusively).
type Sorted[E constraints.Ordered] struct {
	s    []E
	r, w uint
}

// NewSorted returns a Sorted buffer with an initial capacity (must be a
// power of two).
func NewSorted[E constraints.Ordered](size int) *Sorted[E] {
	if size <= 0 || size&(size-1) != 0 {
		panic(`ring: size must be a power of 2`)
	}
	return &Sorted[E]{s: make([]E, size)}
}

func (x *Sorted[E]) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *Sorted[E]) bounds() (i1, l1, l2 int) {
	if x.r == x.w {
		return
	}
	i1 = int(x.mask(x.r))
	l1 = int(x.mask(x.w))
	if l1 <= i1 {
		l2 = l1
		l1 = len(x.s)
	}
	return
}

// Len returns the number of buffered elements.
func (x *Sorted[E]) Len() int { return int(x.w - x.r) }

// Cap returns the current backing capacity.
func (x *Sorted[E]) Cap() int { return len(x.s) }

// Get returns the element at logical index i (0 is the smallest).
func (x *Sorted[E]) Get(i int) E {
	if i < 0 || i >= x.Len() {
		panic(`ring: get: index out of range`)
	}
	return x.s[x.mask(x.r+uint(i))]
}

// RemoveFront drops the n smallest elements.
func (x *Sorted[E]) RemoveFront(n int) {
	if n < 0 || n > x.Len() {
		panic(`ring: remove front: index out of range`)
	}
	x.r += uint(n)
}

// search returns the index of the first element >= value.
func (x *Sorted[E]) search(value E) int {
	return sort.Search(x.Len(), func(i int) bool {
		return x.Get(i) >= value
	})
}

// Insert places value in sorted order, growing the buffer if full.
func (x *Sorted[E]) Insert(value E) {
	index := x.search(value)
	l := x.Len()

	if l == len(x.s) {
		s := make([]E, uint(len(x.s))<<1)
		if len(s) == 0 {
			panic(`ring: insert: overflow`)
		}

		i1, l1, l2 := x.bounds()
		ll := l1 - i1
		if index < ll {
			copy(s, x.s[i1:i1+index])
			s[index] = value
			copy(s[index+1:], x.s[i1+index:l1])
			ll++
			copy(s[ll:], x.s[:l2])
			ll += l2
		} else {
			copy(s, x.s[i1:l1])
			copy(s[ll:], x.s[:index-ll])
			s[index] = value
			copy(s[index+1:], x.s[index-ll:l2])
			ll += l2 + 1
		}

		x.r = 0
		x.w = uint(ll)
		x.s = s
		return
	}

	var i, j int
	if l == 0 {
		x.r = 0
		x.w = 0
	} else {
		i = int(x.mask(x.r))
		j = int(x.mask(x.w))
	}

	if l == 0 || i < j {
		copy(x.s[i+index+1:], x.s[i+index:j])
		x.s[i+index] = value
		x.w++
		return
	}

	if index >= len(x.s)-i {
		index -= len(x.s) - i
		copy(x.s[index+1:], x.s[index:j])
		x.s[index] = value
		x.w++
		return
	}

	copy(x.s[1:], x.s[:j])
	x.s[0] = x.s[len(x.s)-1]
	copy(x.s[i+index+1:], x.s[i+index:])
	x.s[i+index] = value
	x.w++
}

// Peek returns the smallest element without removing it, and whether the
// buffer is non-empty.
func (x *Sorted[E]) Peek() (value E, ok bool) {
	if x.Len() == 0 {
		return value, false
	}
	return x.Get(0), true
}
