package ring

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSorted_InsertKeepsAscendingOrder(t *testing.T) {
	x := NewSorted[int](4)
	for _, v := range []int{5, 1, 4, 2, 3} {
		x.Insert(v)
	}
	require.Equal(t, 5, x.Len())
	var got []int
	for i := 0; i < x.Len(); i++ {
		got = append(got, x.Get(i))
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestSorted_GrowsPastInitialCapacity(t *testing.T) {
	x := NewSorted[int](2)
	for i := 0; i < 20; i++ {
		x.Insert(19 - i)
	}
	require.Equal(t, 20, x.Len())
	require.GreaterOrEqual(t, x.Cap(), 20)
	for i := 0; i < x.Len(); i++ {
		assert.Equal(t, i, x.Get(i))
	}
}

func TestSorted_RemoveFrontDropsSmallest(t *testing.T) {
	x := NewSorted[int](4)
	for _, v := range []int{3, 1, 2} {
		x.Insert(v)
	}
	x.RemoveFront(2)
	require.Equal(t, 1, x.Len())
	assert.Equal(t, 3, x.Get(0))
}

func TestSorted_PeekReportsEmpty(t *testing.T) {
	x := NewSorted[int](2)
	_, ok := x.Peek()
	assert.False(t, ok)
	x.Insert(7)
	v, ok := x.Peek()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestSorted_NewSortedPanicsOnNonPowerOfTwoSize(t *testing.T) {
	assert.Panics(t, func() { NewSorted[int](3) })
}

// TestSorted_RandomizedInsertRemoveMatchesSortedSlice exercises the ring's
// wraparound bookkeeping across many insert/remove cycles, where a naive
// implementation would drift out of sorted order after the write cursor
// wraps past the backing array's end.
func TestSorted_RandomizedInsertRemoveMatchesSortedSlice(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := NewSorted[int](4)
	var model []int

	for i := 0; i < 2000; i++ {
		if len(model) == 0 || rng.Intn(3) != 0 {
			v := rng.Intn(1000)
			x.Insert(v)
			model = append(model, v)
			sort.Ints(model)
		} else {
			n := rng.Intn(len(model) + 1)
			x.RemoveFront(n)
			model = model[n:]
		}
		require.Equal(t, len(model), x.Len())
		for j, want := range model {
			require.Equal(t, want, x.Get(j), "index %d after %d ops", j, i)
		}
	}
}
