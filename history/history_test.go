package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabboard/entity"
)

var t0 = time.UnixMilli(0)

// set returns a distinct single-entity snapshot for each n.
func set(n int) []entity.Entity {
	return []entity.Entity{{ID: "e", Kind: entity.KindRectangle, X: float64(n), CreatedAt: 1, UpdatedAt: int64(n)}}
}

func xOf(s Snapshot) float64 {
	return s.Entities[0].X
}

func TestEmptyHistory(t *testing.T) {
	h := New(10)
	assert.False(t, h.Seeded())
	assert.Equal(t, -1, h.Index())

	_, ok := h.Undo()
	assert.False(t, ok)
	_, ok = h.Redo()
	assert.False(t, ok)
	assert.False(t, h.Replaying())
}

func TestAddIsIdempotent(t *testing.T) {
	h := New(10)
	assert.True(t, h.Add(set(1), t0))
	assert.False(t, h.Add(set(1), t0))
	assert.Equal(t, 1, h.Len())
}

func TestKeyIgnoresOrderAndRevision(t *testing.T) {
	a := []entity.Entity{{ID: "a", X: 1, UpdatedAt: 1}, {ID: "b", X: 2, UpdatedAt: 1}}
	b := []entity.Entity{{ID: "b", X: 2, UpdatedAt: 9}, {ID: "a", X: 1, UpdatedAt: 7}}
	assert.Equal(t, Key(a), Key(b))

	b[0].X = 3
	assert.NotEqual(t, Key(a), Key(b))
}

func TestUndoRedoRoundTrip(t *testing.T) {
	const n = 6
	h := New(10)
	for i := 0; i < n; i++ {
		h.Add(set(i), t0)
	}

	for i := n - 2; i >= 0; i-- {
		s, ok := h.Undo()
		require.True(t, ok)
		assert.Equal(t, float64(i), xOf(s))
		assert.True(t, h.Replaying())
		h.EndReplay()
	}
	_, ok := h.Undo()
	assert.False(t, ok)

	for i := 1; i < n; i++ {
		s, ok := h.Redo()
		require.True(t, ok)
		assert.Equal(t, float64(i), xOf(s))
		h.EndReplay()
	}
	_, ok = h.Redo()
	assert.False(t, ok)

	cur, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, float64(n-1), xOf(cur))
}

func TestReplayGuardSuppressesCapture(t *testing.T) {
	h := New(10)
	h.Add(set(1), t0)
	h.Add(set(2), t0)

	_, ok := h.Undo()
	require.True(t, ok)
	assert.False(t, h.Add(set(3), t0))
	assert.Equal(t, 2, h.Len())

	h.EndReplay()
	assert.True(t, h.CanRedo())
}

func TestNewEditDiscardsRedoBranch(t *testing.T) {
	h := New(10)
	h.Add(set(1), t0)
	h.Add(set(2), t0)
	h.Add(set(3), t0)
	h.Undo()
	h.Undo()
	h.EndReplay()

	require.True(t, h.Add(set(9), t0))
	assert.Equal(t, 2, h.Len())
	assert.False(t, h.CanRedo())
	cur, _ := h.Current()
	assert.Equal(t, 9.0, xOf(cur))
}

func TestSnapshotsAreDeepCopies(t *testing.T) {
	h := New(10)
	s := []entity.Entity{{ID: "p", Kind: entity.KindPath, Points: []entity.Point{{X: 1}}}}
	h.Add(s, t0)
	s[0].Points[0].X = 5

	cur, _ := h.Current()
	assert.Equal(t, 1.0, cur.Entities[0].Points[0].X)
	cur.Entities[0].Points[0].X = 7
	again, _ := h.Current()
	assert.Equal(t, 1.0, again.Entities[0].Points[0].X)
}

func TestCapacityEvictsOldest(t *testing.T) {
	h := New(3)
	for i := 0; i < 5; i++ {
		h.Add(set(i), t0)
	}
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 2, h.Index())

	h.Undo()
	h.EndReplay()
	s, ok := h.Undo()
	require.True(t, ok)
	assert.Equal(t, 2.0, xOf(s))
	h.EndReplay()
	_, ok = h.Undo()
	assert.False(t, ok)
}

func TestHistoryBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stack never exceeds capacity and evicts oldest first", prop.ForAll(
		func(capacity, adds int) bool {
			h := New(capacity)
			for i := 0; i < adds; i++ {
				h.Add(set(i), t0)
				if h.Len() > capacity {
					return false
				}
			}
			want := adds - capacity
			if want < 0 {
				want = 0
			}
			first := h.entries[0]
			return xOf(first) == float64(want) && h.Index() == h.Len()-1
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 60),
	))

	properties.Property("undo then redo returns to the last snapshot", prop.ForAll(
		func(n int) bool {
			h := New(n)
			for i := 0; i < n; i++ {
				h.Add(set(i), t0)
			}
			for i := n - 2; i >= 0; i-- {
				s, ok := h.Undo()
				h.EndReplay()
				if !ok || xOf(s) != float64(i) {
					return false
				}
			}
			for i := 1; i < n; i++ {
				s, ok := h.Redo()
				h.EndReplay()
				if !ok || xOf(s) != float64(i) {
					return false
				}
			}
			cur, _ := h.Current()
			return xOf(cur) == float64(n-1)
		},
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

func ExampleManager() {
	h := New(5)
	h.Add(set(1), t0)
	h.Add(set(2), t0)
	s, _ := h.Undo()
	h.EndReplay()
	fmt.Println(s.Entities[0].X, h.CanRedo())
	// Output: 1 true
}
