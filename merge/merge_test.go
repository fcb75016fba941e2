package merge

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabboard/entity"
	"collabboard/remote"
)

func rect(id string, x float64, createdAt, updatedAt int64) entity.Entity {
	return entity.Entity{ID: id, Kind: entity.KindRectangle, X: x, Width: 10, Height: 10, CreatedAt: createdAt, UpdatedAt: updatedAt}
}

func TestLocalEditWinsUntilRemoteSupersedes(t *testing.T) {
	m := New()
	m.Reconcile([]entity.Entity{rect("e1", 0, 1, 100)})

	m.ApplyLocalEdit(rect("e1", 50, 1, 150))
	got := m.EffectiveSet()
	require.Len(t, got, 1)
	assert.Equal(t, 50.0, got[0].X)

	pruned := m.Reconcile([]entity.Entity{rect("e1", 80, 1, 200)})
	assert.Equal(t, []string{"e1"}, pruned)
	_, pending := m.Pending("e1")
	assert.False(t, pending)

	got = m.EffectiveSet()
	require.Len(t, got, 1)
	assert.Equal(t, 80.0, got[0].X)
}

func TestReconcileRetainsInFlightEdit(t *testing.T) {
	m := New()
	m.ApplyLocalEdit(rect("e1", 50, 1, 150))

	assert.Empty(t, m.Reconcile([]entity.Entity{rect("e1", 0, 1, 149)}))
	assert.Equal(t, 1, m.PendingCount())
	e, ok := m.Lookup("e1")
	require.True(t, ok)
	assert.Equal(t, 50.0, e.X)
}

func TestReconcilePrunesOnEqualStamp(t *testing.T) {
	m := New()
	m.ApplyLocalEdit(rect("e1", 50, 1, 150))
	m.Reconcile([]entity.Entity{rect("e1", 50, 1, 150)})

	assert.Zero(t, m.PendingCount())
}

func TestUnacknowledgedCreateIsVisible(t *testing.T) {
	m := New()
	m.Reconcile([]entity.Entity{rect("old", 0, 5, 5)})
	m.ApplyLocalEdit(rect("new", 1, 9, 9))
	m.ApplyLocalEdit(rect("first", 2, 1, 9))

	got := m.EffectiveSet()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"first", "old", "new"}, []string{got[0].ID, got[1].ID, got[2].ID})

	// A create that never shows up remotely stays visible.
	m.Reconcile(nil)
	assert.Len(t, m.EffectiveSet(), 2)
}

func TestDiscardDropsPending(t *testing.T) {
	m := New()
	m.Reconcile([]entity.Entity{rect("e1", 0, 1, 100)})
	m.ApplyLocalEdit(rect("e1", 50, 1, 150))
	m.Discard("e1")

	e, ok := m.Lookup("e1")
	require.True(t, ok)
	assert.Equal(t, 0.0, e.X)
}

func TestEffectiveSetDoesNotAlias(t *testing.T) {
	m := New()
	p := entity.Entity{ID: "p", Kind: entity.KindPath, Points: []entity.Point{{X: 1}}, CreatedAt: 1, UpdatedAt: 1}
	m.ApplyLocalEdit(p)
	got := m.EffectiveSet()
	got[0].Points[0].X = 42

	e, _ := m.Lookup("p")
	assert.Equal(t, 1.0, e.Points[0].X)
}

func TestReconcileDocsSkipsMalformed(t *testing.T) {
	m := New()
	good := rect("good", 1, 1, 1)
	m.ReconcileDocs([]remote.Doc{
		{ID: "good", Fields: good.Fields()},
		{ID: "bad", Fields: map[string]any{"kind": "rectangle", "x": "nope"}},
	})

	got := m.EffectiveSet()
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].ID)
}

func TestLastWriteWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("pending is effective iff P > R", prop.ForAll(
		func(p, r int64) bool {
			remote := []entity.Entity{rect("e", 1, 0, r)}
			pending := map[string]entity.Entity{"e": rect("e", 2, 0, p)}
			got := EffectiveSet(remote, pending)
			if len(got) != 1 {
				return false
			}
			if p > r {
				return got[0].X == 2
			}
			return got[0].X == 1
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.Property("reconcile prunes iff R >= P", prop.ForAll(
		func(p, r int64) bool {
			pending := map[string]entity.Entity{"e": rect("e", 2, 0, p)}
			Prune([]entity.Entity{rect("e", 1, 0, r)}, pending)
			_, kept := pending["e"]
			return kept == (p > r)
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
