package entity

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	e := New(KindSticky, "alice", now)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, KindSticky, e.Kind)
	assert.Equal(t, "alice", e.CreatedBy)
	assert.Equal(t, int64(1_700_000_000_000), e.CreatedAt)
	assert.Equal(t, e.CreatedAt, e.UpdatedAt)
	assert.NotEqual(t, e.ID, New(KindSticky, "alice", now).ID)
}

func TestCloneIsDeep(t *testing.T) {
	e := Entity{ID: "p", Kind: KindPath, Points: []Point{{X: 1, Y: 2}}}
	c := e.Clone()
	c.Points[0].X = 99

	assert.Equal(t, 1.0, e.Points[0].X)
}

func TestFieldsRoundTripThroughJSON(t *testing.T) {
	cases := []Entity{
		{ID: "r", Kind: KindRectangle, X: 1, Y: 2, Width: 30, Height: 40, Fill: "#fff", CreatedBy: "u", CreatedAt: 10, UpdatedAt: 20},
		{ID: "l", Kind: KindLine, X: 1, Y: 2, X2: 5, Y2: 6, Stroke: "#000", StrokeWidth: 3, CreatedAt: 10, UpdatedAt: 11},
		{ID: "p", Kind: KindPath, Points: []Point{{X: 1, Y: 1}, {X: 2, Y: 3}}, CreatedAt: 1, UpdatedAt: 1},
		{ID: "t", Kind: KindText, X: 4, Y: 4, Width: 100, Height: 20, Text: "hi", FontSize: 18, CreatedAt: 5, UpdatedAt: 6},
	}
	for _, want := range cases {
		t.Run(string(want.Kind), func(t *testing.T) {
			buf, err := json.Marshal(want.Fields())
			require.NoError(t, err)
			var fields map[string]any
			require.NoError(t, json.Unmarshal(buf, &fields))

			got, err := Decode(want.ID, fields)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"kind": "rectangle", "x": 1.0, "y": 2.0, "width": 3.0, "height": 4.0,
			"createdAt": 1.0, "updatedAt": 2.0,
		}
	}
	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   error
	}{
		{"missing width", func(f map[string]any) { delete(f, "width") }, ErrMalformed},
		{"string x", func(f map[string]any) { f["x"] = "1" }, ErrMalformed},
		{"fractional stamp", func(f map[string]any) { f["updatedAt"] = 1.5 }, ErrMalformed},
		{"missing kind", func(f map[string]any) { delete(f, "kind") }, ErrMalformed},
		{"unknown kind", func(f map[string]any) { f["kind"] = "hexagon" }, ErrUnknownKind},
		{"bad fill", func(f map[string]any) { f["fill"] = 3 }, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.mutate(f)
			_, err := Decode("e1", f)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := Decode("e1", base())
	assert.NoError(t, err)
}

func TestSortByCreated(t *testing.T) {
	es := []Entity{
		{ID: "c", CreatedAt: 3},
		{ID: "b", CreatedAt: 1},
		{ID: "a", CreatedAt: 1},
	}
	SortByCreated(es)

	assert.Equal(t, []string{"a", "b", "c"}, []string{es[0].ID, es[1].ID, es[2].ID})
}

func TestSpanToNormalizesBox(t *testing.T) {
	e := Entity{Kind: KindRectangle}
	e.SpanTo(Point{X: 10, Y: 10}, Point{X: 4, Y: 16})

	assert.Equal(t, 4.0, e.X)
	assert.Equal(t, 6.0, e.Width)
	assert.Equal(t, 10.0, e.Y)
	assert.Equal(t, 6.0, e.Height)
}

func TestSameContentIgnoresRevision(t *testing.T) {
	a := Entity{ID: "x", Kind: KindRectangle, X: 1, UpdatedAt: 1}
	b := a
	b.UpdatedAt = 2
	assert.True(t, SameContent(a, b))

	b.X = 2
	assert.False(t, SameContent(a, b))
}
