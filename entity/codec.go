package entity

import (
	"encoding/json"
	"fmt"
	"math"
)

// Fields encodes e as the field map stored by the remote store. The
// identifier is the document key and is not part of the map. Every field of
// the kind is present, so a merge write of the map replaces the whole entity.
func (e Entity) Fields() map[string]any {
	f := map[string]any{
		"kind":        string(e.Kind),
		"x":           e.X,
		"y":           e.Y,
		"rotation":    e.Rotation,
		"fill":        e.Fill,
		"stroke":      e.Stroke,
		"strokeWidth": e.StrokeWidth,
		"createdBy":   e.CreatedBy,
		"createdAt":   e.CreatedAt,
		"updatedAt":   e.UpdatedAt,
	}
	switch {
	case e.Kind == KindLine:
		f["x2"] = e.X2
		f["y2"] = e.Y2
	case e.Kind == KindPath:
		pts := make([]any, len(e.Points))
		for i, p := range e.Points {
			pts[i] = map[string]any{"x": p.X, "y": p.Y}
		}
		f["points"] = pts
	case e.Kind.Boxed():
		f["width"] = e.Width
		f["height"] = e.Height
	}
	if e.Kind == KindText || e.Kind == KindSticky {
		f["text"] = e.Text
		f["fontSize"] = e.FontSize
	}
	return f
}

// Decode builds an entity from a remote field map. Missing required fields
// or values of the wrong shape yield an error wrapping ErrMalformed.
func Decode(id string, fields map[string]any) (Entity, error) {
	if id == "" {
		return Entity{}, fmt.Errorf("%w: empty id", ErrMalformed)
	}
	d := decoder{fields: fields}
	kind := Kind(d.str("kind", true))
	if d.err != nil {
		return Entity{}, d.fail(id)
	}
	if !kind.Valid() {
		return Entity{}, fmt.Errorf("%w: %q on %s", ErrUnknownKind, kind, id)
	}
	e := Entity{
		ID:          id,
		Kind:        kind,
		X:           d.num("x", true),
		Y:           d.num("y", true),
		Rotation:    d.num("rotation", false),
		Fill:        d.str("fill", false),
		Stroke:      d.str("stroke", false),
		StrokeWidth: d.num("strokeWidth", false),
		CreatedBy:   d.str("createdBy", false),
		CreatedAt:   d.stamp("createdAt"),
		UpdatedAt:   d.stamp("updatedAt"),
	}
	switch {
	case kind == KindLine:
		e.X2 = d.num("x2", true)
		e.Y2 = d.num("y2", true)
	case kind == KindPath:
		e.Points = d.points("points")
	case kind.Boxed():
		e.Width = d.num("width", true)
		e.Height = d.num("height", true)
	}
	if kind == KindText || kind == KindSticky {
		e.Text = d.str("text", true)
		e.FontSize = d.num("fontSize", false)
	}
	if d.err != nil {
		return Entity{}, d.fail(id)
	}
	return e, nil
}

type decoder struct {
	fields map[string]any
	err    error
}

func (d *decoder) fail(id string) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, id, d.err)
}

func (d *decoder) missing(key string, required bool) bool {
	if d.err != nil {
		return true
	}
	if _, ok := d.fields[key]; ok {
		return false
	}
	if required {
		d.err = fmt.Errorf("missing field %q", key)
	}
	return true
}

func (d *decoder) str(key string, required bool) string {
	if d.missing(key, required) {
		return ""
	}
	s, ok := d.fields[key].(string)
	if !ok {
		d.err = fmt.Errorf("field %q: want string, got %T", key, d.fields[key])
	}
	return s
}

func (d *decoder) num(key string, required bool) float64 {
	if d.missing(key, required) {
		return 0
	}
	v, ok := number(d.fields[key])
	if !ok {
		d.err = fmt.Errorf("field %q: want number, got %T", key, d.fields[key])
	}
	return v
}

func (d *decoder) stamp(key string) int64 {
	v := d.num(key, true)
	if d.err == nil && (v < 0 || v != math.Trunc(v)) {
		d.err = fmt.Errorf("field %q: invalid timestamp %v", key, v)
	}
	return int64(v)
}

func (d *decoder) points(key string) []Point {
	if d.missing(key, true) {
		return nil
	}
	raw, ok := d.fields[key].([]any)
	if !ok {
		d.err = fmt.Errorf("field %q: want list, got %T", key, d.fields[key])
		return nil
	}
	pts := make([]Point, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			d.err = fmt.Errorf("field %q[%d]: want object, got %T", key, i, r)
			return nil
		}
		x, okx := number(m["x"])
		y, oky := number(m["y"])
		if !okx || !oky {
			d.err = fmt.Errorf("field %q[%d]: want {x,y}", key, i)
			return nil
		}
		pts = append(pts, Point{X: x, Y: y})
	}
	return pts
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
