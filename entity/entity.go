package entity

import (
	"errors"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformed is returned when a remote field map is missing required
	// fields or carries a value of an unexpected shape.
	ErrMalformed = errors.New("malformed entity")
	// ErrUnknownKind is returned for a kind tag this build does not know.
	ErrUnknownKind = errors.New("unknown entity kind")
)

// Kind is the discriminator tag of an entity.
type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindEllipse   Kind = "ellipse"
	KindLine      Kind = "line"
	KindPath      Kind = "path"
	KindText      Kind = "text"
	KindSticky    Kind = "sticky"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRectangle, KindEllipse, KindLine, KindPath, KindText, KindSticky:
		return true
	}
	return false
}

// Boxed reports whether the kind is sized by width and height.
func (k Kind) Boxed() bool {
	switch k {
	case KindRectangle, KindEllipse, KindText, KindSticky:
		return true
	}
	return false
}

// Point is a position in canvas units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Entity is one editable object on the board. The whole entity is the unit
// of conflict resolution: UpdatedAt decides which observation wins.
type Entity struct {
	ID          string  `json:"id"`
	Kind        Kind    `json:"kind"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	X2          float64 `json:"x2,omitempty"`
	Y2          float64 `json:"y2,omitempty"`
	Points      []Point `json:"points,omitempty"`
	Rotation    float64 `json:"rotation,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Text        string  `json:"text,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
	CreatedBy   string  `json:"createdBy"`
	CreatedAt   int64   `json:"createdAt"` // unix millis, immutable
	UpdatedAt   int64   `json:"updatedAt"` // unix millis, LWW comparator
}

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.NewString()
}

// Millis converts t to the revision unit used by CreatedAt and UpdatedAt.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// New creates an entity of the given kind owned by owner, with a fresh
// identifier and both timestamps set to now.
func New(kind Kind, owner string, now time.Time) Entity {
	ts := Millis(now)
	e := Entity{
		ID:          NewID(),
		Kind:        kind,
		CreatedBy:   owner,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Stroke:      "#1f2933",
		StrokeWidth: 2,
	}
	switch kind {
	case KindSticky:
		e.Fill = "#fde68a"
		e.FontSize = 16
	case KindText:
		e.FontSize = 18
	}
	return e
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	if e.Points != nil {
		pts := make([]Point, len(e.Points))
		copy(pts, e.Points)
		e.Points = pts
	}
	return e
}

// Touch stamps a new revision on e.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = Millis(now)
}

// Translate moves the entity by (dx, dy), including any secondary anchors.
func (e *Entity) Translate(dx, dy float64) {
	e.X += dx
	e.Y += dy
	switch e.Kind {
	case KindLine:
		e.X2 += dx
		e.Y2 += dy
	case KindPath:
		for i := range e.Points {
			e.Points[i].X += dx
			e.Points[i].Y += dy
		}
	}
}

// SpanTo stretches the entity so that it spans from its origin to p. Boxed
// kinds are normalized so width and height stay non-negative.
func (e *Entity) SpanTo(anchor, p Point) {
	switch {
	case e.Kind == KindLine:
		e.X, e.Y = anchor.X, anchor.Y
		e.X2, e.Y2 = p.X, p.Y
	case e.Kind == KindPath:
		e.Points = append(e.Points, Point{X: p.X, Y: p.Y})
	case e.Kind.Boxed():
		e.X, e.Width = span(anchor.X, p.X)
		e.Y, e.Height = span(anchor.Y, p.Y)
	}
}

func span(a, b float64) (origin, size float64) {
	if b < a {
		return b, a - b
	}
	return a, b - a
}

// SameContent reports whether a and b are identical apart from their
// revision stamp.
func SameContent(a, b Entity) bool {
	a.UpdatedAt, b.UpdatedAt = 0, 0
	if len(a.Points) == 0 {
		a.Points = nil
	}
	if len(b.Points) == 0 {
		b.Points = nil
	}
	return reflect.DeepEqual(a, b)
}

// SortByCreated orders entities by creation instant. Identifiers break ties
// so the order does not depend on merge order.
func SortByCreated(es []Entity) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].CreatedAt != es[j].CreatedAt {
			return es[i].CreatedAt < es[j].CreatedAt
		}
		return es[i].ID < es[j].ID
	})
}

// CloneAll deep copies a list of entities.
func CloneAll(es []Entity) []Entity {
	if es == nil {
		return nil
	}
	out := make([]Entity, len(es))
	for i, e := range es {
		out[i] = e.Clone()
	}
	return out
}
