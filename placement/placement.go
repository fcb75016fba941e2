// Package placement models two-step shape creation: the first pointer-down
// starts a shape at an anchor, pointer moves stretch it, and the second
// pointer-down finalizes it. Consumers only see create, update, finalize and
// cancel events, never raw input.
package placement

import (
	"time"

	"collabboard/entity"
)

// State is the tool state.
type State int

const (
	Idle State = iota
	Placing
)

func (s State) String() string {
	if s == Placing {
		return "placing"
	}
	return "idle"
}

// EventType tells the consumer what happened to the in-progress entity.
type EventType int

const (
	None EventType = iota
	Create
	Update
	Finalize
	Cancel
)

// Event is emitted by a tool transition.
type Event struct {
	Type   EventType
	Entity entity.Entity
}

// Tool is the creation state machine for one entity kind.
type Tool struct {
	kind   entity.Kind
	owner  string
	state  State
	anchor entity.Point
	shape  entity.Entity
}

// NewTool returns an idle tool creating entities of kind for owner.
func NewTool(kind entity.Kind, owner string) *Tool {
	return &Tool{kind: kind, owner: owner}
}

func (t *Tool) Kind() entity.Kind { return t.kind }

func (t *Tool) State() State { return t.state }

// Anchor returns the placement anchor and the in-progress entity id.
func (t *Tool) Anchor() (entity.Point, string, bool) {
	if t.state != Placing {
		return entity.Point{}, "", false
	}
	return t.anchor, t.shape.ID, true
}

// PointerDown starts a shape when idle and finalizes it when placing.
func (t *Tool) PointerDown(p entity.Point, now time.Time) Event {
	if t.state == Idle {
		t.state = Placing
		t.anchor = p
		t.shape = entity.New(t.kind, t.owner, now)
		t.shape.X, t.shape.Y = p.X, p.Y
		switch t.kind {
		case entity.KindLine:
			t.shape.X2, t.shape.Y2 = p.X, p.Y
		case entity.KindPath:
			t.shape.Points = []entity.Point{p}
		}
		return Event{Type: Create, Entity: t.shape.Clone()}
	}
	t.stretch(p, now)
	t.state = Idle
	return Event{Type: Finalize, Entity: t.shape.Clone()}
}

// PointerMove stretches the in-progress shape. It does nothing when idle.
func (t *Tool) PointerMove(p entity.Point, now time.Time) Event {
	if t.state != Placing {
		return Event{}
	}
	t.stretch(p, now)
	return Event{Type: Update, Entity: t.shape.Clone()}
}

// Cancel abandons the in-progress shape.
func (t *Tool) Cancel() Event {
	if t.state != Placing {
		return Event{}
	}
	t.state = Idle
	return Event{Type: Cancel, Entity: t.shape.Clone()}
}

func (t *Tool) stretch(p entity.Point, now time.Time) {
	t.shape.SpanTo(t.anchor, p)
	stamp := entity.Millis(now)
	if stamp <= t.shape.UpdatedAt {
		stamp = t.shape.UpdatedAt + 1
	}
	t.shape.UpdatedAt = stamp
}
