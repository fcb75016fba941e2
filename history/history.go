// Package history keeps a bounded, linear undo/redo stack of whole
// entity-set snapshots.
package history

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/golang/glog"

	"collabboard/entity"
	"collabboard/metrics"
)

// DefaultCapacity is the number of snapshots kept when none is configured.
const DefaultCapacity = 50

// Snapshot is a deep copy of the entity set at one instant.
type Snapshot struct {
	Entities   []entity.Entity
	CapturedAt time.Time

	key string
}

// Manager is a stack with a cursor. It only owns snapshots; diffing a
// returned snapshot against the live set and applying it is the caller's job.
// Not safe for concurrent use.
type Manager struct {
	capacity  int
	entries   []Snapshot
	current   int
	replaying bool
}

// New returns an empty manager holding at most capacity snapshots.
func New(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{capacity: capacity, current: -1}
}

// Add captures set. It is a no-op while a replay is in progress and when set
// matches the snapshot under the cursor. Otherwise any redo branch is
// discarded, the copy is appended, and the oldest entry is evicted once
// capacity is exceeded. It reports whether a snapshot was appended.
func (h *Manager) Add(set []entity.Entity, at time.Time) bool {
	if h.replaying {
		return false
	}
	key := Key(set)
	if h.current >= 0 && h.entries[h.current].key == key {
		return false
	}
	h.entries = h.entries[:h.current+1]
	h.entries = append(h.entries, Snapshot{Entities: entity.CloneAll(set), CapturedAt: at, key: key})
	if len(h.entries) > h.capacity {
		drop := len(h.entries) - h.capacity
		h.entries = append(h.entries[:0:0], h.entries[drop:]...)
	}
	h.current = len(h.entries) - 1
	metrics.HistoryDepth.Set(float64(len(h.entries)))
	return true
}

// Undo moves the cursor back one step and returns the snapshot there, with
// the replay guard raised. At the start of history it returns false.
func (h *Manager) Undo() (Snapshot, bool) {
	if h.current <= 0 {
		glog.V(1).Infof("[history]nothing to undo")
		return Snapshot{}, false
	}
	h.current--
	h.replaying = true
	return h.at(h.current), true
}

// Redo moves the cursor forward one step and returns the snapshot there, with
// the replay guard raised. At the end of history it returns false.
func (h *Manager) Redo() (Snapshot, bool) {
	if h.current < 0 || h.current >= len(h.entries)-1 {
		glog.V(1).Infof("[history]nothing to redo")
		return Snapshot{}, false
	}
	h.current++
	h.replaying = true
	return h.at(h.current), true
}

// EndReplay lowers the replay guard once the caller has re-applied the
// snapshot returned by Undo or Redo.
func (h *Manager) EndReplay() {
	h.replaying = false
}

// Replaying reports whether the replay guard is raised.
func (h *Manager) Replaying() bool {
	return h.replaying
}

// Seeded reports whether the first snapshot has been captured.
func (h *Manager) Seeded() bool {
	return len(h.entries) > 0
}

// Len returns the number of snapshots held.
func (h *Manager) Len() int {
	return len(h.entries)
}

// Index returns the cursor position, or -1 when empty.
func (h *Manager) Index() int {
	return h.current
}

func (h *Manager) CanUndo() bool { return h.current > 0 }

func (h *Manager) CanRedo() bool { return h.current >= 0 && h.current < len(h.entries)-1 }

// Current returns a copy of the snapshot under the cursor.
func (h *Manager) Current() (Snapshot, bool) {
	if h.current < 0 {
		return Snapshot{}, false
	}
	return h.at(h.current), true
}

func (h *Manager) at(i int) Snapshot {
	s := h.entries[i]
	s.Entities = entity.CloneAll(s.Entities)
	return s
}

// Key is the canonical serialization used to detect redundant captures. It
// is independent of list order and leaves out revision stamps, so re-applying
// a snapshot under fresh stamps serializes identically to the original.
func Key(set []entity.Entity) string {
	norm := entity.CloneAll(set)
	for i := range norm {
		norm[i].UpdatedAt = 0
	}
	sort.Slice(norm, func(i, j int) bool { return norm[i].ID < norm[j].ID })
	buf, err := json.Marshal(norm)
	if err != nil {
		// Entities hold only plain values; this cannot fail in practice.
		glog.Errorf("[history]serialize snapshot: %v", err)
		return ""
	}
	return string(buf)
}
