package session

import (
	"github.com/golang/glog"

	"collabboard/entity"
	"collabboard/history"
)

// Create adds a new entity. Identifier and timestamps are assigned here;
// whatever the caller set is overwritten. The create is written at once but
// stays visible through the pending path until the store acknowledges it.
func (s *Session) Create(e entity.Entity) entity.Entity {
	now := s.sched.Now()
	e.ID = entity.NewID()
	e.CreatedBy = s.user.ID
	e.CreatedAt = entity.Millis(now)
	e.UpdatedAt = e.CreatedAt
	s.applyLocal(e)
	s.writes.Enqueue(e)
	s.writes.Flush()
	s.notifyEntities()
	if s.gestures == 0 {
		s.Commit()
	}
	return e.Clone()
}

// Update mutates one entity through the throttled path. It reports false when
// the entity is not present locally, e.g. because another user deleted it.
func (s *Session) Update(id string, fn func(*entity.Entity)) bool {
	e, ok := s.mutate(id, fn)
	if !ok {
		return false
	}
	s.applyLocal(e)
	s.writes.Enqueue(e)
	s.notifyEntities()
	return true
}

// UpdateMany mutates a group of entities that move together. They share one
// revision stamp and are committed as a single batch. Missing ids are
// skipped; the number of entities updated is returned.
func (s *Session) UpdateMany(ids []string, fn func(*entity.Entity)) int {
	var batch []entity.Entity
	var newest int64
	for _, id := range ids {
		e, ok := s.mutate(id, fn)
		if !ok {
			continue
		}
		if e.UpdatedAt > newest {
			newest = e.UpdatedAt
		}
		batch = append(batch, e)
	}
	if len(batch) == 0 {
		return 0
	}
	for i := range batch {
		batch[i].UpdatedAt = newest
		s.applyLocal(batch[i])
	}
	s.writes.EnqueueBatch(batch)
	s.notifyEntities()
	return len(batch)
}

// SetImmediate mutates one entity and writes it without throttling, for
// discrete edits such as a colour change. The pending entry is dropped as
// soon as the write is issued.
func (s *Session) SetImmediate(id string, fn func(*entity.Entity)) bool {
	e, ok := s.mutate(id, fn)
	if !ok {
		return false
	}
	s.writes.WriteNow(e)
	s.engine.Discard(id)
	s.notifyEntities()
	return true
}

// Delete removes entities. Absence from the next snapshot confirms the
// removal. Unknown ids are ignored.
func (s *Session) Delete(ids ...string) int {
	n := 0
	for _, id := range ids {
		if _, ok := s.engine.Lookup(id); !ok {
			glog.V(1).Infof("[session]delete of missing entity %s ignored", id)
			continue
		}
		s.engine.Discard(id)
		s.writes.DeleteNow(id)
		n++
	}
	if n > 0 {
		s.notifyEntities()
	}
	return n
}

// mutate applies fn to a copy of the effective value of id and stamps a new
// revision. Identity fields cannot be changed by fn.
func (s *Session) mutate(id string, fn func(*entity.Entity)) (entity.Entity, bool) {
	cur, ok := s.engine.Lookup(id)
	if !ok {
		glog.V(1).Infof("[session]update of missing entity %s ignored", id)
		return entity.Entity{}, false
	}
	e := cur.Clone()
	fn(&e)
	e.ID, e.Kind, e.CreatedBy, e.CreatedAt = cur.ID, cur.Kind, cur.CreatedBy, cur.CreatedAt
	e.UpdatedAt = s.stamp(cur.UpdatedAt)
	return e, true
}

// BeginGesture marks the start of a continuous interaction such as a drag.
// History is not captured from remote snapshots while one is open.
func (s *Session) BeginGesture() {
	s.gestures++
}

// EndGesture closes a gesture and commits the result to history.
func (s *Session) EndGesture() {
	if s.gestures == 0 {
		return
	}
	s.gestures--
	if s.gestures == 0 {
		s.writes.Flush()
		s.Commit()
	}
}

// Commit captures the effective set into the undo history.
func (s *Session) Commit() bool {
	return s.history.Add(s.engine.EffectiveSet(), s.sched.Now())
}

// Undo restores the previous snapshot. It reports false at the start of
// history.
func (s *Session) Undo() bool {
	snap, ok := s.history.Undo()
	if !ok {
		return false
	}
	s.replay(snap)
	return true
}

// Redo re-applies the next snapshot. It reports false at the end of history.
func (s *Session) Redo() bool {
	snap, ok := s.history.Redo()
	if !ok {
		return false
	}
	s.replay(snap)
	return true
}

// replay diffs target against the effective set and issues the creates,
// updates and deletes that reach it. Changed entities share one fresh stamp
// so the replayed state wins over everything currently visible.
func (s *Session) replay(target history.Snapshot) {
	defer s.history.EndReplay()

	current := make(map[string]entity.Entity)
	for _, e := range s.engine.EffectiveSet() {
		current[e.ID] = e
	}
	var changed []entity.Entity
	var newest int64
	for _, want := range target.Entities {
		have, ok := current[want.ID]
		delete(current, want.ID)
		if ok && entity.SameContent(have, want) {
			continue
		}
		if ok && have.UpdatedAt > newest {
			newest = have.UpdatedAt
		}
		changed = append(changed, want.Clone())
	}
	// Deletes go out first so the echo that drains the pending edits
	// already reflects them.
	wait := &replayWait{key: history.Key(target.Entities), deletes: make(map[string]bool)}
	for id := range current {
		s.engine.Discard(id)
		s.writes.DeleteNow(id)
		wait.deletes[id] = true
	}
	if len(changed) > 0 || len(current) > 0 {
		s.replaying = wait
	}
	stamp := s.stamp(newest)
	for i := range changed {
		changed[i].UpdatedAt = stamp
		s.applyLocal(changed[i])
	}
	if len(changed) > 0 {
		s.writes.EnqueueBatch(changed)
		s.writes.Flush()
	}
	glog.V(1).Infof("[session]replayed snapshot: %d changed, %d deleted", len(changed), len(current))
	s.notifyEntities()
}

// replayWait tracks an undo or redo until the store has echoed it. Each
// delete lands on its own, so the snapshots in between show half-replayed
// states that must not be captured.
type replayWait struct {
	key     string
	deletes map[string]bool
}

// awaitingReplay reports whether capture of set is held back by an
// outstanding replay. The wait ends when set matches the replayed snapshot,
// or when every delete has been observed and every changed entity has
// settled, whichever comes first. In the latter case a concurrent remote
// change made the target unreachable and set is captured as usual.
func (s *Session) awaitingReplay(set []entity.Entity) bool {
	w := s.replaying
	if w == nil {
		return false
	}
	if history.Key(set) == w.key {
		s.replaying = nil
		return true
	}
	for id := range w.deletes {
		if _, ok := s.engine.Lookup(id); !ok {
			delete(w.deletes, id)
		}
	}
	if len(w.deletes) == 0 && s.settled() {
		s.replaying = nil
		return false
	}
	return true
}
