// Package merge combines locally in-flight optimistic edits with the latest
// authoritative snapshot using last-write-wins on UpdatedAt.
//
// Ties go to the remote observation. UpdatedAt is stamped with the writer's
// local clock, so convergence across writers assumes loosely synchronized
// clocks.
package merge

import (
	"sort"

	"github.com/golang/glog"

	"collabboard/entity"
	"collabboard/metrics"
)

// Engine owns the pending-edit map. It is not safe for concurrent use; all
// calls must come from the event loop.
type Engine struct {
	pending map[string]entity.Entity
	remote  []entity.Entity
	index   map[string]int
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		pending: make(map[string]entity.Entity),
		index:   make(map[string]int),
	}
}

// ApplyLocalEdit records e as the optimistic value for its identifier,
// overwriting any earlier pending value unconditionally.
func (m *Engine) ApplyLocalEdit(e entity.Entity) {
	m.pending[e.ID] = e.Clone()
	metrics.PendingEdits.Set(float64(len(m.pending)))
}

// Discard drops the pending value for id. Used right after an immediate
// write has been issued and for local deletes.
func (m *Engine) Discard(id string) {
	delete(m.pending, id)
	metrics.PendingEdits.Set(float64(len(m.pending)))
}

// Reconcile installs a new remote snapshot and prunes every pending edit the
// remote has caught up with or superseded. It returns the pruned ids.
func (m *Engine) Reconcile(remote []entity.Entity) []string {
	m.remote = entity.CloneAll(remote)
	m.index = make(map[string]int, len(remote))
	for i, e := range m.remote {
		m.index[e.ID] = i
	}
	pruned := Prune(m.remote, m.pending)
	if len(pruned) > 0 {
		glog.V(2).Infof("[merge]pruned %d pending edits", len(pruned))
		metrics.ReconcilePruned.Add(float64(len(pruned)))
	}
	metrics.PendingEdits.Set(float64(len(m.pending)))
	return pruned
}

// EffectiveSet returns what every caller should render right now.
func (m *Engine) EffectiveSet() []entity.Entity {
	return EffectiveSet(m.remote, m.pending)
}

// Lookup returns the effective value of one entity.
func (m *Engine) Lookup(id string) (entity.Entity, bool) {
	p, hasPending := m.pending[id]
	i, hasRemote := m.index[id]
	switch {
	case hasPending && hasRemote:
		return Winner(m.remote[i], p).Clone(), true
	case hasPending:
		return p.Clone(), true
	case hasRemote:
		return m.remote[i].Clone(), true
	}
	return entity.Entity{}, false
}

// Pending returns the pending value for id, if any.
func (m *Engine) Pending(id string) (entity.Entity, bool) {
	p, ok := m.pending[id]
	if !ok {
		return entity.Entity{}, false
	}
	return p.Clone(), true
}

// PendingIDs returns the identifiers of the edits still in flight.
func (m *Engine) PendingIDs() []string {
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingCount returns the number of edits still in flight.
func (m *Engine) PendingCount() int {
	return len(m.pending)
}

// Winner applies last-write-wins between a remote and a pending observation
// of the same entity. The pending value wins only when strictly newer.
func Winner(remote, pending entity.Entity) entity.Entity {
	if pending.UpdatedAt > remote.UpdatedAt {
		return pending
	}
	return remote
}

// EffectiveSet merges a remote snapshot with a pending-edit map. Pending
// edits without a remote counterpart are unacknowledged creates and are
// included as-is. The result is ordered by CreatedAt.
func EffectiveSet(remote []entity.Entity, pending map[string]entity.Entity) []entity.Entity {
	out := make([]entity.Entity, 0, len(remote)+len(pending))
	seen := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		seen[r.ID] = struct{}{}
		if p, ok := pending[r.ID]; ok {
			out = append(out, Winner(r, p).Clone())
			continue
		}
		out = append(out, r.Clone())
	}
	for id, p := range pending {
		if _, ok := seen[id]; !ok {
			out = append(out, p.Clone())
		}
	}
	entity.SortByCreated(out)
	return out
}

// Prune deletes from pending every entry whose remote counterpart has an
// UpdatedAt greater than or equal to the pending one.
func Prune(remote []entity.Entity, pending map[string]entity.Entity) []string {
	var pruned []string
	for _, r := range remote {
		p, ok := pending[r.ID]
		if ok && r.UpdatedAt >= p.UpdatedAt {
			delete(pending, r.ID)
			pruned = append(pruned, r.ID)
		}
	}
	return pruned
}
