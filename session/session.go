// Package session wires the sync core together for one user on one board:
// local edits go through the merge engine and the throttler, remote
// snapshots are reconciled, commits feed the undo history, and remote
// presence is smoothed for rendering.
//
// Every method must be called on the session's event loop.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"collabboard/entity"
	"collabboard/eventloop"
	"collabboard/history"
	"collabboard/merge"
	"collabboard/placement"
	"collabboard/presence"
	"collabboard/remote"
	"collabboard/throttle"
)

// User identifies the local participant.
type User struct {
	ID    string
	Name  string
	Color string
}

// Config tunes a session.
type Config struct {
	Board           string
	Throttle        throttle.Config
	HistoryCapacity int
	Presence        presence.Config
	// CursorRate caps outgoing cursor broadcasts per second.
	CursorRate float64
	// Heartbeat re-sends the last cursor so idle users stay fresh.
	Heartbeat time.Duration
}

// DefaultConfig returns the standard tuning for board.
func DefaultConfig(board string) Config {
	pc := presence.DefaultConfig()
	return Config{
		Board:           board,
		Throttle:        throttle.DefaultConfig(),
		HistoryCapacity: history.DefaultCapacity,
		Presence:        pc,
		CursorRate:      20,
		Heartbeat:       pc.Staleness / 2,
	}
}

// Session is one user's live view of a board.
type Session struct {
	cfg      Config
	user     User
	sched    eventloop.Scheduler
	store    remote.Store
	channel  remote.PresenceChannel
	engine   *merge.Engine
	writes   *throttle.Throttler
	history  *history.Manager
	cursors  *presence.Interpolator
	limiter  *rate.Limiter
	tool     *placement.Tool
	gestures int

	// failed holds ids whose last write the store rejected. Their pending
	// edits stay visible but no longer hold back history capture.
	failed map[string]bool
	// replaying is set while an undo or redo waits for its own echo.
	replaying *replayWait

	lastCursor    *remote.PresenceRecord
	trailingTimer eventloop.Timer
	heartbeat     eventloop.Timer

	onEntities   func([]entity.Entity)
	onCursors    func([]presence.Cursor)
	onWriteError func(ids []string, err error)

	cancel context.CancelFunc
	closed bool
}

// New builds a session. Nothing is subscribed until Start.
func New(sched eventloop.Scheduler, store remote.Store, channel remote.PresenceChannel, user User, cfg Config) *Session {
	s := &Session{
		cfg:     cfg,
		user:    user,
		sched:   sched,
		store:   store,
		channel: channel,
		engine:  merge.New(),
		writes:  throttle.New(sched, store, cfg.Board, cfg.Throttle),
		history: history.New(cfg.HistoryCapacity),
		cursors: presence.New(sched, cfg.Presence),
		limiter: rate.NewLimiter(rate.Limit(cfg.CursorRate), 1),
		failed:  make(map[string]bool),
	}
	s.writes.OnError(s.writeFailed)
	return s
}

// OnEntities registers the callback that receives the effective entity set
// after every change.
func (s *Session) OnEntities(fn func([]entity.Entity)) {
	s.onEntities = fn
}

// OnCursors registers the callback that receives remote cursors on every
// animation frame that moved one and on every presence update.
func (s *Session) OnCursors(fn func([]presence.Cursor)) {
	s.onCursors = fn
}

// OnWriteError registers the callback that is told about writes the store
// rejected. The optimistic values stay visible either way.
func (s *Session) OnWriteError(fn func(ids []string, err error)) {
	s.onWriteError = fn
}

func (s *Session) writeFailed(ids []string, err error) {
	for _, id := range ids {
		s.failed[id] = true
		if s.replaying != nil {
			delete(s.replaying.deletes, id)
		}
	}
	if s.onWriteError != nil {
		s.onWriteError(ids, err)
	}
}

// User returns the local participant.
func (s *Session) User() User {
	return s.user
}

// Start subscribes to the board and to its presence room. Snapshots and
// presence batches are posted back onto the loop as they arrive.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	docs, err := s.store.Subscribe(ctx, s.cfg.Board)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to board %s: %w", s.cfg.Board, err)
	}
	recs, err := s.channel.SubscribeAll(ctx, s.cfg.Board)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to presence %s: %w", s.cfg.Board, err)
	}
	s.cancel = cancel

	go func() {
		for snap := range docs {
			s.sched.Post(func() { s.ApplySnapshot(snap) })
		}
		glog.V(1).Infof("[session]board subscription for %s ended", s.cfg.Board)
	}()
	go func() {
		for batch := range recs {
			s.sched.Post(func() { s.ApplyPresence(batch) })
		}
		glog.V(1).Infof("[session]presence subscription for %s ended", s.cfg.Board)
	}()

	s.cursors.StartLoop(s.notifyCursors)
	s.armHeartbeat()
	glog.Infof("[session]%s joined board %s", s.user.ID, s.cfg.Board)
	return nil
}

// Close flushes queued writes, withdraws the local cursor and stops all
// loops and subscriptions.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.tool != nil {
		s.handle(s.tool.Cancel())
	}
	s.writes.Close()
	s.cursors.StopLoop()
	if s.trailingTimer != nil {
		s.trailingTimer.Stop()
	}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	board, userID := s.cfg.Board, s.user.ID
	s.sched.Go(func() func() {
		if err := s.channel.Clear(context.Background(), board, userID); err != nil {
			glog.Warningf("[session]clear presence for %s: %v", userID, err)
		}
		return nil
	})
	if s.cancel != nil {
		s.cancel()
	}
}

// ApplySnapshot reconciles a freshly arrived remote snapshot. The first
// snapshot seeds the history; later ones are captured once the set has
// settled, meaning no gesture is in progress, no local edit is in flight
// and no undo or redo is still waiting for its echo.
func (s *Session) ApplySnapshot(docs []remote.Doc) {
	if s.closed {
		return
	}
	s.engine.ReconcileDocs(docs)
	set := s.engine.EffectiveSet()
	switch {
	case !s.history.Seeded():
		s.history.Add(set, s.sched.Now())
	case s.awaitingReplay(set):
	case s.settled():
		s.history.Add(set, s.sched.Now())
	}
	s.notifyEntities()
}

// settled reports whether the effective set may be captured: no gesture is
// open and every pending edit has either been acknowledged or been rejected.
func (s *Session) settled() bool {
	if s.gestures > 0 {
		return false
	}
	for _, id := range s.engine.PendingIDs() {
		if !s.failed[id] {
			return false
		}
	}
	return true
}

// ApplyPresence feeds a presence batch into the interpolator, leaving out
// the local user.
func (s *Session) ApplyPresence(recs map[string]remote.PresenceRecord) {
	if s.closed {
		return
	}
	others := make(map[string]remote.PresenceRecord, len(recs))
	for id, r := range recs {
		if id != s.user.ID {
			others[id] = r
		}
	}
	s.cursors.Update(others)
	s.notifyCursors()
}

// Entities returns the effective entity set ordered by creation.
func (s *Session) Entities() []entity.Entity {
	return s.engine.EffectiveSet()
}

// Entity returns the effective value of one entity.
func (s *Session) Entity(id string) (entity.Entity, bool) {
	return s.engine.Lookup(id)
}

// Cursors returns the remote cursors as currently animated.
func (s *Session) Cursors() []presence.Cursor {
	return s.cursors.Cursors()
}

// History exposes the undo stack for inspection.
func (s *Session) History() *history.Manager {
	return s.history
}

// PendingEdits returns the number of local edits still in flight.
func (s *Session) PendingEdits() int {
	return s.engine.PendingCount()
}

// applyLocal records a local edit. A new edit of an entity whose last write
// failed is in flight again.
func (s *Session) applyLocal(e entity.Entity) {
	s.engine.ApplyLocalEdit(e)
	delete(s.failed, e.ID)
}

func (s *Session) notifyEntities() {
	if s.onEntities != nil {
		s.onEntities(s.engine.EffectiveSet())
	}
}

func (s *Session) notifyCursors() {
	if s.onCursors != nil {
		s.onCursors(s.cursors.Cursors())
	}
}

// stamp returns a revision that is newer than prev even if the local clock
// has not moved past it.
func (s *Session) stamp(prev int64) int64 {
	ts := entity.Millis(s.sched.Now())
	if ts <= prev {
		ts = prev + 1
	}
	return ts
}
