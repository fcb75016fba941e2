package session

import (
	"context"

	"github.com/golang/glog"

	"collabboard/entity"
	"collabboard/placement"
	"collabboard/remote"
)

// SelectTool arms a creation tool for kind, cancelling any placement the
// previous tool had in progress.
func (s *Session) SelectTool(kind entity.Kind) {
	if s.tool != nil {
		s.handle(s.tool.Cancel())
	}
	s.tool = placement.NewTool(kind, s.user.ID)
}

// DropTool disarms the creation tool.
func (s *Session) DropTool() {
	if s.tool != nil {
		s.handle(s.tool.Cancel())
	}
	s.tool = nil
}

// PointerDown forwards a click to the armed tool and returns the entity it
// touched, if any.
func (s *Session) PointerDown(p entity.Point) (entity.Entity, bool) {
	if s.tool == nil {
		return entity.Entity{}, false
	}
	ev := s.tool.PointerDown(p, s.sched.Now())
	s.handle(ev)
	return ev.Entity, ev.Type != placement.None
}

// PointerMove stretches the shape being placed and moves the local cursor.
func (s *Session) PointerMove(p entity.Point, selection []string) {
	if s.tool != nil {
		s.handle(s.tool.PointerMove(p, s.sched.Now()))
	}
	s.MoveCursor(p, selection)
}

// CancelPlacement abandons the shape being placed.
func (s *Session) CancelPlacement() {
	if s.tool != nil {
		s.handle(s.tool.Cancel())
	}
}

func (s *Session) handle(ev placement.Event) {
	switch ev.Type {
	case placement.Create:
		ev.Entity.CreatedBy = s.user.ID
		s.BeginGesture()
		s.applyLocal(ev.Entity)
		s.writes.Enqueue(ev.Entity)
	case placement.Update:
		s.applyLocal(ev.Entity)
		s.writes.Enqueue(ev.Entity)
	case placement.Finalize:
		s.applyLocal(ev.Entity)
		s.writes.Enqueue(ev.Entity)
		s.EndGesture()
	case placement.Cancel:
		s.engine.Discard(ev.Entity.ID)
		s.writes.DeleteNow(ev.Entity.ID)
		s.EndGesture()
	default:
		return
	}
	s.notifyEntities()
}

// MoveCursor broadcasts the local pointer position and selection. Broadcasts
// are rate limited; the latest position is always sent once the limiter
// allows, so the final resting position is never lost.
func (s *Session) MoveCursor(p entity.Point, selection []string) {
	rec := remote.PresenceRecord{
		UserID:    s.user.ID,
		Name:      s.user.Name,
		Color:     s.user.Color,
		X:         p.X,
		Y:         p.Y,
		Selection: append([]string(nil), selection...),
		Timestamp: entity.Millis(s.sched.Now()),
	}
	s.lastCursor = &rec
	now := s.sched.Now()
	if s.trailingTimer == nil && s.limiter.AllowN(now, 1) {
		s.publishCursor(rec)
		return
	}
	if s.trailingTimer != nil {
		return
	}
	delay := s.limiter.ReserveN(now, 1).DelayFrom(now)
	s.trailingTimer = s.sched.AfterFunc(delay, func() {
		s.trailingTimer = nil
		if s.lastCursor != nil {
			s.publishCursor(*s.lastCursor)
		}
	})
}

func (s *Session) publishCursor(rec remote.PresenceRecord) {
	board := s.cfg.Board
	s.sched.Go(func() func() {
		err := s.channel.Set(context.Background(), board, rec)
		if err == nil {
			return nil
		}
		return func() { glog.Warningf("[session]presence broadcast failed: %v", err) }
	})
}

func (s *Session) armHeartbeat() {
	if s.cfg.Heartbeat <= 0 {
		return
	}
	s.heartbeat = s.sched.AfterFunc(s.cfg.Heartbeat, func() {
		if s.closed {
			return
		}
		if s.lastCursor != nil && s.trailingTimer == nil {
			rec := *s.lastCursor
			rec.Timestamp = entity.Millis(s.sched.Now())
			s.lastCursor = &rec
			s.publishCursor(rec)
		}
		s.armHeartbeat()
	})
}
