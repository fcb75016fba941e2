// Package presence turns sparse remote cursor updates into smoothly animated
// per-frame positions.
package presence

import (
	"math"
	"sort"
	"time"

	"github.com/golang/glog"

	"collabboard/entity"
	"collabboard/eventloop"
	"collabboard/remote"
)

// Config tunes the interpolator.
type Config struct {
	// Epsilon is the distance, in canvas units, under which the animated
	// position snaps onto the target.
	Epsilon float64
	// Factor is the fraction of the remaining distance covered per frame.
	Factor float64
	// Staleness is how long an identity may go without a fresh record
	// before it is dropped.
	Staleness time.Duration
	// FrameInterval is the scheduling period of the animation loop.
	FrameInterval time.Duration
}

// DefaultConfig returns the standard smoothing parameters.
func DefaultConfig() Config {
	return Config{
		Epsilon:       0.5,
		Factor:        0.3,
		Staleness:     5 * time.Second,
		FrameInterval: 16 * time.Millisecond,
	}
}

// Cursor is the render-ready state of one remote user.
type Cursor struct {
	remote.PresenceRecord
	Target   entity.Point
	Animated entity.Point
	LastSeen time.Time
}

// Converged reports whether the animated position sits on the target.
func (c Cursor) Converged() bool {
	return c.Animated == c.Target
}

// Interpolator owns the animated positions. Not safe for concurrent use.
type Interpolator struct {
	cfg     Config
	sched   eventloop.Scheduler
	cursors map[string]*Cursor

	timer eventloop.Timer
	tick  func()
}

// New returns an interpolator driven by sched.
func New(sched eventloop.Scheduler, cfg Config) *Interpolator {
	return &Interpolator{
		cfg:     cfg,
		sched:   sched,
		cursors: make(map[string]*Cursor),
	}
}

// Update applies an inbound batch of true positions. Known identities only
// get a new target, so the following frames glide toward it. Unseen
// identities start exactly on their position. Records older than the
// staleness window count as absent, and identities absent for longer than
// the window are dropped.
func (ip *Interpolator) Update(recs map[string]remote.PresenceRecord) {
	now := ip.sched.Now()
	for id, rec := range recs {
		if rec.Stale(now, ip.cfg.Staleness) {
			continue
		}
		target := entity.Point{X: rec.X, Y: rec.Y}
		if c, ok := ip.cursors[id]; ok {
			c.PresenceRecord = rec
			c.Target = target
			c.LastSeen = now
			continue
		}
		ip.cursors[id] = &Cursor{PresenceRecord: rec, Target: target, Animated: target, LastSeen: now}
	}
	ip.prune(now)
}

func (ip *Interpolator) prune(now time.Time) {
	for id, c := range ip.cursors {
		if now.Sub(c.LastSeen) > ip.cfg.Staleness || c.Stale(now, ip.cfg.Staleness) {
			glog.V(1).Infof("[presence]dropping stale cursor %s", id)
			delete(ip.cursors, id)
		}
	}
}

// Remove drops one identity immediately.
func (ip *Interpolator) Remove(id string) {
	delete(ip.cursors, id)
}

// Step advances every animated position by one frame and reports whether
// any identity is still moving.
func (ip *Interpolator) Step() bool {
	moving := false
	for _, c := range ip.cursors {
		c.Animated = ip.approach(c.Animated, c.Target)
		if !c.Converged() {
			moving = true
		}
	}
	return moving
}

func (ip *Interpolator) approach(from, to entity.Point) entity.Point {
	dx, dy := to.X-from.X, to.Y-from.Y
	if math.Hypot(dx, dy) < ip.cfg.Epsilon {
		return to
	}
	return entity.Point{X: from.X + dx*ip.cfg.Factor, Y: from.Y + dy*ip.cfg.Factor}
}

// Converged reports whether every identity sits on its target.
func (ip *Interpolator) Converged() bool {
	for _, c := range ip.cursors {
		if !c.Converged() {
			return false
		}
	}
	return true
}

// Cursors returns the current state ordered by user id.
func (ip *Interpolator) Cursors() []Cursor {
	out := make([]Cursor, 0, len(ip.cursors))
	for _, c := range ip.cursors {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Cursor returns one identity's state.
func (ip *Interpolator) Cursor(id string) (Cursor, bool) {
	c, ok := ip.cursors[id]
	if !ok {
		return Cursor{}, false
	}
	return *c, true
}

// StartLoop begins the frame loop. Every frame drops stale identities; a
// frame that finds an identity still moving, or dropped one, steps the
// animation and then calls tick. The loop keeps running until StopLoop;
// starting it twice only replaces the tick callback.
func (ip *Interpolator) StartLoop(tick func()) {
	ip.tick = tick
	if ip.timer != nil {
		return
	}
	ip.timer = ip.sched.AfterFunc(ip.cfg.FrameInterval, ip.frame)
}

// StopLoop cancels the frame loop.
func (ip *Interpolator) StopLoop() {
	if ip.timer != nil {
		ip.timer.Stop()
		ip.timer = nil
	}
}

// Running reports whether the frame loop is scheduled.
func (ip *Interpolator) Running() bool {
	return ip.timer != nil
}

func (ip *Interpolator) frame() {
	if ip.timer == nil {
		return
	}
	before := len(ip.cursors)
	ip.prune(ip.sched.Now())
	if !ip.Converged() || len(ip.cursors) != before {
		ip.Step()
		if ip.tick != nil {
			ip.tick()
		}
	}
	ip.timer = ip.sched.AfterFunc(ip.cfg.FrameInterval, ip.frame)
}
