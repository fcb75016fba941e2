// Package eventloop provides the single-threaded cooperative scheduler the
// sync core runs on. All component state is owned by the loop goroutine;
// timers, I/O completions and remote subscriptions re-enter the loop by
// posting a callback instead of touching state directly.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Timer is a pending callback that can be cancelled before it fires.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Scheduler is the execution context shared by the sync core components.
type Scheduler interface {
	// Now returns the scheduler's notion of the current instant.
	Now() time.Time
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Post queues fn to run on the loop. Safe to call from any goroutine.
	Post(fn func())
	// Go runs work off the loop and then runs the continuation it returns,
	// if any, on the loop.
	Go(work func() func())
}

// Loop is the production Scheduler: a goroutine draining a task channel.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// New returns a Loop with the given task queue depth.
func New(queue int) *Loop {
	if queue <= 0 {
		queue = 256
	}
	return &Loop{
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled. It must be called exactly once.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case fn := <-l.tasks:
			l.run(fn)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[loop]task panicked: %v", r)
		}
	}()
	fn()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Call runs fn on the loop and waits for it to finish. It must not be
// called from the loop itself.
func (l *Loop) Call(fn func()) bool {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fire() {
				fn()
			}
		})
	})
	return t
}

func (l *Loop) Go(work func() func()) {
	go func() {
		if cont := work(); cont != nil {
			l.Post(cont)
		}
	}()
}

// loopTimer guards against a stopped timer whose callback was already
// queued on the loop.
type loopTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   bool
}

func (t *loopTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}

func (t *loopTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	t.timer.Stop()
	return wasPending
}
