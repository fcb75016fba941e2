package throttle

import (
	"context"
	"sync"

	"collabboard/eventloop"
)

// storeCall is one write or delete waiting for the outbox worker.
type storeCall struct {
	do   func(ctx context.Context) error
	fail func(err error)
}

// outbox hands store calls to a single worker that runs them in the order
// they were issued, so a delete can never be overtaken by an earlier write
// of the same entity. Failures are posted back to the loop.
type outbox struct {
	sched eventloop.Scheduler

	mu      sync.Mutex
	queue   []storeCall
	running bool
}

func newOutbox(sched eventloop.Scheduler) *outbox {
	return &outbox{sched: sched}
}

func (o *outbox) push(c storeCall) {
	o.mu.Lock()
	o.queue = append(o.queue, c)
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()
	o.sched.Go(o.drain)
}

func (o *outbox) drain() func() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()
			return nil
		}
		c := o.queue[0]
		o.queue[0] = storeCall{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := c.do(context.Background()); err != nil && c.fail != nil {
			o.sched.Post(func() { c.fail(err) })
		}
	}
}

// idle reports whether nothing is queued or running.
func (o *outbox) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.running && len(o.queue) == 0
}
