// Package throttle coalesces bursts of entity changes into a capped-rate
// stream of writes to the remote store.
package throttle

import (
	"context"
	"sort"
	"time"

	"github.com/golang/glog"

	"collabboard/entity"
	"collabboard/eventloop"
	"collabboard/metrics"
	"collabboard/remote"
)

// Config tunes the throttler.
type Config struct {
	// FlushDelay is the regular flush interval, about one frame.
	FlushDelay time.Duration
	// SettleDelay is re-armed on every change. When it fires the final
	// value of every entity touched in the burst is written again.
	SettleDelay time.Duration
	// BatchThreshold is the member count above which a batch flush is
	// committed as one atomic multi-entity write.
	BatchThreshold int
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		FlushDelay:     16 * time.Millisecond,
		SettleDelay:    150 * time.Millisecond,
		BatchThreshold: 1,
	}
}

// Throttler owns the pending-write queues. Like the rest of the core it is
// driven from the event loop only. Store calls leave through one ordered
// outbox in the order they were issued.
type Throttler struct {
	cfg        Config
	sched      eventloop.Scheduler
	store      remote.Writer
	collection string

	pendingWrites map[string]entity.Entity
	pendingBatch  map[string]entity.Entity
	burst         map[string]entity.Entity
	burstBatch    map[string]entity.Entity

	flushTimer  eventloop.Timer
	settleTimer eventloop.Timer
	out         *outbox

	onError func(ids []string, err error)
}

// New returns a throttler writing to collection on store.
func New(sched eventloop.Scheduler, store remote.Writer, collection string, cfg Config) *Throttler {
	return &Throttler{
		cfg:           cfg,
		sched:         sched,
		store:         store,
		collection:    collection,
		pendingWrites: make(map[string]entity.Entity),
		pendingBatch:  make(map[string]entity.Entity),
		burst:         make(map[string]entity.Entity),
		burstBatch:    make(map[string]entity.Entity),
		out:           newOutbox(sched),
	}
}

// OnError registers a callback run on the loop after a failed write. The
// failure is logged either way and never retried.
func (t *Throttler) OnError(fn func(ids []string, err error)) {
	t.onError = fn
}

// Enqueue records the latest value of one entity. Earlier values for the
// same identifier that have not been flushed yet are overwritten.
func (t *Throttler) Enqueue(e entity.Entity) {
	e = e.Clone()
	delete(t.pendingBatch, e.ID)
	delete(t.burstBatch, e.ID)
	t.pendingWrites[e.ID] = e
	t.burst[e.ID] = e
	t.schedule()
}

// EnqueueBatch records the latest values of a group of entities that moved
// together. They are flushed as one atomic write sharing a single UpdatedAt.
func (t *Throttler) EnqueueBatch(es []entity.Entity) {
	for _, e := range es {
		e = e.Clone()
		delete(t.pendingWrites, e.ID)
		delete(t.burst, e.ID)
		t.pendingBatch[e.ID] = e
		t.burstBatch[e.ID] = e
	}
	t.schedule()
}

// WriteNow issues a write for e without throttling. Queued and burst values
// for the same entity are dropped since e supersedes them.
func (t *Throttler) WriteNow(e entity.Entity) {
	t.Forget(e.ID)
	t.writeOne(e.Clone(), "immediate")
}

// DeleteNow forgets any queued value for id and removes it remotely.
func (t *Throttler) DeleteNow(id string) {
	t.Forget(id)
	metrics.Writes.WithLabelValues("delete").Inc()
	t.out.push(storeCall{
		do: func(ctx context.Context) error {
			return t.store.Delete(ctx, t.collection, id)
		},
		fail: func(err error) { t.failed("delete", []string{id}, err) },
	})
}

// Forget drops any queued value for id, e.g. after a local delete.
func (t *Throttler) Forget(id string) {
	delete(t.pendingWrites, id)
	delete(t.pendingBatch, id)
	delete(t.burst, id)
	delete(t.burstBatch, id)
}

// Queued returns the number of entities waiting for the next flush.
func (t *Throttler) Queued() int {
	return len(t.pendingWrites) + len(t.pendingBatch)
}

// Idle reports whether nothing is queued for a flush and every issued store
// call has returned.
func (t *Throttler) Idle() bool {
	return t.Queued() == 0 && t.out.idle()
}

// Flush writes everything pending now and cancels the regular flush timer.
func (t *Throttler) Flush() {
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
	t.flush("manual")
}

// Close flushes what is pending, including the burst's final values, and
// stops both timers.
func (t *Throttler) Close() {
	if t.settleTimer != nil {
		t.settleTimer.Stop()
		t.settleTimer = nil
	}
	t.Flush()
	t.resetBurst()
}

func (t *Throttler) schedule() {
	if t.flushTimer == nil {
		t.flushTimer = t.sched.AfterFunc(t.cfg.FlushDelay, func() {
			t.flushTimer = nil
			t.flush("regular")
		})
	}
	if t.settleTimer != nil {
		t.settleTimer.Stop()
	}
	t.settleTimer = t.sched.AfterFunc(t.cfg.SettleDelay, t.settle)
}

// settle runs once the burst has gone quiet. Whatever the regular flush
// already wrote, the final value of every touched entity goes out again.
func (t *Throttler) settle() {
	t.settleTimer = nil
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
	for id, e := range t.burst {
		t.pendingWrites[id] = e
	}
	for id, e := range t.burstBatch {
		t.pendingBatch[id] = e
	}
	t.resetBurst()
	t.flush("settle")
}

func (t *Throttler) resetBurst() {
	t.burst = make(map[string]entity.Entity)
	t.burstBatch = make(map[string]entity.Entity)
}

func (t *Throttler) flush(reason string) {
	if len(t.pendingWrites) == 0 && len(t.pendingBatch) == 0 {
		return
	}
	metrics.Flushes.WithLabelValues(reason).Inc()
	glog.V(2).Infof("[throttle]%s flush: %d single, %d batched", reason, len(t.pendingWrites), len(t.pendingBatch))

	singles := sortedValues(t.pendingWrites)
	batch := sortedValues(t.pendingBatch)
	t.pendingWrites = make(map[string]entity.Entity)
	t.pendingBatch = make(map[string]entity.Entity)

	for _, e := range singles {
		t.writeOne(e, "throttled")
	}
	if len(batch) == 0 {
		return
	}
	if len(batch) <= t.cfg.BatchThreshold {
		for _, e := range batch {
			t.writeOne(e, "throttled")
		}
		return
	}
	t.writeBatch(batch)
}

func (t *Throttler) writeOne(e entity.Entity, mode string) {
	metrics.Writes.WithLabelValues(mode).Inc()
	fields := e.Fields()
	t.out.push(storeCall{
		do: func(ctx context.Context) error {
			return t.store.Write(ctx, t.collection, e.ID, fields, true)
		},
		fail: func(err error) { t.failed(mode, []string{e.ID}, err) },
	})
}

// writeBatch commits the group atomically. Every member carries the newest
// UpdatedAt in the group so no member can straggle behind its siblings.
func (t *Throttler) writeBatch(batch []entity.Entity) {
	var stamp int64
	for _, e := range batch {
		if e.UpdatedAt > stamp {
			stamp = e.UpdatedAt
		}
	}
	docs := make([]remote.Doc, len(batch))
	ids := make([]string, len(batch))
	for i, e := range batch {
		e.UpdatedAt = stamp
		docs[i] = remote.Doc{ID: e.ID, Fields: e.Fields()}
		ids[i] = e.ID
	}
	metrics.Writes.WithLabelValues("batch").Inc()
	t.out.push(storeCall{
		do: func(ctx context.Context) error {
			return t.store.BatchWrite(ctx, t.collection, docs)
		},
		fail: func(err error) { t.failed("batch", ids, err) },
	})
}

func (t *Throttler) failed(mode string, ids []string, err error) {
	metrics.WriteFailures.WithLabelValues(mode).Inc()
	glog.Errorf("[throttle]%s write of %v failed: %v", mode, ids, err)
	if t.onError != nil {
		t.onError(ids, err)
	}
}

func sortedValues(m map[string]entity.Entity) []entity.Entity {
	out := make([]entity.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
