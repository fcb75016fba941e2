// Package remote defines the contracts the sync core consumes from the
// authoritative store and from the ephemeral presence channel.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by adapters that have been shut down.
var ErrClosed = errors.New("remote: adapter closed")

// Doc is one member of a collection snapshot.
type Doc struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Writer is the write half of the store contract.
type Writer interface {
	// Write upserts one document. With merge set, only the given fields
	// are replaced and the rest are kept.
	Write(ctx context.Context, collection, id string, fields map[string]any, merge bool) error
	// BatchWrite upserts all docs atomically: all succeed or none do.
	BatchWrite(ctx context.Context, collection string, docs []Doc) error
	// Delete removes a document. Its absence from the next snapshot is
	// the deletion signal.
	Delete(ctx context.Context, collection, id string) error
}

// Store is the Remote Store Adapter.
type Store interface {
	Writer
	// Subscribe streams the full current snapshot of a collection each
	// time any member changes. The channel is closed when ctx is done.
	Subscribe(ctx context.Context, collection string) (<-chan []Doc, error)
}

// PresenceRecord is one user's ephemeral presence state.
type PresenceRecord struct {
	UserID    string   `json:"userId"`
	Name      string   `json:"name"`
	Color     string   `json:"color"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Selection []string `json:"selection,omitempty"`
	Timestamp int64    `json:"timestamp"` // unix millis at the sender
}

// Stale reports whether the record is older than window at now.
func (r PresenceRecord) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(time.UnixMilli(r.Timestamp)) > window
}

// PresenceChannel is the low-latency, non-retained presence contract.
type PresenceChannel interface {
	Set(ctx context.Context, room string, rec PresenceRecord) error
	Clear(ctx context.Context, room, userID string) error
	// SubscribeAll streams the full user → record map whenever it changes.
	SubscribeAll(ctx context.Context, room string) (<-chan map[string]PresenceRecord, error)
}

// FreshOnly drops records older than window. Subscribers treat such
// records as absent even if the channel still holds them.
func FreshOnly(recs map[string]PresenceRecord, now time.Time, window time.Duration) map[string]PresenceRecord {
	out := make(map[string]PresenceRecord, len(recs))
	for id, r := range recs {
		if !r.Stale(now, window) {
			out[id] = r
		}
	}
	return out
}

// CloneFields copies a field map one level deep. Nested values are shared.
func CloneFields(f map[string]any) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Supersedes reports whether a write carrying incoming may replace stored
// under last-write-wins on the "updatedAt" field. Documents without a
// numeric stamp never block a write.
func Supersedes(incoming, stored map[string]any) bool {
	in, ok := Stamp(incoming)
	if !ok {
		return true
	}
	cur, ok := Stamp(stored)
	if !ok {
		return true
	}
	return in >= cur
}

// Stamp returns the "updatedAt" revision of a field map.
func Stamp(f map[string]any) (int64, bool) {
	switch v := f["updatedAt"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Offer replaces whatever is buffered in ch with v, so a slow subscriber
// only ever sees the latest value. Concurrent senders must be serialized
// by the caller.
func Offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
