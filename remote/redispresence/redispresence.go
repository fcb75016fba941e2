// Package redispresence is a presence channel on Redis. Each user's record
// lives under its own key with a TTL so that crashed clients expire, and
// every change is published on the room's channel.
package redispresence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabboard/remote"
)

const (
	opSet   = "set"
	opClear = "clear"
)

type message struct {
	Op     string                 `json:"op"`
	Record *remote.PresenceRecord `json:"record,omitempty"`
	UserID string                 `json:"userId,omitempty"`
}

// Presence implements remote.PresenceChannel.
type Presence struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

var _ remote.PresenceChannel = (*Presence)(nil)

// New returns a presence channel whose records expire after ttl without a
// refresh.
func New(rdb redis.UniversalClient, ttl time.Duration) *Presence {
	return &Presence{rdb: rdb, ttl: ttl}
}

func key(room, userID string) string {
	return "presence:" + room + ":" + userID
}

func channel(room string) string {
	return "presence:" + room
}

func (p *Presence) Set(ctx context.Context, room string, rec remote.PresenceRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	msg, err := json.Marshal(message{Op: opSet, Record: &rec})
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, key(room, rec.UserID), val, p.ttl)
	pipe.Publish(ctx, channel(room), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set presence for %s: %w", rec.UserID, err)
	}
	return nil
}

func (p *Presence) Clear(ctx context.Context, room, userID string) error {
	msg, err := json.Marshal(message{Op: opClear, UserID: userID})
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, key(room, userID))
	pipe.Publish(ctx, channel(room), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear presence for %s: %w", userID, err)
	}
	return nil
}

// SubscribeAll subscribes before loading the current records so no change
// between the two is missed.
func (p *Presence) SubscribeAll(ctx context.Context, room string) (<-chan map[string]remote.PresenceRecord, error) {
	ps := p.rdb.Subscribe(ctx, channel(room))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to presence %s: %w", room, err)
	}
	recs, err := p.Load(ctx, room)
	if err != nil {
		ps.Close()
		return nil, err
	}
	out := make(chan map[string]remote.PresenceRecord, 1)
	out <- copyRecords(recs)

	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var msg message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					glog.Warningf("[presence]bad message on %s: %v", m.Channel, err)
					continue
				}
				switch {
				case msg.Op == opSet && msg.Record != nil:
					recs[msg.Record.UserID] = *msg.Record
				case msg.Op == opClear:
					delete(recs, msg.UserID)
				default:
					continue
				}
				remote.Offer(out, copyRecords(recs))
			}
		}
	}()
	return out, nil
}

// Load reads every unexpired record in room.
func (p *Presence) Load(ctx context.Context, room string) (map[string]remote.PresenceRecord, error) {
	var keys []string
	iter := p.rdb.Scan(ctx, 0, key(room, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence %s: %w", room, err)
	}
	recs := make(map[string]remote.PresenceRecord, len(keys))
	if len(keys) == 0 {
		return recs, nil
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence %s: %w", room, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var rec remote.PresenceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			glog.Warningf("[presence]bad record %s: %v", keys[i], err)
			continue
		}
		recs[rec.UserID] = rec
	}
	return recs, nil
}

func copyRecords(recs map[string]remote.PresenceRecord) map[string]remote.PresenceRecord {
	out := make(map[string]remote.PresenceRecord, len(recs))
	for id, r := range recs {
		out[id] = r
	}
	return out
}
