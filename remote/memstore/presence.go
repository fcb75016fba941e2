package memstore

import (
	"context"
	"sync"

	"collabboard/remote"
)

// Presence is an in-memory presence channel.
type Presence struct {
	mu    sync.Mutex
	rooms map[string]map[string]remote.PresenceRecord
	subs  map[string]map[chan map[string]remote.PresenceRecord]struct{}
}

// NewPresence returns an empty presence channel.
func NewPresence() *Presence {
	return &Presence{
		rooms: make(map[string]map[string]remote.PresenceRecord),
		subs:  make(map[string]map[chan map[string]remote.PresenceRecord]struct{}),
	}
}

func (p *Presence) Set(ctx context.Context, room string, rec remote.PresenceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[room] == nil {
		p.rooms[room] = make(map[string]remote.PresenceRecord)
	}
	p.rooms[room][rec.UserID] = rec
	p.publishLocked(room)
	return nil
}

func (p *Presence) Clear(ctx context.Context, room, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rooms[room][userID]; !ok {
		return nil
	}
	delete(p.rooms[room], userID)
	p.publishLocked(room)
	return nil
}

func (p *Presence) SubscribeAll(ctx context.Context, room string) (<-chan map[string]remote.PresenceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan map[string]remote.PresenceRecord, 1)
	if p.subs[room] == nil {
		p.subs[room] = make(map[chan map[string]remote.PresenceRecord]struct{})
	}
	p.subs[room][ch] = struct{}{}
	remote.Offer(ch, p.copyLocked(room))

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs[room], ch)
		close(ch)
	}()
	return ch, nil
}

func (p *Presence) copyLocked(room string) map[string]remote.PresenceRecord {
	out := make(map[string]remote.PresenceRecord, len(p.rooms[room]))
	for id, r := range p.rooms[room] {
		out[id] = r
	}
	return out
}

func (p *Presence) publishLocked(room string) {
	for ch := range p.subs[room] {
		remote.Offer(ch, p.copyLocked(room))
	}
}
