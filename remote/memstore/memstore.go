// Package memstore is an in-process implementation of the remote store and
// presence contracts. The sync server uses it when no database is
// configured and tests use it as a controllable backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"collabboard/remote"
)

// Store keeps collections in memory and fans snapshots out to subscribers.
// A write older than the stored document, by "updatedAt", is accepted and
// dropped, so arrival order never overrides last-write-wins.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	subs        map[string]map[*subscription]struct{}
	failWrites  error
	writes      []WriteRecord
	closed      bool
}

// WriteRecord describes one accepted or rejected write call.
type WriteRecord struct {
	Collection string
	Op         string // "write", "batch", "delete"
	IDs        []string
	Merge      bool
	Err        error
}

type subscription struct {
	ch chan []remote.Doc
}

// New returns an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[string]map[*subscription]struct{}),
	}
}

// FailWrites makes every following write return err until called with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

// Writes returns the write log.
func (s *Store) Writes() []WriteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WriteRecord, len(s.writes))
	copy(out, s.writes)
	return out
}

// Snapshot returns the current contents of a collection ordered by id.
func (s *Store) Snapshot(collection string) []remote.Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(collection)
}

// Put replaces a document without going through the write log. Tests use it
// to play the role of another writer.
func (s *Store) Put(collection, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs(collection)[id] = remote.CloneFields(fields)
	s.publishLocked(collection)
}

func (s *Store) Write(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(collection, "write", []string{id}, merge); err != nil {
		return err
	}
	docs := s.docs(collection)
	cur, ok := docs[id]
	switch {
	case ok && !remote.Supersedes(fields, cur):
		return nil
	case ok && merge:
		for k, v := range fields {
			cur[k] = v
		}
	default:
		docs[id] = remote.CloneFields(fields)
	}
	s.publishLocked(collection)
	return nil
}

func (s *Store) BatchWrite(ctx context.Context, collection string, batch []remote.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(batch))
	for i, d := range batch {
		ids[i] = d.ID
	}
	if err := s.admit(collection, "batch", ids, true); err != nil {
		return err
	}
	docs := s.docs(collection)
	for _, d := range batch {
		if cur, ok := docs[d.ID]; ok {
			if !remote.Supersedes(d.Fields, cur) {
				continue
			}
			for k, v := range d.Fields {
				cur[k] = v
			}
			continue
		}
		docs[d.ID] = remote.CloneFields(d.Fields)
	}
	s.publishLocked(collection)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(collection, "delete", []string{id}, false); err != nil {
		return err
	}
	docs := s.docs(collection)
	if _, ok := docs[id]; !ok {
		return nil
	}
	delete(docs, id)
	s.publishLocked(collection)
	return nil
}

// Subscribe delivers the current snapshot immediately and then every change.
// A slow subscriber only ever sees the latest snapshot.
func (s *Store) Subscribe(ctx context.Context, collection string) (<-chan []remote.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	sub := &subscription{ch: make(chan []remote.Doc, 1)}
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[*subscription]struct{})
	}
	s.subs[collection][sub] = struct{}{}
	remote.Offer(sub.ch, s.snapshotLocked(collection))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[collection][sub]; ok {
			delete(s.subs[collection], sub)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

// Close ends every subscription and rejects further calls.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, subs := range s.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	s.subs = make(map[string]map[*subscription]struct{})
}

func (s *Store) admit(collection, op string, ids []string, merge bool) error {
	err := s.failWrites
	if s.closed {
		err = remote.ErrClosed
	}
	s.writes = append(s.writes, WriteRecord{Collection: collection, Op: op, IDs: ids, Merge: merge, Err: err})
	return err
}

func (s *Store) docs(collection string) map[string]map[string]any {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]map[string]any)
		s.collections[collection] = docs
	}
	return docs
}

func (s *Store) snapshotLocked(collection string) []remote.Doc {
	docs := s.collections[collection]
	out := make([]remote.Doc, 0, len(docs))
	for id, f := range docs {
		out = append(out, remote.Doc{ID: id, Fields: remote.CloneFields(f)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) publishLocked(collection string) {
	if len(s.subs[collection]) == 0 {
		return
	}
	snap := s.snapshotLocked(collection)
	for sub := range s.subs[collection] {
		remote.Offer(sub.ch, snap)
	}
}
