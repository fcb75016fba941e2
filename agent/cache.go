package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"collabboard/entity"
	"collabboard/merge"
	"collabboard/remote"
)

var (
	boardsBucket = []byte("boards")

	errNotCached = errors.New("board is not in the cache")
)

// boardCache keeps the last entity set seen per board in a local bolt file,
// so a board can be inspected without a server.
type boardCache struct {
	db *bbolt.DB
}

type cachedBoard struct {
	SavedAt int64        `json:"savedAt"`
	Docs    []remote.Doc `json:"docs"`
}

func openCache(path string) (*boardCache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boardsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache %s: %w", path, err)
	}
	return &boardCache{db: db}, nil
}

func (c *boardCache) save(board string, es []entity.Entity, at time.Time) error {
	docs := make([]remote.Doc, len(es))
	for i, e := range es {
		docs[i] = remote.Doc{ID: e.ID, Fields: e.Fields()}
	}
	buf, err := json.Marshal(cachedBoard{SavedAt: entity.Millis(at), Docs: docs})
	if err != nil {
		return fmt.Errorf("encode board %s: %w", board, err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boardsBucket).Put([]byte(board), buf)
	})
}

// load returns the cached entities of board in creation order and when they
// were saved. Malformed entries are skipped the same way live snapshots are.
func (c *boardCache) load(board string) ([]entity.Entity, time.Time, error) {
	var raw []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(boardsBucket).Get([]byte(board)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	if raw == nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s", errNotCached, board)
	}
	var cb cachedBoard
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode cached board %s: %w", board, err)
	}
	es := merge.Decode(cb.Docs)
	entity.SortByCreated(es)
	return es, time.UnixMilli(cb.SavedAt), nil
}

func (c *boardCache) close() error {
	return c.db.Close()
}
