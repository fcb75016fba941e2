// Package pgstore keeps board entities in Postgres. Every change issues a
// NOTIFY on the collection's channel and subscribers reload the collection
// when they hear it.
package pgstore

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabboard/remote"
)

// Channel is the LISTEN/NOTIFY channel. Payloads name the collection.
const Channel = "board_entities"

const schema = `
CREATE TABLE IF NOT EXISTS board_entities (
	collection text   NOT NULL,
	id         text   NOT NULL,
	fields     jsonb  NOT NULL,
	updated_at bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (collection, id)
)`

// Older writes are dropped by the WHERE clause so arrival order never
// overrides last-write-wins.
const (
	upsertMerge = `
INSERT INTO board_entities (collection, id, fields, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (collection, id) DO UPDATE
SET fields = board_entities.fields || EXCLUDED.fields, updated_at = EXCLUDED.updated_at
WHERE EXCLUDED.updated_at >= board_entities.updated_at`

	upsertReplace = `
INSERT INTO board_entities (collection, id, fields, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (collection, id) DO UPDATE
SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at
WHERE EXCLUDED.updated_at >= board_entities.updated_at`
)

// Store is a remote.Store backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ remote.Store = (*Store)(nil)

// Open connects to databaseURL and makes sure the table exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the entity table if it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Write(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsert(ctx, tx, collection, id, fields, merge); err != nil {
			return err
		}
		return notify(ctx, tx, collection)
	})
}

// BatchWrite applies every doc in one transaction.
func (s *Store) BatchWrite(ctx context.Context, collection string, docs []remote.Doc) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, d := range docs {
			if err := upsert(ctx, tx, collection, d.ID, d.Fields, true); err != nil {
				return err
			}
		}
		return notify(ctx, tx, collection)
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM board_entities WHERE collection = $1 AND id = $2`, collection, id); err != nil {
			return fmt.Errorf("delete %s/%s: %w", collection, id, err)
		}
		return notify(ctx, tx, collection)
	})
}

// Snapshot loads a collection ordered by id.
func (s *Store) Snapshot(ctx context.Context, collection string) ([]remote.Doc, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, fields FROM board_entities WHERE collection = $1 ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (remote.Doc, error) {
		var d remote.Doc
		err := row.Scan(&d.ID, &d.Fields)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	return docs, nil
}

// Subscribe holds one pooled connection in LISTEN mode for the lifetime of
// ctx. The channel is closed when ctx ends or the connection fails.
func (s *Store) Subscribe(ctx context.Context, collection string) (<-chan []remote.Doc, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	first, err := s.Snapshot(ctx, collection)
	if err != nil {
		conn.Release()
		return nil, err
	}
	ch := make(chan []remote.Doc, 1)
	ch <- first

	go func() {
		defer close(ch)
		defer func() {
			// The connection goes back to the pool, so stop listening first.
			if _, err := conn.Exec(context.Background(), "UNLISTEN "+Channel); err != nil {
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					glog.Errorf("[pgstore]listener for %s failed: %v", collection, err)
				}
				return
			}
			if n.Payload != collection {
				continue
			}
			docs, err := s.Snapshot(ctx, collection)
			if err != nil {
				glog.Warningf("[pgstore]reload %s: %v", collection, err)
				continue
			}
			remote.Offer(ch, docs)
		}
	}()
	return ch, nil
}

func upsert(ctx context.Context, tx pgx.Tx, collection, id string, fields map[string]any, merge bool) error {
	q := upsertReplace
	if merge {
		q = upsertMerge
	}
	stamp, _ := remote.Stamp(fields)
	if _, err := tx.Exec(ctx, q, collection, id, fields, stamp); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

func notify(ctx context.Context, tx pgx.Tx, collection string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, collection); err != nil {
		return fmt.Errorf("notify %s: %w", collection, err)
	}
	return nil
}
