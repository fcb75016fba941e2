package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"collabboard/config"
	"collabboard/entity"
	"collabboard/eventloop"
	"collabboard/presence"
	"collabboard/remote/wsclient"
	"collabboard/session"
)

const (
	discoveryTimeout = 5 * time.Second
	settleTimeout    = 10 * time.Second
)

// agentClient is one joined board: the loop all session calls run on, the
// session itself and its connection.
type agentClient struct {
	loop *eventloop.Loop
	sess *session.Session
	conn *wsclient.Client
	stop context.CancelFunc
}

func join(ctx context.Context, opts docopt.Opts) (*agentClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	board, _ := opts.String("--board")
	user, _ := opts.String("--user")
	if user == "" {
		host, _ := os.Hostname()
		user = "agent-" + host
	}

	base, _ := opts.String("--server")
	if base == "" {
		if base, err = discover(ctx, discoveryTimeout); err != nil {
			return nil, err
		}
	}
	url := strings.TrimRight(base, "/") + "/ws/" + board
	conn, err := wsclient.Dial(ctx, url, wsclient.Options{})
	if err != nil {
		return nil, err
	}

	loopCtx, stop := context.WithCancel(context.Background())
	loop := eventloop.New(0)
	go loop.Run(loopCtx)

	sess := session.New(loop, conn, conn, session.User{ID: user, Name: user}, cfg.Session(board))
	var startErr error
	loop.Call(func() { startErr = sess.Start(ctx) })
	if startErr != nil {
		stop()
		conn.Close()
		return nil, startErr
	}
	c := &agentClient{loop: loop, sess: sess, conn: conn, stop: stop}
	if err := c.waitFor(ctx, settleTimeout, func(s *session.Session) bool { return s.History().Seeded() }); err != nil {
		c.close()
		return nil, fmt.Errorf("waiting for board %s: %w", board, err)
	}
	glog.Infof("joined board %s at %s as %s", board, url, user)
	return c, nil
}

// waitFor polls cond on the loop until it holds.
func (c *agentClient) waitFor(ctx context.Context, timeout time.Duration, cond func(*session.Session) bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		var ok bool
		c.loop.Call(func() { ok = cond(c.sess) })
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return errors.New("connection to server lost")
		case <-ticker.C:
		}
	}
}

// settle waits until the store has confirmed every local edit.
func (c *agentClient) settle(ctx context.Context) error {
	return c.waitFor(ctx, settleTimeout, func(s *session.Session) bool { return s.PendingEdits() == 0 })
}

func (c *agentClient) close() {
	c.loop.Call(c.sess.Close)
	c.conn.Close()
	c.stop()
}

func watch(ctx context.Context, opts docopt.Opts) error {
	if d, _ := opts.String("--for"); d != "" {
		dur, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf("parse --for: %w", err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dur)
		defer cancel()
	}
	var cache *boardCache
	if path, _ := opts.String("--cache"); path != "" {
		var err error
		if cache, err = openCache(path); err != nil {
			return err
		}
		defer cache.close()
	}
	board, _ := opts.String("--board")

	c, err := join(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	remember := func(es []entity.Entity) {
		if cache == nil {
			return
		}
		if err := cache.save(board, es, c.loop.Now()); err != nil {
			glog.Warningf("cache board %s: %v", board, err)
		}
	}
	c.loop.Call(func() {
		c.sess.OnEntities(func(es []entity.Entity) {
			remember(es)
			glog.Infof("board has %d entities", len(es))
			for _, e := range es {
				glog.V(1).Infof("  %s %s at (%.1f, %.1f) rev %d", e.Kind, e.ID, e.X, e.Y, e.UpdatedAt)
			}
		})
		c.sess.OnCursors(func(cs []presence.Cursor) {
			for _, cur := range cs {
				glog.V(2).Infof("  cursor %s at (%.1f, %.1f)", cur.UserID, cur.Animated.X, cur.Animated.Y)
			}
		})
		es := c.sess.Entities()
		remember(es)
		glog.Infof("board has %d entities", len(es))
	})

	select {
	case <-ctx.Done():
	case <-c.conn.Done():
		return errors.New("connection to server lost")
	}
	return nil
}

func draw(ctx context.Context, opts docopt.Opts) error {
	created, err := drawEntity(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}

// drawEntity creates one entity and waits until the store has it.
func drawEntity(ctx context.Context, opts docopt.Opts) (entity.Entity, error) {
	kindStr, _ := opts.String("<kind>")
	kind := entity.Kind(kindStr)
	if !kind.Valid() || kind == entity.KindPath {
		return entity.Entity{}, fmt.Errorf("cannot draw %q", kindStr)
	}
	x, _ := opts.Float64("--x")
	y, _ := opts.Float64("--y")
	w, err := opts.Float64("--width")
	if err != nil {
		return entity.Entity{}, fmt.Errorf("parse --width: %w", err)
	}
	h, err := opts.Float64("--height")
	if err != nil {
		return entity.Entity{}, fmt.Errorf("parse --height: %w", err)
	}
	text, _ := opts.String("--text")

	c, err := join(ctx, opts)
	if err != nil {
		return entity.Entity{}, err
	}
	defer c.close()

	var created entity.Entity
	c.loop.Call(func() {
		e := entity.New(kind, "", c.loop.Now())
		e.X, e.Y = x, y
		switch {
		case kind == entity.KindLine:
			e.X2, e.Y2 = x+w, y+h
		case kind.Boxed():
			e.Width, e.Height = w, h
		}
		if text != "" {
			e.Text = text
		}
		created = c.sess.Create(e)
	})
	if err := c.settle(ctx); err != nil {
		return entity.Entity{}, fmt.Errorf("waiting for %s to be stored: %w", created.ID, err)
	}
	return created, nil
}

func drag(ctx context.Context, opts docopt.Opts) error {
	id, _ := opts.String("<id>")
	dx, err := opts.Float64("--dx")
	if err != nil {
		return fmt.Errorf("parse --dx: %w", err)
	}
	dy, err := opts.Float64("--dy")
	if err != nil {
		return fmt.Errorf("parse --dy: %w", err)
	}
	steps, err := opts.Int("--steps")
	if err != nil || steps <= 0 {
		return fmt.Errorf("--steps must be a positive integer")
	}

	c, err := join(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	var found bool
	c.loop.Call(func() {
		_, found = c.sess.Entity(id)
	})
	if !found {
		return fmt.Errorf("entity %s is not on the board", id)
	}

	c.loop.Call(c.sess.BeginGesture)
	stepX, stepY := dx/float64(steps), dy/float64(steps)
	var origin entity.Point
	c.loop.Call(func() {
		e, _ := c.sess.Entity(id)
		origin = entity.Point{X: e.X, Y: e.Y}
	})
	for i := 1; i <= steps; i++ {
		p := entity.Point{X: origin.X + stepX*float64(i), Y: origin.Y + stepY*float64(i)}
		c.loop.Call(func() {
			c.sess.Update(id, func(e *entity.Entity) { e.Translate(stepX, stepY) })
			c.sess.MoveCursor(p, []string{id})
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(8 * time.Millisecond):
		}
	}
	c.loop.Call(c.sess.EndGesture)
	if err := c.settle(ctx); err != nil {
		return fmt.Errorf("waiting for drag to be stored: %w", err)
	}
	glog.Infof("moved %s by (%.1f, %.1f) in %d steps", id, dx, dy, steps)
	return nil
}

// show prints the entities a previous watch cached for the board.
func show(w io.Writer, opts docopt.Opts) error {
	path, _ := opts.String("--cache")
	board, _ := opts.String("--board")
	cache, err := openCache(path)
	if err != nil {
		return err
	}
	defer cache.close()

	es, savedAt, err := cache.load(board)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "board %s, %d entities, saved %s\n", board, len(es), savedAt.Format(time.RFC3339))
	for _, e := range es {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%s\n", e.ID, e.Kind, e.X, e.Y, e.Text)
	}
	return nil
}
