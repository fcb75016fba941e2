// Command server is the collabboard sync server. It serves the board store
// and the presence channel to clients over websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabboard/config"
	"collabboard/hub"
	"collabboard/remote"
	"collabboard/remote/memstore"
	"collabboard/remote/pgstore"
	"collabboard/remote/redispresence"
)

func openStore(ctx context.Context, cfg *config.Config) (remote.Store, func(), error) {
	if cfg.StoreBackend == "postgres" {
		s, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		glog.Info("Connected to PostgreSQL successfully.")
		return s, s.Close, nil
	}
	s := memstore.New()
	return s, s.Close, nil
}

func openPresence(ctx context.Context, cfg *config.Config) (remote.PresenceChannel, func(), error) {
	if cfg.PresenceBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, err
		}
		glog.Info("Connected to Redis successfully.")
		return redispresence.New(rdb, cfg.Staleness()), func() { rdb.Close() }, nil
	}
	return memstore.NewPresence(), func() {}, nil
}

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load()
	if err != nil {
		glog.Exitf("Could not load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		glog.Exitf("Could not open %s store: %v", cfg.StoreBackend, err)
	}
	defer closeStore()

	presence, closePresence, err := openPresence(ctx, cfg)
	if err != nil {
		glog.Exitf("Could not open %s presence: %v", cfg.PresenceBackend, err)
	}
	defer closePresence()

	h := hub.New(store, presence, cfg.Staleness(), cfg.Server)
	go h.Run(ctx)

	if cfg.MDNSEnabled {
		shutdown, err := advertise(cfg.ListenAddr)
		if err != nil {
			glog.Errorf("Failed to register mDNS service: %v", err)
		} else {
			defer shutdown()
		}
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: h.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	glog.Infof("collabboard sync server starting on %s (store=%s, presence=%s)", cfg.ListenAddr, cfg.StoreBackend, cfg.PresenceBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Exitf("Failed to start server: %v", err)
	}
}
