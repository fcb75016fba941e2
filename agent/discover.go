package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const serviceType = "_collabboard._tcp"

var errNoServer = errors.New("no collabboard server found on the local network")

// discover browses mDNS for a sync server and returns its websocket base
// URL, e.g. ws://192.168.1.20:8081.
func discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return "", fmt.Errorf("browse for %s: %w", serviceType, err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", errNoServer
			}
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			glog.Infof("mDNS discovered server %s at %s:%d", entry.Instance, entry.AddrIPv4[0], entry.Port)
			return fmt.Sprintf("ws://%s:%d", entry.AddrIPv4[0], entry.Port), nil
		case <-ctx.Done():
			return "", errNoServer
		}
	}
}
