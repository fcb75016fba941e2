package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

// serviceType is the mDNS service agents browse for.
const serviceType = "_collabboard._tcp"

// advertise registers the server on the local network and returns the
// function that withdraws it.
func advertise(listenAddr string) (func(), error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s", "collabboard", host),
		serviceType,
		"local.",
		port,
		[]string{"txtv=0", "path=/ws/"},
		nil,
	)
	if err != nil {
		return nil, err
	}
	glog.Infof("mDNS service registered: %s on port %d", serviceType, port)
	return server.Shutdown, nil
}
