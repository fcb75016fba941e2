// Command agent is a headless board client. It joins a board through the
// sync server and can watch it, draw on it or drag entities around.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
)

const AgentVersion = "0.1.0"

func main() {
	usage := `collabboard agent.

Without --server the agent browses mDNS for a sync server on the local network.

Usage:
    agent watch [--server=<url>] [--board=<board>] [--user=<user>] [--for=<duration>]
        [--cache=<file>] [--v=<level>]
    agent draw <kind> [--server=<url>] [--board=<board>] [--user=<user>]
        [--x=<x>] [--y=<y>] [--width=<w>] [--height=<h>] [--text=<text>] [--v=<level>]
    agent drag <id> --dx=<dx> --dy=<dy> [--steps=<steps>]
        [--server=<url>] [--board=<board>] [--user=<user>] [--v=<level>]
    agent show --cache=<file> [--board=<board>]
    agent -h | --help
    agent --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --server=<url>     Sync server base url, e.g. ws://localhost:8081.
    --board=<board>    Board to join [default: default].
    --user=<user>      User id to act as. Defaults to agent-<hostname>.
    --for=<duration>   Stop watching after this long, e.g. 30s.
    --cache=<file>     Bolt file holding the last entity set seen per board.
    --x=<x>            Left edge [default: 0].
    --y=<y>            Top edge [default: 0].
    --width=<w>        Width [default: 100].
    --height=<h>       Height [default: 60].
    --text=<text>      Text for text and sticky entities.
    --dx=<dx>          Horizontal distance.
    --dy=<dy>          Vertical distance.
    --steps=<steps>    Pointer moves the drag is split into [default: 20].
    --v=<level>        Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AgentVersion)
	if err != nil {
		panic(err)
	}

	// glog reads its settings from the flag package.
	flag.CommandLine.Parse(nil)
	flag.Set("logtostderr", "true")
	if v, _ := opts.String("--v"); v != "" {
		flag.Set("v", v)
	}
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	} else if draw_, _ := opts.Bool("draw"); draw_ {
		err = draw(ctx, opts)
	} else if drag_, _ := opts.Bool("drag"); drag_ {
		err = drag(ctx, opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		err = show(os.Stdout, opts)
	}
	if err != nil {
		glog.Flush()
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}
