// royalnetctl drives a royalnet link from the command line: send one
// request, list the hub's clients, or stay connected and echo requests.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/royalnet/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "royalnetctl: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: royalnetctl <command> [flags]

commands:
  request  -to NAME [-data JSON]   send one request and print the response
  clients                          list names registered on the hub
  ping                             check the hub answers control traffic
  serve                            stay connected and echo every request

common flags:
  -config PATH   link config file (.toml or .yaml)
  -name NAME     logical name to identify as
  -server URI    hub websocket uri (ws:// or wss://)
  -secret S      shared secret (also ROYALNET_SECRET)
  -format F      json or msgpack`)
}
