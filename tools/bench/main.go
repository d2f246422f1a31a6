package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

func main() {
	var (
		target      = flag.String("target", "127.0.0.1:26657", "node RPC host:port to spam")
		connections = flag.Int("c", 1, "websocket connections to open")
		rate        = flag.Int("r", 100, "txs per second per connection")
		accounts    = flag.Int("a", 16, "accounts per connection")
		duration    = flag.Duration("T", 10*time.Second, "how long to run")
		verbose     = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logger := log.NewNopLogger()
	if *verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	t := newTransacter(*target, *connections, *rate, *accounts)
	t.SetLogger(logger)

	if err := t.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("spamming %s with %d connection(s) at %d tx/s each for %v\n",
		*target, *connections, *rate, *duration)

	time.Sleep(*duration)
	t.Stop()
}
