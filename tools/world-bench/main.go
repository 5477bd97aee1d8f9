package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

var logger = log.NewNopLogger()

func main() {
	var durationInt, connections, rate, actors int
	var verbose bool

	flagSet := flag.NewFlagSet("world-bench", flag.ExitOnError)
	flagSet.IntVar(&connections, "c", 1, "Connections to keep open per endpoint")
	flagSet.IntVar(&durationInt, "T", 10, "Exit after the specified amount of time in seconds")
	flagSet.IntVar(&rate, "r", 200, "World changes per second to send on each connection")
	flagSet.IntVar(&actors, "a", 100, "Distinct actor ids to spread changes over")
	flagSet.BoolVar(&verbose, "v", false, "Verbose output")

	flagSet.Usage = func() {
		fmt.Println(`worldbft change flooder.

Pushes randomly generated world changes into broadcast_change over the
node's websocket endpoint and reports the achieved send rate.

Usage:
	world-bench [-c 1] [-T 10] [-r 200] [-a 100] [endpoints]

Examples:
	world-bench localhost:26657`)
		fmt.Println("Flags:")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if flagSet.NArg() == 0 {
		flagSet.Usage()
		os.Exit(1)
	}

	if verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	duration := time.Duration(durationInt) * time.Second
	endpoints := strings.Split(flagSet.Arg(0), ",")

	transacters := make([]*transacter, len(endpoints))
	for i, e := range endpoints {
		t := newTransacter(e, connections, rate, actors)
		t.SetLogger(logger)
		if err := t.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		transacters[i] = t
	}

	timeStart := time.Now()
	fmt.Printf("Flooding %d endpoint(s) with %d changes/s per connection for %v...\n",
		len(endpoints), rate, duration)

	<-time.After(duration)

	for _, t := range transacters {
		t.Stop()
	}
	elapsed := time.Since(timeStart)

	var totalSent int64
	for _, t := range transacters {
		totalSent += t.sentMeter.Count()
		fmt.Printf("%s: sent=%d rate=%.0f/s write_p95=%v\n",
			t.Target,
			t.sentMeter.Count(),
			t.sentMeter.RateMean(),
			time.Duration(int64(t.sendTimer.Percentile(0.95))),
		)
	}
	fmt.Printf("Total: %d changes in %v (%.0f/s)\n",
		totalSent, elapsed.Round(time.Millisecond), float64(totalSent)/elapsed.Seconds())
}
