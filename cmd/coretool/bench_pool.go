package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kolkov/corert/internal/corepool"
	"github.com/kolkov/corert/internal/corethread"
)

// benchPoolCommand implements 'coretool bench-pool': it opens a single
// transaction on one thread and repeatedly bump-allocates, reporting
// allocations per second.
func benchPoolCommand(args []string) {
	fs := pflag.NewFlagSet("bench-pool", pflag.ExitOnError)
	allocations := fs.Int64("allocations", 1_000_000, "number of allocations to perform")
	size := fs.Int("size", 64, "bytes per allocation")
	calloc := fs.Bool("calloc", false, "use zeroing allocation instead of plain malloc")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "coretool: %v\n", err)
		os.Exit(1)
	}

	registry := corethread.NewRegistry()
	th, err := registry.Register(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coretool: %v\n", err)
		os.Exit(1)
	}

	manager := corepool.NewManager(corepool.DefaultReclaimedEpochsLimit)
	pool := manager.ForThread(th)
	tok := corepool.RegisterToken("coretool.bench", true)

	txn := pool.TransactionOpen()
	defer pool.TransactionClose(txn)

	begin := time.Now()
	for i := int64(0); i < *allocations; i++ {
		if *calloc {
			pool.Calloc(tok, *size, corepool.Options{})
		} else {
			pool.Malloc(tok, *size, corepool.Options{})
		}
	}
	elapsed := time.Since(begin)

	rate := float64(*allocations) / elapsed.Seconds()
	fmt.Printf("%d allocations of %d bytes in %s (%.0f allocs/sec)\n", *allocations, *size, elapsed, rate)
}
