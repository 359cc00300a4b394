package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kolkov/corert/internal/corebarrier"
	"github.com/kolkov/corert/internal/coreclock"
	"github.com/kolkov/corert/internal/coresmr"
	"github.com/kolkov/corert/internal/coresstm"
	"github.com/kolkov/corert/internal/corethread"
)

type counter struct {
	Value int64
}

// benchSTMCommand implements 'coretool bench-stm': it opens one write
// transaction per commit, bumps a trivially-written counter, and
// reports commits per second. The only registered thread is the writer
// itself, which the barrier skips as self, so every barrier call in
// Commit returns immediately.
func benchSTMCommand(args []string) {
	fs := pflag.NewFlagSet("bench-stm", pflag.ExitOnError)
	commits := fs.Int64("commits", 10_000, "number of commit cycles to perform")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "coretool: %v\n", err)
		os.Exit(1)
	}

	registry := corethread.NewRegistry()
	writer, err := registry.Register(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coretool: %v\n", err)
		os.Exit(1)
	}

	smr := coresmr.NewService(nil)
	barrier := corebarrier.New(registry, smr, coreclock.Monotonic{})
	stm := coresstm.NewService(registry, barrier, smr, 0)
	stm.RegisterThread(writer)

	cell := &coresstm.Cell[counter]{}

	begin := time.Now()
	for i := int64(0); i < *commits; i++ {
		if err := stm.OpenWriteTransaction(writer, true); err != nil {
			fmt.Fprintf(os.Stderr, "coretool: %v\n", err)
			os.Exit(1)
		}
		v := coresstm.WriteTrivial(stm, writer, cell, coresstm.Ops[counter]{})
		v.Value++
		stm.Commit(writer)
	}
	elapsed := time.Since(begin)

	rate := float64(*commits) / elapsed.Seconds()
	fmt.Printf("%d commits in %s (%.0f commits/sec), final value %d\n", *commits, elapsed, rate, cell.Data.Value)
}
