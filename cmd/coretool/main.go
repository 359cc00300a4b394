// Package main implements coretool, a small command-line harness for
// exercising the corert runtime core outside of a full server process:
// allocation-throughput benchmarks for the pool allocator, a commit
// benchmark for the single-writer STM, and an inspect command that
// prints build/version metadata.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "bench-pool":
		benchPoolCommand(args)
	case "bench-stm":
		benchSTMCommand(args)
	case "inspect":
		inspectCommand(args)
	case "version", "--version", "-v":
		fmt.Printf("coretool version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`coretool - corert runtime core harness

USAGE:
    coretool <command> [arguments]

COMMANDS:
    bench-pool   Measure pool allocator throughput
    bench-stm    Measure single-writer STM commit throughput
    inspect      Print runtime build/version metadata
    version      Show version information
    help         Show this help message

EXAMPLES:
    coretool bench-pool --allocations 1000000 --size 64
    coretool bench-stm --commits 10000
    coretool inspect

`)
}
