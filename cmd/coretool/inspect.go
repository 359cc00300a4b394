package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/kolkov/corert/core"
)

// inspectCommand implements 'coretool inspect': prints the module's
// version metadata along with the default values of the runtime's
// tunable settings (DefaultConfig), useful when diagnosing a deployed
// build.
func inspectCommand(args []string) {
	fs := pflag.NewFlagSet("inspect", pflag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "coretool: %v\n", err)
		os.Exit(1)
	}

	info := core.GetInfo()
	cfg := core.DefaultConfig()
	fmt.Printf("corert %s (%s)\n", info.Version, info.Component)
	fmt.Printf("  default reclaimed-epochs limit: %d\n", cfg.ReclaimedEpochsLimit)
	fmt.Printf("  default commit-barrier timeout: %s\n", cfg.CommitBarrierTimeout)
	fmt.Printf("  default barrier period:         %s\n", cfg.BarrierPeriod)
}
