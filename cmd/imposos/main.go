// Command imposos drives the simulated kernel built by the packages
// under this module: it boots the memory/process/scheduling core,
// mounts the journaled root filesystem, brings up the network stack,
// and exercises the TLS client, all without any real hardware.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	rootLog     logr.Logger
	bootID      uuid.UUID
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imposos",
		Short: "Drive the imposos simulated kernel",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := 0
			if flagVerbose {
				level = 1
			}
			stdr.SetVerbosity(level)
			bootID = uuid.New()
			rootLog = stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)).
				WithValues("boot_id", bootID.String())
		},
	}
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (V(1)) logging")
	cmd.AddCommand(newBootCmd())
	cmd.AddCommand(newSelftestCmd())
	cmd.AddCommand(newNetsimCmd())
	cmd.AddCommand(newFsckCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
