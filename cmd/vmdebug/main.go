// Command vmdebug drives the virtual memory subsystem outside of a real
// kernel boot, for manual exploration of the coremap/swap/fault-handler
// interaction. Built with cobra the way the rest of this corpus's CLI tools
// are, rather than hand-rolling flag parsing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vmdebug",
		Short: "Exercise the coremap, swap device, and fault handler from the command line",
	}
	root.AddCommand(newRunCmd())
	return root
}
