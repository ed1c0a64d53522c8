package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/simhw"
	"github.com/soonami69/cpen331/swap"
	"github.com/soonami69/cpen331/vmfault"
	"github.com/soonami69/cpen331/vmsys"
)

func newRunCmd() *cobra.Command {
	var (
		ramMB    int
		swapMB   int
		swapPath string
		workers  int
		touches  int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot a VmSystem and drive a scripted concurrent workload against one address space",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(ramMB, swapMB, swapPath, workers, touches)
		},
	}
	cmd.Flags().IntVar(&ramMB, "ram-mb", 4, "simulated RAM size in megabytes")
	cmd.Flags().IntVar(&swapMB, "swap-mb", 16, "swap device size in megabytes")
	cmd.Flags().StringVar(&swapPath, "swap-file", "", "swap backing file (defaults to a temp file)")
	cmd.Flags().IntVar(&workers, "workers", 4, "number of concurrent fault-generating goroutines")
	cmd.Flags().IntVar(&touches, "touches", 256, "heap pages each worker touches")
	return cmd
}

func runWorkload(ramMB, swapMB int, swapPath string, workers, touches int) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	if swapPath == "" {
		f, err := os.CreateTemp("", "vmdebug-swap-*.img")
		if err != nil {
			return err
		}
		swapPath = f.Name()
		f.Close()
		defer os.Remove(swapPath)
	}
	dev, err := swap.OpenFileDevice(swapPath, int64(swapMB)<<20)
	if err != nil {
		return err
	}
	defer dev.Close()

	ram := simhw.NewRAM(uintptr(ramMB) << 20)
	vs, verr := vmsys.Bootstrap(ram, dev, logger)
	if verr != 0 {
		return defs.AsError(verr)
	}

	as := vs.NewAddrSpace()
	as.HeapStart = 0x1000
	as.HeapEnd = as.HeapStart
	as.Activate()

	if _, serr := vs.Sbrk(as, touches*4096); serr != 0 {
		return defs.AsError(serr)
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < touches; i++ {
				vaddr := as.HeapStart + uintptr((i*workers+w)%touches)*4096
				if ferr := vs.Fault(as, vaddr, vmfault.Write); ferr != 0 {
					return defs.AsError(ferr)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("resident frames: %d\n", vs.CM.UsedCount())
	return nil
}
