package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ernivani/imposos/fs/journal"
)

func newBootCmd() *cobra.Command {
	var ticks int
	var tickMs int
	var diskPath string
	var journalBlocks int

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Bring up every subsystem and run the scheduler for a fixed number of ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(ticks, tickMs, diskPath, journalBlocks)
		},
	}
	cmd.Flags().IntVar(&ticks, "ticks", 1000, "number of PIT ticks to run before halting")
	cmd.Flags().IntVar(&tickMs, "tick-ms", 10, "simulated milliseconds per PIT tick")
	cmd.Flags().StringVar(&diskPath, "disk", "", "backing file for the root filesystem's journal (memory-only if empty)")
	cmd.Flags().IntVar(&journalBlocks, "journal-blocks", 256, "number of 4 KiB blocks reserved for the journal area")
	return cmd
}

func runBoot(ticks, tickMs int, diskPath string, journalBlocks int) error {
	log := rootLog.WithName("boot")
	reg := prometheus.NewRegistry()

	disk, closeDisk, err := openBootDisk(diskPath, journalBlocks)
	if err != nil {
		return err
	}
	defer closeDisk()

	m := bootMachine(log, reg, disk, journalBlocks, 64)
	log.Info("machine booted", "frames_free", m.alloc.FreeCount(), "frames_total", m.alloc.NFrames())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// The PIT-tick goroutine and the accounting/watchdog goroutine are
	// started under one errgroup so a halt on either side brings the
	// whole simulated machine down together, the way a real kernel
	// halts on a clock or device fault rather than limping on.
	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(tickMs) * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < ticks; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			running := m.tasks.Get(m.sched.Tick())
			if running != nil {
				m.accountant.Tick(running)
			}
		}
		return nil
	})

	g.Go(func() error {
		secondsTicker := time.NewTicker(time.Duration(tickMs) * 100 * time.Millisecond)
		defer secondsTicker.Stop()
		samples := 0
		for samples < ticks/100+1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-secondsTicker.C:
			}
			m.accountant.Sample()
			samples++
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	log.Info("halted", "frames_free", m.alloc.FreeCount())
	return nil
}

func openBootDisk(path string, nblocks int) (journal.Disk, func(), error) {
	if path == "" {
		return journal.NewMemDisk(nblocks), func() {}, nil
	}
	fd, err := journal.OpenFileDisk(path, nblocks)
	if err != nil {
		return nil, nil, err
	}
	return fd, func() { fd.Close() }, nil
}
