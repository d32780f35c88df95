package main

import (
	"context"
	"sync"

	"github.com/FerroO2000/pscull"
	"github.com/FerroO2000/pscull/drain"
	"github.com/FerroO2000/pscull/feed"
	"github.com/spf13/cobra"
)

func newWatchCmd(opts *options) *cobra.Command {
	var (
		dirs  []string
		out   string
		unit  int
		async bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Copy the files of a set of directories into a unit and the unit into a file",
		Long: `Copy the files of a set of directories into a unit and the unit into a file.

The files already present are copied first, then every file is copied again
from its last offset each time it is written. The chunks of different files
are never interleaved in the output. The command runs until it is interrupted.

Example:
  pscull watch --dir ./logs --dir ./audit --out merged.log --async`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("dir") {
				opts.cfg.Feed.WatchedDirs = dirs
			}
			if async {
				opts.cfg.Drain.Mode = drain.ModeAsync
			}

			return runWatch(cmd, opts, unit, out)
		},
	}

	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "directory to watch, can be repeated")
	cmd.Flags().StringVar(&out, "out", "pscull.out", "path of the output file")
	cmd.Flags().IntVar(&unit, "unit", 0, "index of the unit to use")
	cmd.Flags().BoolVar(&async, "async", false, "drain the unit on notifications instead of blocking reads")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *options, unit int, out string) error {
	ctx := cmd.Context()

	readerFlags := pscull.ReadOnly
	if opts.cfg.Drain.Mode == drain.ModeAsync {
		readerFlags |= pscull.NonBlock
	}

	drv, writer, reader, err := opts.openDriver(cmd, unit, readerFlags)
	if err != nil {
		return err
	}
	defer drv.Close()
	defer opts.logStats(drv, unit)

	ff := feed.NewFileFeed(opts.cfg.Feed)
	if err := ff.Init(ctx); err != nil {
		return err
	}
	defer ff.Close()

	d := drain.NewFile(out, opts.cfg.Drain)
	if err := d.Init(ctx); err != nil {
		return err
	}
	defer d.Close()

	opts.tel.LogInfo("watching", "dirs", opts.cfg.Feed.WatchedDirs, "out", out, "unit", unit)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var drainErr error

	wg := &sync.WaitGroup{}
	wg.Go(func() {
		ff.Run(runCtx, writer)
	})
	wg.Go(func() {
		// The feed is useless once the drain stops
		drainErr = d.Run(runCtx, reader)
		cancelRun()
	})

	wg.Wait()

	return drainErr
}
