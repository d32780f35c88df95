package main

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/FerroO2000/pscull"
	"github.com/FerroO2000/pscull/drain"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const drainPollInterval = 10 * time.Millisecond

func newPipeCmd(opts *options) *cobra.Command {
	var (
		unit  int
		async bool
	)

	cmd := &cobra.Command{
		Use:   "pipe",
		Short: "Copy stdin into a unit and the unit into stdout",
		Long: `Copy stdin into a unit and the unit into stdout.

The writer sleeps while the unit is full, the reader sleeps while it is empty.
With --async the reader registers for the write notifications and reads
without blocking every time it is signaled.

Example:
  cat big.log | pscull pipe --buffer-size 64 --async > copy.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if async {
				opts.cfg.Drain.Mode = drain.ModeAsync
			}

			return runPipe(cmd, opts, unit)
		},
	}

	cmd.Flags().IntVar(&unit, "unit", 0, "index of the unit to use")
	cmd.Flags().BoolVar(&async, "async", false, "drain the unit on notifications instead of blocking reads")

	return cmd
}

func runPipe(cmd *cobra.Command, opts *options, unit int) error {
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

	dev, err := drv.Unit(unit)
	if err != nil {
		return err
	}

	d := drain.New(cmd.OutOrStdout(), opts.cfg.Drain)
	if err := d.Init(ctx); err != nil {
		return err
	}
	defer d.Close()

	drainCtx, cancelDrain := context.WithCancel(ctx)
	defer cancelDrain()

	drainErrCh := make(chan error, 1)
	go func() {
		drainErrCh <- d.Run(drainCtx, reader)
	}()

	if in, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(in.Fd())) {
		opts.tel.LogInfo("reading from the terminal, end the input with Ctrl-D")
	}

	// The copy is not interruptible while waiting on stdin,
	// so it runs apart and the command stops on the signal
	copyErrCh := make(chan error, 1)
	go func() {
		copyErrCh <- copyInto(ctx, writer, cmd.InOrStdin())
	}()

	select {
	case err := <-copyErrCh:
		if err != nil {
			return err
		}

	case err := <-drainErrCh:
		return err

	case <-ctx.Done():
		return <-drainErrCh
	}

	// Stdin is over, let the drain empty the unit
	return finishDrain(ctx, dev, cancelDrain, drainErrCh)
}

// copyInto writes everything read from src into the session.
func copyInto(ctx context.Context, dst *pscull.Session, src io.Reader) error {
	buf := make([]byte, 32*1024)

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAll(ctx, buf[:n]); werr != nil {
				return werr
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// finishDrain waits until all the data stored in the unit has been read,
// then stops the drain and returns its result. If the drain exits
// before the unit is empty, its error is returned at once.
func finishDrain(ctx context.Context, dev *pscull.Device, cancelDrain context.CancelFunc, drainErrCh <-chan error) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

loop:
	for dev.Stats().Unread > 0 {
		select {
		case err := <-drainErrCh:
			return err

		case <-ctx.Done():
			// The drain stops on the same context and flushes what it read
			break loop

		case <-ticker.C:
		}
	}

	cancelDrain()

	return <-drainErrCh
}
