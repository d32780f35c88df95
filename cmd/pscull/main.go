// Package main provides the pscull CLI, which moves data through
// the device units of an in-process pscull driver.
//
// Usage:
//
//	pscull [flags] <command> [args]
//
// Commands:
//
//	pipe  - copies stdin into a unit and the unit into stdout
//	watch - copies the files of a set of directories into a unit and the unit into a file
//
// The exit code is the errno of the error that stopped the command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/FerroO2000/pscull"
)

func main() {
	ctx, cancelCtx := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelCtx()

	opts := newOptions()

	err := newRootCmd(opts).ExecuteContext(ctx)
	opts.shutdownTelemetry()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		cancelCtx()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	code := int(pscull.Errno(err))
	if code == 0 {
		return 1
	}
	return code
}
