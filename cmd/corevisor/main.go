// corevisor is the command-line tool for assembling and running a capability-microkernel-style
// virtual machine: a root task (sigma0) that manages module and service lifecycle, and a vmm that
// runs a manifest's VCPUs.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/nulstack/corevisor/internal/cli"
	"github.com/nulstack/corevisor/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Sigma0(),
	cmd.VMM(),
}

// Entry point.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	result :=
		cli.New(ctx).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
