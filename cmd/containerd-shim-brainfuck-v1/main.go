package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/containerd/v2/pkg/shim"

	"github.com/MarcinKonowalczyk/bfi/cli"
	bfshim "github.com/MarcinKonowalczyk/bfi/shim"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The shim re-executes itself with this argument to run a task's program.
	if args, ok := interpreterArgs(os.Args[1:]); ok {
		code := cli.Stdio().Run(ctx, append([]string{"run"}, args...))
		cancel()
		os.Exit(code)
	}

	shim.Run(ctx, bfshim.NewManager(bfshim.RuntimeName))
}

func interpreterArgs(args []string) ([]string, bool) {
	for i, arg := range args {
		if arg == bfshim.InterpreterCommand {
			rest := append([]string{}, args[:i]...)
			return append(rest, args[i+1:]...), true
		}
	}
	return args, false
}
