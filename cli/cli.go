// Package cli implements the bfi command line: subcommand dispatch, flag
// parsing and wiring of configuration, logging and the runner.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/pflag"

	"github.com/MarcinKonowalczyk/bfi/bf"
	"github.com/MarcinKonowalczyk/bfi/config"
	"github.com/MarcinKonowalczyk/bfi/repl"
	"github.com/MarcinKonowalczyk/bfi/runner"
)

const usage = `usage: bfi <command> [flags] [file]

commands:
  run [file]     run a program from file, or stdin when omitted or "-"
  repl           start an interactive session
  strip [file]   print a program with comments removed
`

type App struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func Stdio() *App {
	return &App{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run dispatches args (without the program name) and returns the exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(a.Stderr, usage)
		return runner.ExitFailure
	}

	name, rest := args[0], args[1:]
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	config.RegisterFlags(fs)
	file := fs.String("file", "", "program file")

	var cmd func(context.Context, *config.Config, string) error
	switch name {
	case "run":
		cmd = a.run
	case "repl":
		cmd = a.repl
	case "strip":
		cmd = a.strip
	case "help", "-h", "--help":
		fmt.Fprint(a.Stdout, usage)
		return runner.ExitOK
	default:
		fmt.Fprintf(a.Stderr, "unknown command %q\n%s", name, usage)
		return runner.ExitFailure
	}

	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return runner.ExitOK
		}
		return runner.ExitFailure
	}
	path := *file
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(a.Stderr, err)
		return runner.ExitFailure
	}
	if err := cfg.ApplyLogging(); err != nil {
		fmt.Fprintln(a.Stderr, err)
		return runner.ExitFailure
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("command", name))
	err = cmd(ctx, cfg, path)
	if err != nil {
		log.G(ctx).WithError(err).Error("bfi failed")
	}
	return runner.ExitCode(err)
}

func (a *App) run(ctx context.Context, cfg *config.Config, path string) error {
	r := &runner.Runner{Input: a.Stdin, Output: a.Stdout, Debug: cfg.Debug}
	return r.RunFile(ctx, path)
}

func (a *App) repl(ctx context.Context, cfg *config.Config, _ string) error {
	return repl.Run(ctx, cfg)
}

func (a *App) strip(ctx context.Context, cfg *config.Config, path string) error {
	source, err := runner.Load(path, a.Stdin)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.Stdout, bf.Strip(source))
	return err
}
