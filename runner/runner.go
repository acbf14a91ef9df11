// Package runner connects the interpreter to the outside world: it loads a
// program from a file or a stream and runs it against a pair of byte streams.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/MarcinKonowalczyk/bfi/bf"
)

// Load returns the program text at path. An empty path or "-" reads the
// program from stdin until EOF.
func Load(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		if stdin == nil {
			return "", fmt.Errorf("no program source: %w", errdefs.ErrInvalidArgument)
		}
		source, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading program from stdin: %w", err)
		}
		return string(source), nil
	}

	source, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("program %s: %w", path, errdefs.ErrNotFound)
		}
		return "", fmt.Errorf("reading program %s: %w", path, err)
	}
	return string(source), nil
}

type Runner struct {
	Input  io.Reader
	Output io.Writer
	Debug  bool
}

// Run executes source on a fresh interpreter.
func (r *Runner) Run(ctx context.Context, source string) error {
	interpreter := bf.New(
		bf.WithInput(r.Input),
		bf.WithOutput(r.Output),
		bf.WithDebug(r.Debug),
	)
	log.G(ctx).WithField("size", len(source)).Debug("running program")
	return interpreter.ExecuteContext(ctx, source)
}

// RunFile loads the program at path and runs it.
func (r *Runner) RunFile(ctx context.Context, path string) error {
	source, err := Load(path, r.Input)
	if err != nil {
		return err
	}
	return r.Run(ctx, source)
}

const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitOutOfBounds = 2
	ExitInput       = 3
	ExitCancelled   = 130
)

// ExitCode maps the outcome of a run to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, bf.ErrOutOfBounds):
		return ExitOutOfBounds
	case errors.Is(err, bf.ErrInputRead):
		return ExitInput
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	default:
		return ExitFailure
	}
}
