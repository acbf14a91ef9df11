package bf

import (
	"context"
	"io"
)

// Run executes source on a fresh interpreter wired to input and output.
func Run(ctx context.Context, source string, input io.Reader, output io.Writer) error {
	interpreter := New(WithInput(input), WithOutput(output))
	return interpreter.ExecuteContext(ctx, source)
}
