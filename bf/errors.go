package bf

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrOutOfBounds is returned when a cell is accessed with the pointer at or
	// beyond the end of the tape.
	ErrOutOfBounds = fmt.Errorf("pointer out of bounds: %w", errdefs.ErrOutOfRange)
	// ErrInputRead is returned when ',' hits end of input or a read error.
	ErrInputRead = fmt.Errorf("error reading input: %w", errdefs.ErrUnavailable)
	// ErrOutputWrite is returned when '.' cannot write or flush its byte.
	ErrOutputWrite = fmt.Errorf("error writing output: %w", errdefs.ErrUnavailable)
)

// ExecError records where a program stopped.
type ExecError struct {
	Command Command
	PC      int
	Pointer uint32
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("'%s' at position %d (pointer %d): %v", e.Command, e.PC, e.Pointer, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
