package bf

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/containerd/log"
)

// comptime override for debug flag
// set with `-ldflags="-X 'github.com/MarcinKonowalczyk/bfi/bf.debug=true'"`
var debug string

// TapeSize is the number of cells on the tape.
const TapeSize = 30_000

type Interpreter struct {
	tape    [TapeSize]uint8
	pointer uint32
	input   io.Reader
	output  io.Writer
	debug   bool
}

type Option func(*Interpreter)

// WithInput sets the source ',' reads from. A nil reader makes every ',' fail.
func WithInput(r io.Reader) Option {
	return func(i *Interpreter) {
		i.input = r
	}
}

// WithOutput sets the sink '.' writes to. A nil writer discards output.
func WithOutput(w io.Writer) Option {
	return func(i *Interpreter) {
		i.output = w
	}
}

func WithDebug(debug bool) Option {
	return func(i *Interpreter) {
		i.debug = debug
	}
}

// New returns an interpreter with a zeroed tape, the pointer at 0 and stdio
// bound to the process's streams.
func New(opts ...Option) *Interpreter {
	i := &Interpreter{
		input:  os.Stdin,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Reset zeroes the tape and moves the pointer back to 0.
func (i *Interpreter) Reset() {
	i.tape = [TapeSize]uint8{}
	i.pointer = 0
}

func (i *Interpreter) Size() int {
	return len(i.tape)
}

func (i *Interpreter) Pointer() uint32 {
	return i.pointer
}

func wrapIndex(j, n int) int {
	j %= n
	if j < 0 {
		j += n
	}
	return j
}

// At returns the cell at j. Negative indices count back from the end of the
// tape.
func (i *Interpreter) At(j int) uint8 {
	return i.tape[wrapIndex(j, len(i.tape))]
}

// Window copies the cells in [from, to), clamped to the tape.
func (i *Interpreter) Window(from, to int) []uint8 {
	from = max(from, 0)
	to = min(to, len(i.tape))
	if from >= to {
		return []uint8{}
	}
	out := make([]uint8, to-from)
	copy(out, i.tape[from:to])
	return out
}

func (i *Interpreter) tracef(ctx context.Context, format string, args ...any) {
	if i.debug || debug != "" {
		log.G(ctx).Debugf(format, args...)
	}
}

// cell is the only way the tape is accessed, so it is where a stray pointer
// is caught.
func (i *Interpreter) cell() (*uint8, error) {
	if i.pointer >= TapeSize {
		return nil, ErrOutOfBounds
	}
	return &i.tape[i.pointer], nil
}

type flusher interface {
	Flush() error
}

func (i *Interpreter) write(b uint8) error {
	if i.output == nil {
		return nil
	}
	if _, err := i.output.Write([]byte{b}); err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	if f, ok := i.output.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: %w", ErrOutputWrite, err)
		}
	}
	return nil
}

func (i *Interpreter) read() (uint8, error) {
	if i.input == nil {
		return 0, fmt.Errorf("%w: no input", ErrInputRead)
	}
	buff := make([]byte, 1)
	if _, err := io.ReadFull(i.input, buff); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInputRead, err)
	}
	return buff[0], nil
}

// step runs the instruction at pc and returns the next program counter.
func (i *Interpreter) step(code []rune, pc int) (int, error) {
	switch Decode(code[pc]) {
	case Right:
		i.pointer++
	case Left:
		// Unguarded: at 0 this wraps and the next cell access fails.
		i.pointer--
	case Increment:
		c, err := i.cell()
		if err != nil {
			return pc, err
		}
		*c++
	case Decrement:
		c, err := i.cell()
		if err != nil {
			return pc, err
		}
		*c--
	case Output:
		c, err := i.cell()
		if err != nil {
			return pc, err
		}
		if err := i.write(*c); err != nil {
			return pc, err
		}
	case Input:
		c, err := i.cell()
		if err != nil {
			return pc, err
		}
		b, err := i.read()
		if err != nil {
			return pc, err
		}
		*c = b
	case LoopStart:
		c, err := i.cell()
		if err != nil {
			return pc, err
		}
		if *c == 0 {
			if target, ok := matchForward(code, pc); ok {
				return target, nil
			}
		}
	case LoopEnd:
		c, err := i.cell()
		if err != nil {
			return pc, err
		}
		if *c != 0 {
			// An unmatched bracket falls through as a no-op.
			if target, ok := matchBackward(code, pc); ok {
				return target, nil
			}
		}
	}
	return pc + 1, nil
}

// ExecuteContext runs the program against the current tape and pointer,
// stopping early if ctx is cancelled.
func (i *Interpreter) ExecuteContext(ctx context.Context, program string) error {
	code := []rune(program)
	pc := 0
	for pc < len(code) {
		select {
		case <-ctx.Done():
			return i.fail(ctx, code, pc, ctx.Err())
		default:
		}
		next, err := i.step(code, pc)
		if err != nil {
			return i.fail(ctx, code, pc, err)
		}
		pc = next
	}
	i.tracef(ctx, "program finished, pointer at %d", i.pointer)
	return nil
}

// Execute runs the program to completion against the current tape and
// pointer. Neither is reset beforehand.
func (i *Interpreter) Execute(program string) error {
	return i.ExecuteContext(context.Background(), program)
}

func (i *Interpreter) fail(ctx context.Context, code []rune, pc int, err error) error {
	e := &ExecError{
		Command: Decode(code[pc]),
		PC:      pc,
		Pointer: i.pointer,
		Err:     err,
	}
	i.tracef(ctx, "execution stopped: %v", e)
	return e
}
