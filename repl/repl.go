// Package repl is an interactive brainfuck prompt. Every line is executed on
// the same interpreter, so the tape and pointer carry over between lines
// until the user resets them.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/muesli/termenv"

	"github.com/MarcinKonowalczyk/bfi/bf"
	"github.com/MarcinKonowalczyk/bfi/config"
)

const (
	prompt      = "bf> "
	inputPrompt = "input> "
	dumpRadius  = 8
	helpText    = `Lines are executed on a persistent tape.
  :dump [n]   show n cells either side of the pointer
  :reset      zero the tape and move the pointer home
  :help       show this message
  :quit       leave (also :exit or Ctrl-D)
`
)

var errQuit = errors.New("quit")

type REPL struct {
	interpreter *bf.Interpreter
	terminal    *readline.Instance
	out         io.Writer
	style       *termenv.Output
	closeOnce   sync.Once
	closeErr    error
}

func newREPL(interpreter *bf.Interpreter, out io.Writer, color bool) *REPL {
	var opts []termenv.OutputOption
	if !color {
		opts = append(opts, termenv.WithProfile(termenv.Ascii))
	}
	return &REPL{
		interpreter: interpreter,
		out:         out,
		style:       termenv.NewOutput(out, opts...),
	}
}

// New creates a REPL on the process's terminal.
func New(cfg *config.Config) (*REPL, error) {
	r := newREPL(nil, os.Stdout, cfg.Repl.Color)
	styled := r.style.String(prompt).Foreground(r.style.Color("6")).Bold().String()

	terminal, err := readline.NewEx(&readline.Config{
		Prompt:          styled,
		HistoryFile:     cfg.Repl.HistoryFile,
		HistoryLimit:    cfg.Repl.HistoryLimit,
		InterruptPrompt: "^C",
		EOFPrompt:       ":quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem(":dump"),
			readline.PcItem(":reset"),
			readline.PcItem(":help"),
			readline.PcItem(":quit"),
			readline.PcItem(":exit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("repl: failed to create terminal: %w", err)
	}
	r.terminal = terminal
	r.interpreter = bf.New(
		bf.WithInput(&lineInput{terminal: terminal, prompt: styled}),
		bf.WithOutput(os.Stdout),
		bf.WithDebug(cfg.Debug),
	)
	return r, nil
}

func (r *REPL) Close() error {
	if r.terminal == nil {
		return nil
	}
	r.closeOnce.Do(func() { r.closeErr = r.terminal.Close() })
	return r.closeErr
}

// session detaches the REPL from the cancellation of ctx, which a Ctrl-C
// aimed at a running line also triggers, and ends it on SIGTERM instead.
func session(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.WithoutCancel(ctx), syscall.SIGTERM)
}

// Run reads lines until EOF, :quit or SIGTERM.
func Run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := session(ctx)
	defer stop()

	r, err := New(cfg)
	if err != nil {
		return err
	}
	defer r.Close()
	// unblocks Readline
	context.AfterFunc(ctx, func() { r.Close() })

	fmt.Fprint(r.out, helpText)
	for {
		line, err := r.terminal.Readline()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			} else if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		err = r.Eval(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			r.report(ctx, err)
		}
	}
}

// Eval handles one line of input: either a meta command or a program.
func (r *REPL) Eval(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, ":") {
		return r.meta(line)
	}

	// Ctrl-C stops the running program but not the REPL.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	err := r.interpreter.ExecuteContext(runCtx, line)
	if err == nil {
		// programs rarely end their output with a newline
		fmt.Fprintln(r.out)
	}
	return err
}

func (r *REPL) meta(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":exit":
		return errQuit
	case ":help":
		fmt.Fprint(r.out, helpText)
	case ":reset":
		r.interpreter.Reset()
	case ":dump":
		radius := dumpRadius
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 {
				return fmt.Errorf("bad dump radius %q: %w", fields[1], errdefs.ErrInvalidArgument)
			}
			radius = n
		}
		r.dump(radius)
	default:
		return fmt.Errorf("unknown command %s: %w", fields[0], errdefs.ErrInvalidArgument)
	}
	return nil
}

// dump prints the cells around the pointer, marking the current one.
func (r *REPL) dump(radius int) {
	p := r.interpreter.Pointer()
	fmt.Fprintf(r.out, "pointer: %d\n", p)
	if p >= bf.TapeSize {
		fmt.Fprintln(r.out, "(pointer is off the tape)")
		return
	}

	from := max(int(p)-radius, 0)
	cells := r.interpreter.Window(from, int(p)+radius+1)
	var sb strings.Builder
	for k, v := range cells {
		if k > 0 {
			sb.WriteByte(' ')
		}
		if from+k == int(p) {
			sb.WriteString(r.style.String("[" + strconv.Itoa(int(v)) + "]").Reverse().String())
		} else {
			sb.WriteString(strconv.Itoa(int(v)))
		}
	}
	fmt.Fprintf(r.out, "%d: %s\n", from, sb.String())
}

func (r *REPL) report(ctx context.Context, err error) {
	log.G(ctx).WithError(err).Debug("line failed")
	msg := r.style.String("error: " + err.Error()).Foreground(r.style.Color("1"))
	fmt.Fprintln(r.out, msg.String())
}

// lineInput feeds ',' from the terminal one line at a time.
type lineInput struct {
	terminal *readline.Instance
	prompt   string
	pending  []byte
}

func (l *lineInput) Read(p []byte) (int, error) {
	if len(l.pending) == 0 {
		l.terminal.SetPrompt(inputPrompt)
		line, err := l.terminal.Readline()
		l.terminal.SetPrompt(l.prompt)
		if err != nil {
			return 0, io.EOF
		}
		l.pending = []byte(line + "\n")
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}
