package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/fifo"
)

// InterpreterCommand is the argument that makes the shim binary behave as a
// plain interpreter instead of serving the task API.
const InterpreterCommand = "brainfuck"

// The interpreter is started stopped so that Create can return its pid and
// Start can release it with SIGCONT.
const startStoppedScript = `#!/bin/sh
kill -STOP $$
exec "$@"
`

const wrapperName = "start-stopped.sh"

const commandWaitDelay = 100 * time.Millisecond

// proc is one interpreter process run on behalf of a task.
type proc struct {
	pid int

	done       context.Context
	exitTime   time.Time
	exitStatus int

	stdout  string
	stdin   string
	wrapper string
}

func (p *proc) exited() bool {
	return p.done.Err() != nil
}

func (p *proc) String() string {
	if p.exited() {
		return fmt.Sprintf("pid:%d, exitTime:%s, exitStatus:%d", p.pid, p.exitTime.Format(time.RFC3339), p.exitStatus)
	}
	return fmt.Sprintf("pid:%d running", p.pid)
}

// interpreterCmd builds the command that runs the bundle's program through
// this binary. The wrapper script is written into dir; the caller removes it
// if the command never starts.
func interpreterCmd(dir string, b *Bundle, debug bool) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("getting executable of current process: %w", err)
	}
	wrapper := filepath.Join(dir, wrapperName)
	if err := os.WriteFile(wrapper, []byte(startStoppedScript), 0o755); err != nil {
		return nil, fmt.Errorf("writing %s: %w", wrapper, err)
	}

	args := []string{wrapper, self, InterpreterCommand, "--file", b.Script()}
	if debug {
		args = append(args, "--debug")
	}
	cmd := exec.Command("/bin/sh", args...)
	if len(b.Path) > 0 {
		// exec keeps the last of duplicate keys
		cmd.Env = append(os.Environ(), "PATH="+strings.Join(b.Path, ":"))
	}
	cmd.WaitDelay = commandWaitDelay
	return cmd, nil
}

func openFifo(ctx context.Context, path string, flag int) (io.ReadWriteCloser, error) {
	ok, err := fifo.IsFifo(path)
	if err != nil {
		return nil, fmt.Errorf("checking whether file %s is a fifo: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("file %s is not a fifo", path)
	}
	f, err := fifo.OpenFifo(ctx, path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo %s: %w", path, err)
	}
	return f, nil
}

// taskIO is the set of task fifos opened for one process. exec.Cmd copies
// between them and the process; they are closed once the process is reaped.
type taskIO []io.Closer

func (t taskIO) Close() error {
	var errs []error
	for _, c := range t {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wireStdio connects the process's standard streams to the task fifos.
// stderr falls back to the stdout fifo. On error every fifo opened so far is
// closed again.
func wireStdio(ctx context.Context, cmd *exec.Cmd, stdin, stdout, stderr string) (_ taskIO, retErr error) {
	var opened taskIO
	defer func() {
		if retErr != nil {
			opened.Close()
		}
	}()

	fw, err := openFifo(ctx, stdout, syscall.O_WRONLY)
	if err != nil {
		return nil, err
	}
	opened = append(opened, fw)

	fr, err := openFifo(ctx, stdin, syscall.O_RDONLY)
	if err != nil {
		return nil, err
	}
	opened = append(opened, fr)

	fe := fw
	if stderr != "" && stderr != stdout {
		if fe, err = openFifo(ctx, stderr, syscall.O_WRONLY); err != nil {
			return nil, err
		}
		opened = append(opened, fe)
	}

	cmd.Stdin = fr
	cmd.Stdout = fw
	cmd.Stderr = fe
	return opened, nil
}

// exitStatus follows the shell convention of 128+n for signalled processes.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return 255
	}
	if state.Exited() {
		return state.ExitCode()
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return exitCodeSignal + int(ws.Signal())
	}
	return 255
}
