package shim

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	"github.com/containerd/fifo"

	"github.com/MarcinKonowalczyk/bfi/utils"
)

// makeFifo creates a fifo at path and returns a read-write handle on it, so
// opening either end from the code under test never blocks.
func makeFifo(t *testing.T, path string) io.ReadWriteCloser {
	t.Helper()
	f, err := fifo.OpenFifo(context.Background(), path, syscall.O_CREAT|syscall.O_RDWR|syscall.O_NONBLOCK, 0o700)
	utils.AssertNoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	lines := make(chan string, 1)
	go func() {
		line, _ := r.ReadString('\n')
		lines <- line
	}()
	select {
	case line := <-lines:
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading from fifo")
		return ""
	}
}

func TestWireStdio(t *testing.T) {
	dir := t.TempDir()
	in := makeFifo(t, filepath.Join(dir, "stdin"))
	out := makeFifo(t, filepath.Join(dir, "stdout"))
	errs := makeFifo(t, filepath.Join(dir, "stderr"))

	cmd := exec.Command("/bin/sh", "-c", "read x; echo got $x; echo oops >&2")
	cmd.WaitDelay = commandWaitDelay
	stdio, err := wireStdio(context.Background(), cmd,
		filepath.Join(dir, "stdin"), filepath.Join(dir, "stdout"), filepath.Join(dir, "stderr"))
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, len(stdio), 3)
	utils.AssertNoError(t, cmd.Start())

	_, err = in.Write([]byte("hi\n"))
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, readLine(t, bufio.NewReader(out)), "got hi\n")
	utils.AssertEqual(t, readLine(t, bufio.NewReader(errs)), "oops\n")

	// stdin stays open on our side, so Wait may report the wait delay
	_ = cmd.Wait()
	utils.AssertEqual(t, exitStatus(cmd.ProcessState), 0)
	utils.AssertNoError(t, stdio.Close())
}

func TestWireStdio_StderrFallsBackToStdout(t *testing.T) {
	dir := t.TempDir()
	makeFifo(t, filepath.Join(dir, "stdin"))
	out := makeFifo(t, filepath.Join(dir, "stdout"))

	cmd := exec.Command("/bin/sh", "-c", "echo oops >&2")
	cmd.WaitDelay = commandWaitDelay
	stdio, err := wireStdio(context.Background(), cmd, filepath.Join(dir, "stdin"), filepath.Join(dir, "stdout"), "")
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, len(stdio), 2)
	utils.AssertNoError(t, cmd.Start())

	utils.AssertEqual(t, readLine(t, bufio.NewReader(out)), "oops\n")
	_ = cmd.Wait()
	utils.AssertNoError(t, stdio.Close())
}

func TestWireStdio_NotAFifo(t *testing.T) {
	dir := t.TempDir()
	makeFifo(t, filepath.Join(dir, "stdout"))
	plain := filepath.Join(dir, "stdin")
	utils.AssertNoError(t, os.WriteFile(plain, nil, 0o644))

	cmd := exec.Command("/bin/true")
	stdio, err := wireStdio(context.Background(), cmd, plain, filepath.Join(dir, "stdout"), "")
	utils.AssertError(t, err)
	utils.AssertEqual(t, len(stdio), 0)
	utils.Assert(t, cmd.Stdout == nil, "stdout should not be wired on failure")
}

func TestExitStatus(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	_ = cmd.Run()
	utils.AssertEqual(t, exitStatus(cmd.ProcessState), 3)

	cmd = exec.Command("sleep", "30")
	utils.AssertNoError(t, cmd.Start())
	utils.AssertNoError(t, cmd.Process.Kill())
	_ = cmd.Wait()
	utils.AssertEqual(t, exitStatus(cmd.ProcessState), 137)
}

func TestInterpreterCmd(t *testing.T) {
	dir := t.TempDir()
	b := &Bundle{Root: filepath.Join(dir, "rootfs"), Entrypoint: "hello.bf", Path: []string{"/opt/bin", "/bin"}}

	cmd, err := interpreterCmd(dir, b, true)
	utils.AssertNoError(t, err)
	self, err := os.Executable()
	utils.AssertNoError(t, err)
	wrapper := filepath.Join(dir, wrapperName)
	utils.AssertEqualArrays(t, cmd.Args, []string{"/bin/sh", wrapper, self, InterpreterCommand, "--file", b.Script(), "--debug"})
	utils.AssertEqual(t, cmd.Env[len(cmd.Env)-1], "PATH=/opt/bin:/bin")
	utils.AssertEqual(t, cmd.WaitDelay, commandWaitDelay)

	script, err := os.ReadFile(wrapper)
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, string(script), startStoppedScript)

	b.Path = nil
	cmd, err = interpreterCmd(dir, b, false)
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, cmd.Args[len(cmd.Args)-1], b.Script())
	utils.Assert(t, cmd.Env == nil, "environment should be inherited without a bundle PATH")
}

func writeTaskBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	config := `{"root":{"path":"rootfs"},"process":{"args":["hello.bf"],"env":["PATH=/bin"]}}`
	utils.AssertNoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))
	utils.AssertNoError(t, os.MkdirAll(filepath.Join(dir, "rootfs"), 0o755))
	utils.AssertNoError(t, os.WriteFile(filepath.Join(dir, "rootfs", "hello.bf"), []byte("+."), 0o644))
	return dir
}

func TestCreate_CleansUpOnStdioError(t *testing.T) {
	s, _ := newTestService(t)
	bundle := writeTaskBundle(t)
	fifos := t.TempDir()
	makeFifo(t, filepath.Join(fifos, "stdout"))
	plain := filepath.Join(fifos, "stdin")
	utils.AssertNoError(t, os.WriteFile(plain, nil, 0o644))

	_, err := s.Create(context.Background(), &taskAPI.CreateTaskRequest{
		ID:     "a",
		Bundle: bundle,
		Stdin:  plain,
		Stdout: filepath.Join(fifos, "stdout"),
	})
	utils.AssertError(t, err)

	_, err = os.Stat(filepath.Join(bundle, wrapperName))
	utils.Assert(t, os.IsNotExist(err), "wrapper script should be removed")
	_, err = s.lookup("a")
	utils.AssertError(t, err)
}
