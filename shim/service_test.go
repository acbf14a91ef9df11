package shim

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	tasktypes "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/errdefs"

	"github.com/MarcinKonowalczyk/bfi/utils"
)

func newTestService(t *testing.T) (*taskService, shutdown.Service) {
	_, sd := shutdown.WithShutdown(context.Background())
	svc, err := newTaskService(context.Background(), sd)
	utils.AssertNoError(t, err)
	return svc.(*taskService), sd
}

// addProc registers a running proc and returns the function that finishes it.
func addProc(s *taskService, id string, pid int) func(exitCode int) {
	done, markDone := context.WithCancel(context.Background())
	p := &proc{pid: pid, done: done, stdout: "/out", stdin: "/in"}
	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	return func(exitCode int) {
		s.watch(context.Background(), id, p, markDone, func() error { return nil }, func() *os.ProcessState { return nil })
		// exitStatus maps a missing process state to 255; pin the code the test wants
		s.mu.Lock()
		p.exitStatus = exitCode
		s.mu.Unlock()
	}
}

func TestService_UnknownTask(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.State(ctx, &taskAPI.StateRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
	_, err = s.Start(ctx, &taskAPI.StartRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
	_, err = s.Delete(ctx, &taskAPI.DeleteRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
}

func TestService_Lifecycle(t *testing.T) {
	s, sd := newTestService(t)
	ctx := context.Background()
	finish := addProc(s, "a", 4242)

	state, err := s.State(ctx, &taskAPI.StateRequest{ID: "a"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, state.Status, tasktypes.Status_RUNNING)
	utils.AssertEqual(t, state.Pid, uint32(4242))
	utils.AssertEqual(t, state.Stdout, "/out")

	_, err = s.Delete(ctx, &taskAPI.DeleteRequest{ID: "a"})
	utils.Assert(t, errdefs.IsFailedPrecondition(err), "running task should not be deletable")

	finish(3)

	select {
	case <-sd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shim did not shut down after the last task exited")
	}

	waited, err := s.Wait(ctx, &taskAPI.WaitRequest{ID: "a"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, waited.ExitStatus, uint32(3))

	state, err = s.State(ctx, &taskAPI.StateRequest{ID: "a"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, state.Status, tasktypes.Status_STOPPED)

	deleted, err := s.Delete(ctx, &taskAPI.DeleteRequest{ID: "a"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, deleted.ExitStatus, uint32(3))

	_, err = s.State(ctx, &taskAPI.StateRequest{ID: "a"})
	utils.Assert(t, errdefs.IsNotFound(err), "deleted task should be gone")
}

func TestService_ShutdownWaitsForAllTasks(t *testing.T) {
	s, sd := newTestService(t)
	finishA := addProc(s, "a", 1)
	addProc(s, "b", 2)

	finishA(0)
	select {
	case <-sd.Done():
		t.Fatal("shim shut down while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_NotImplemented(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	_, err := s.Exec(ctx, &taskAPI.ExecProcessRequest{})
	utils.Assert(t, errdefs.IsNotImplemented(err), "expected not implemented")
	_, err = s.Pause(ctx, &taskAPI.PauseRequest{})
	utils.Assert(t, errdefs.IsNotImplemented(err), "expected not implemented")
	_, err = s.Pids(ctx, &taskAPI.PidsRequest{})
	utils.Assert(t, errdefs.IsNotImplemented(err), "expected not implemented")
}

func TestExitStatus_NoState(t *testing.T) {
	utils.AssertEqual(t, exitStatus(nil), 255)
}

func TestService_KillRunningProcess(t *testing.T) {
	s, sd := newTestService(t)
	ctx := context.Background()

	cmd := exec.Command("sleep", "30")
	utils.AssertNoError(t, cmd.Start())
	wrapper := filepath.Join(t.TempDir(), wrapperName)
	utils.AssertNoError(t, os.WriteFile(wrapper, []byte(startStoppedScript), 0o755))

	done, markDone := context.WithCancel(context.Background())
	p := &proc{pid: cmd.Process.Pid, done: done, wrapper: wrapper}
	s.mu.Lock()
	s.procs["a"] = p
	s.mu.Unlock()
	go s.watch(ctx, "a", p, markDone, cmd.Wait, func() *os.ProcessState { return cmd.ProcessState })

	started, err := s.Start(ctx, &taskAPI.StartRequest{ID: "a"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, started.Pid, uint32(cmd.Process.Pid))

	connected, err := s.Connect(ctx, &taskAPI.ConnectRequest{ID: "a"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, connected.TaskPid, uint32(cmd.Process.Pid))

	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = s.Kill(killCtx, &taskAPI.KillRequest{ID: "a"})
	utils.AssertNoError(t, err)

	waited, err := s.Wait(killCtx, &taskAPI.WaitRequest{ID: "a"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, waited.ExitStatus, uint32(137))

	// killing an exited task is a no-op
	_, err = s.Kill(killCtx, &taskAPI.KillRequest{ID: "a"})
	utils.AssertNoError(t, err)

	select {
	case <-sd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shim did not shut down after the task was killed")
	}

	_, err = s.Delete(ctx, &taskAPI.DeleteRequest{ID: "a"})
	utils.AssertNoError(t, err)
	_, err = os.Stat(wrapper)
	utils.Assert(t, os.IsNotExist(err), "delete should remove the wrapper script")
}
