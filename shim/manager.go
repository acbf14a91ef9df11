package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	apitypes "github.com/containerd/containerd/api/types"
	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/containerd/log"

	"github.com/MarcinKonowalczyk/bfi/config"
)

// https://pubs.opengroup.org/onlinepubs/9699919799/utilities/V3_chap02.html#tag_18_21_18
const exitCodeSignal = 128

const initPidFile = "bf.pid"

// RuntimeName is the containerd runtime this shim registers as.
const RuntimeName = "io.containerd.bf.v1"

// Version is reported to containerd by Info.
// set with `-ldflags="-X 'github.com/MarcinKonowalczyk/bfi/shim.Version=v1.2.3'"`
var Version = "v0.1.0"

// comptime override for debug flag
// set with `-ldflags="-X 'github.com/MarcinKonowalczyk/bfi/shim.debug=true'"`
var debug string

type manager struct {
	name string
}

func NewManager(name string) shim.Manager {
	return manager{name: name}
}

var _ shim.Manager = manager{}

func (m manager) Name() string {
	return m.name
}

// debugEnabled reports whether the serving shim should run with -debug.
// Besides containerd's own request, BFI_DEBUG or a bfi config file in the
// bundle directory turn it on.
func debugEnabled(requested bool) bool {
	if requested || debug != "" {
		return true
	}
	cfg, err := config.Load(nil)
	return err == nil && cfg.Debug
}

// Start re-launches this binary as the long running shim and hands its socket
// address back to containerd.
func (m manager) Start(ctx context.Context, id string, opts shim.StartOpts) (_ shim.BootstrapParams, retErr error) {
	log.G(ctx).WithField("id", id).Debug("start (manager)")

	cmd, err := serveCommand(ctx, opts, debugEnabled(opts.Debug))
	if err != nil {
		return shim.BootstrapParams{}, err
	}

	address, err := shim.SocketAddress(ctx, opts.Address, id, opts.Debug)
	if err != nil {
		return shim.BootstrapParams{}, fmt.Errorf("getting a socket address: %w", err)
	}
	socket, err := shim.NewSocket(address)
	if err != nil {
		return shim.BootstrapParams{}, fmt.Errorf("creating socket: %w", err)
	}
	defer func() {
		if retErr != nil {
			socket.Close()
			_ = shim.RemoveSocket(address)
		}
	}()

	if err := launch(ctx, cmd, socket); err != nil {
		return shim.BootstrapParams{}, err
	}

	return shim.BootstrapParams{
		Version:  2,
		Address:  address,
		Protocol: "ttrpc",
	}, nil
}

// serveCommand builds the command line of the serving shim.
func serveCommand(ctx context.Context, opts shim.StartOpts, debug bool) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("getting executable of current process: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current working directory: %w", err)
	}

	var args []string
	if debug {
		args = append(args, "-debug")
	}
	cmd, err := shim.Command(ctx, &shim.CommandConfig{
		Runtime:      self,
		Address:      opts.Address,
		TTRPCAddress: opts.TTRPCAddress,
		Path:         cwd,
		Args:         args,
	})
	if err != nil {
		return nil, fmt.Errorf("creating shim command: %w", err)
	}
	return cmd, nil
}

// launch passes the listening socket to cmd, starts it and reaps it in the
// background.
func launch(ctx context.Context, cmd *exec.Cmd, socket *net.UnixListener) error {
	f, err := socket.File()
	if err != nil {
		return fmt.Errorf("getting shim socket file descriptor: %w", err)
	}
	// the child holds its own copy once started
	defer f.Close()
	cmd.ExtraFiles = append(cmd.ExtraFiles, f)

	// start from a locked thread so the child does not inherit one the
	// runtime later reuses with different state
	runtime.LockOSThread()
	err = cmd.Start()
	runtime.UnlockOSThread()
	if err != nil {
		return fmt.Errorf("starting shim command: %w", err)
	}

	go func() {
		var exitErr *exec.ExitError
		if err := cmd.Wait(); err != nil && !errors.As(err, &exitErr) {
			log.G(ctx).WithError(err).Errorf("failed to wait for shim process %d", cmd.Process.Pid)
		}
	}()

	if err := shim.AdjustOOMScore(cmd.Process.Pid); err != nil {
		return fmt.Errorf("adjusting shim process OOM score: %w", err)
	}
	return nil
}

// Stop is containerd's last resort for cleaning up a task whose shim is gone.
func (m manager) Stop(ctx context.Context, id string) (shim.StopStatus, error) {
	log.G(ctx).WithField("id", id).Debug("stop (manager)")

	pid, err := readPidFile(id)
	if err != nil {
		return shim.StopStatus{}, fmt.Errorf("reading pid file: %w", err)
	}
	if err := killInit(pid); err != nil {
		log.G(ctx).WithError(err).Warnf("failed to kill init process %d", pid)
	}

	return shim.StopStatus{
		Pid:        pid,
		ExitedAt:   time.Now(),
		ExitStatus: exitCodeSignal + int(syscall.SIGKILL),
	}, nil
}

// killInit sends SIGKILL to pid. A process that is already gone is not an
// error.
func killInit(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func (m manager) Info(ctx context.Context, optionsR io.Reader) (*apitypes.RuntimeInfo, error) {
	log.G(ctx).Debug("info (manager)")
	return &apitypes.RuntimeInfo{
		Name: m.name,
		Version: &apitypes.RuntimeVersion{
			Version: Version,
		},
	}, nil
}

// The pid file lives in the task's bundle directory, a sibling of the shim's
// working directory. containerd only learns the init pid from it when it has
// to fall back to Stop.
func pidFilePath(id string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current working directory: %w", err)
	}
	return filepath.Join(filepath.Dir(cwd), id, initPidFile), nil
}

func readPidFile(id string) (int, error) {
	path, err := pidFilePath(id)
	if err != nil {
		return -1, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1, fmt.Errorf("parsing %s: %w", path, err)
	}
	return pid, nil
}

func writePidFile(id string, pid int) error {
	path, err := pidFilePath(id)
	if err != nil {
		return err
	}
	if err := shim.WritePidFile(path, pid); err != nil {
		return fmt.Errorf("writing pid file of init process: %w", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("changing pid file permissions: %w", err)
	}
	return nil
}
