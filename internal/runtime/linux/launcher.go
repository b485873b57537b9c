//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/p-arndt/tunnelbench/internal/runtime"
)

const (
	// DefaultWaitDelay bounds how long Wait keeps draining output after the
	// process exited, in case a descendant still holds the pipe open.
	DefaultWaitDelay = 2 * time.Second

	ptyDrainTimeout = 2 * time.Second
)

// Launcher runs commands inside named network namespaces through
// `ip netns exec`.
type Launcher struct {
	IPBinary  string
	WaitDelay time.Duration
}

func NewLauncher(ipBinary string) *Launcher {
	if ipBinary == "" {
		ipBinary = "ip"
	}
	return &Launcher{IPBinary: ipBinary, WaitDelay: DefaultWaitDelay}
}

func (l *Launcher) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := l.argv(spec)
	// Not CommandContext: termination is always requested explicitly through
	// Signal so that the caller controls the grace period.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.WaitDelay = l.WaitDelay
	// Best effort only: the kernel sends SIGTERM when the spawning OS thread
	// exits, which is not tied to this process exiting. Tunnels it misses are
	// left to the reaper of the next run.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	if spec.PTY {
		return startPTY(cmd, spec)
	}

	cmd.SysProcAttr.Setpgid = true
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = spec.Stdout
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	p := newProcess(cmd)
	go p.wait(nil)
	return p, nil
}

func (l *Launcher) argv(spec runtime.Spec) []string {
	if spec.Namespace == "" {
		return spec.Argv
	}
	argv := make([]string, 0, len(spec.Argv)+4)
	argv = append(argv, l.IPBinary, "netns", "exec", spec.Namespace)
	return append(argv, spec.Argv...)
}

// startPTY runs cmd as a session leader on a new pseudo-terminal. pty sets
// Setsid, which also makes the child its own process group leader, so
// Setpgid must stay unset.
func startPTY(cmd *exec.Cmd, spec runtime.Spec) (runtime.Process, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", cmd.Path, err)
	}
	pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 200})

	out := spec.Stdout
	if out == nil {
		out = io.Discard
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// Reading the master returns EIO once every slave descriptor is
		// closed, which ends the copy.
		_, _ = io.Copy(out, ptmx)
	}()

	p := newProcess(cmd)
	go p.wait(func() {
		select {
		case <-copied:
		case <-time.After(ptyDrainTimeout):
		}
		_ = ptmx.Close()
		<-copied
	})
	return p, nil
}
