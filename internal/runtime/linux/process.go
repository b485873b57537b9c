//go:build linux

package linux

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/tunnelbench/internal/runtime"
)

type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status runtime.ExitStatus
}

func newProcess(cmd *exec.Cmd) *process {
	return &process{cmd: cmd, done: make(chan struct{})}
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Status() runtime.ExitStatus {
	<-p.done
	return p.status
}

func (p *process) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return KillGroup(p.cmd.Process.Pid, sig)
}

// wait reaps the process, runs drain (if any) so that all output has been
// delivered, then records the exit status exactly once.
func (p *process) wait(drain func()) {
	err := p.cmd.Wait()
	if drain != nil {
		drain()
	}
	p.status = exitStatus(p.cmd.ProcessState, err)
	close(p.done)
}

func exitStatus(state *os.ProcessState, err error) runtime.ExitStatus {
	if state == nil {
		st := runtime.ExitStatus{Code: -1}
		if err != nil {
			st.Err = err.Error()
		}
		return st
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return runtime.ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	st := runtime.ExitStatus{Code: state.ExitCode()}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		st.Err = err.Error()
	}
	return st
}
