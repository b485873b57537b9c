package runtime

import (
	"context"
	"fmt"
	"io"
	"syscall"
)

// Spec describes one subprocess to run inside a network namespace.
type Spec struct {
	// Namespace is the named netns to enter. Empty runs in the caller's
	// namespace.
	Namespace string
	Argv      []string
	// PTY attaches the process to a pseudo-terminal instead of a pipe, for
	// programs that block-buffer their output when it is not a tty.
	PTY    bool
	Stdout io.Writer
	// Stderr nil means stderr is merged into Stdout.
	Stderr io.Writer
}

// ExitStatus is captured once, when the process is reaped.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    string `json:"error,omitempty"`
}

func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == ""
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != "":
		return "wait error: " + s.Err
	case s.Signal != "":
		return "signal " + s.Signal
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// Process is a started subprocess. Output has been fully delivered to the
// Spec writers by the time Done is closed.
type Process interface {
	Pid() int
	// Signal delivers sig to the process group. Signalling an exited
	// process is not an error.
	Signal(sig syscall.Signal) error
	Done() <-chan struct{}
	// Status is valid once Done is closed.
	Status() ExitStatus
}

type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}
