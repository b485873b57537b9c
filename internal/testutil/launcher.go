package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/tunnelbench/internal/runtime"
)

// Script tells a FakeProcess what to print and how to behave.
type Script struct {
	Lines       []string
	StderrLines []string
	// LineDelay is waited before each stdout line.
	LineDelay time.Duration
	ExitCode  int
	// ExitAfter is waited after the last line before exiting on its own.
	ExitAfter time.Duration
	// Hang keeps the process running until a signal terminates it.
	Hang bool
	// IgnoreTerm makes SIGTERM and SIGINT no-ops; SIGKILL still works.
	IgnoreTerm bool
	// Unkillable ignores every signal.
	Unkillable bool
	// ExitZeroOnSignal makes a signalled process report a clean exit.
	ExitZeroOnSignal bool
	StartErr   error
}

// FakeLauncher starts scripted in-memory processes instead of real ones.
type FakeLauncher struct {
	ScriptFor func(spec runtime.Spec) Script

	mu      sync.Mutex
	nextPid int
	started []runtime.Spec
	procs   []*FakeProcess
}

func (l *FakeLauncher) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var script Script
	if l.ScriptFor != nil {
		script = l.ScriptFor(spec)
	}

	l.mu.Lock()
	l.started = append(l.started, spec)
	if script.StartErr != nil {
		l.mu.Unlock()
		return nil, script.StartErr
	}
	l.nextPid++
	p := &FakeProcess{
		pid:    1000 + l.nextPid,
		Spec:   spec,
		script: script,
		kill:   make(chan runtime.ExitStatus, 1),
		done:   make(chan struct{}),
	}
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	go p.run()
	return p, nil
}

// Started returns every spec passed to Start, including failed ones.
func (l *FakeLauncher) Started() []runtime.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]runtime.Spec(nil), l.started...)
}

func (l *FakeLauncher) Processes() []*FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeProcess(nil), l.procs...)
}

// ProcessFor returns the process started in namespace ns, or nil.
func (l *FakeLauncher) ProcessFor(ns string) *FakeProcess {
	for _, p := range l.Processes() {
		if p.Spec.Namespace == ns {
			return p
		}
	}
	return nil
}

type FakeProcess struct {
	Spec runtime.Spec

	pid    int
	script Script
	kill   chan runtime.ExitStatus
	done   chan struct{}
	status runtime.ExitStatus

	mu      sync.Mutex
	signals []syscall.Signal
}

func (p *FakeProcess) Pid() int { return p.pid }

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Status() runtime.ExitStatus {
	<-p.done
	return p.status
}

func (p *FakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}
	if p.script.Unkillable {
		return nil
	}
	if sig != syscall.SIGKILL && p.script.IgnoreTerm {
		return nil
	}
	select {
	case p.kill <- runtime.ExitStatus{Code: -1, Signal: unix.SignalName(sig)}:
	default:
	}
	return nil
}

// Signals returns the signals delivered so far, in order.
func (p *FakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func (p *FakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *FakeProcess) run() {
	defer close(p.done)

	stdout := p.Spec.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := p.Spec.Stderr
	if stderr == nil {
		stderr = stdout
	}
	for _, line := range p.script.StderrLines {
		fmt.Fprintln(stderr, line)
	}
	for _, line := range p.script.Lines {
		if p.script.LineDelay > 0 {
			select {
			case <-time.After(p.script.LineDelay):
			case st := <-p.kill:
				p.status = p.signalled(st)
				return
			}
		}
		fmt.Fprintln(stdout, line)
	}

	var exit <-chan time.Time
	if !p.script.Hang {
		timer := time.NewTimer(p.script.ExitAfter)
		defer timer.Stop()
		exit = timer.C
	}
	select {
	case <-exit:
		p.status = runtime.ExitStatus{Code: p.script.ExitCode}
	case st := <-p.kill:
		p.status = p.signalled(st)
	}
}

func (p *FakeProcess) signalled(st runtime.ExitStatus) runtime.ExitStatus {
	if p.script.ExitZeroOnSignal {
		return runtime.ExitStatus{}
	}
	return st
}
