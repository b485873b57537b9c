package tunnel

import (
	"sync"
	"time"

	"github.com/p-arndt/tunnelbench/internal/registry"
	"github.com/p-arndt/tunnelbench/internal/runtime"
)

type State int

const (
	Starting State = iota
	Ready
	TimedOut
	Failed
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// allowed lists the legal successor states. Everything else is ignored, so
// the first transition out of a state wins.
var allowed = map[State][]State{
	Starting: {Ready, TimedOut, Failed, Stopping},
	Ready:    {Stopping},
	TimedOut: {Stopping},
	Failed:   {Stopping},
	Stopping: {Stopped},
}

// Handle tracks one tunnel process. Only the Supervisor mutates it.
type Handle struct {
	Index      int
	Descriptor registry.Descriptor

	mu        sync.Mutex
	state     State
	startedAt time.Time
	readyAt   time.Time
	wasReady  bool
	cause     error
	exit      *runtime.ExitStatus
	proc      runtime.Process
	stopping  bool

	settled chan struct{}
	stopped chan struct{}
	// watched is closed once the exit of a spawned process was recorded.
	watched chan struct{}
}

func newHandle(index int, desc registry.Descriptor) *Handle {
	return &Handle{
		Index:      index,
		Descriptor: desc,
		state:      Starting,
		settled:    make(chan struct{}),
		stopped:    make(chan struct{}),
		watched:    make(chan struct{}),
	}
}

// transition moves the handle to next if that is a legal step from the
// current state. It reports whether the move happened.
func (h *Handle) transition(next State, cause error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(next, cause)
}

func (h *Handle) transitionLocked(next State, cause error) bool {
	ok := false
	for _, s := range allowed[h.state] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if h.state == Starting {
		close(h.settled)
	}
	h.state = next
	switch next {
	case Ready:
		h.wasReady = true
		h.readyAt = time.Now()
	case TimedOut, Failed:
		h.cause = cause
	case Stopped:
		close(h.stopped)
	}
	return true
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// WasReady reports whether the readiness marker was ever observed.
func (h *Handle) WasReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wasReady
}

// Cause is the failure that kept the tunnel from becoming ready, if any.
func (h *Handle) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

func (h *Handle) ReadyAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readyAt
}

// Exit returns the exit status once the process has been reaped.
func (h *Handle) Exit() (runtime.ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return runtime.ExitStatus{}, false
	}
	return *h.exit, true
}

// Pid is 0 when no process was spawned.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid()
}

// Settled is closed once the handle leaves Starting.
func (h *Handle) Settled() <-chan struct{} {
	return h.settled
}

// Done is closed once the handle is Stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.stopped
}

func (h *Handle) process() runtime.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

func (h *Handle) setExit(st runtime.ExitStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exit = &st
}

// beginStop claims the stop of this handle. Only the first caller gets true.
func (h *Handle) beginStop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return false
	}
	h.stopping = true
	h.transitionLocked(Stopping, nil)
	return true
}

func (h *Handle) finishStop() {
	h.transition(Stopped, nil)
}
