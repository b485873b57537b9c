// Package failure defines the error kinds a session distinguishes when it
// accounts for per-namespace outcomes.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	None               Kind = ""
	SpawnFailure       Kind = "spawn_failure"
	ReadinessTimeout   Kind = "readiness_timeout"
	ProcessFailure     Kind = "process_failure"
	ParseFailure       Kind = "parse_failure"
	TerminationFailure Kind = "termination_failure"
	RegistryCorrupt    Kind = "registry_corrupt"
	// Cancelled marks work that was never started because the session
	// finalized first.
	Cancelled Kind = "cancelled"
)

// Error attaches a Kind and, when known, the namespace it concerns.
type Error struct {
	Kind      Kind
	Namespace string
	Err       error
}

func New(kind Kind, namespace string, err error) *Error {
	return &Error{Kind: kind, Namespace: namespace, Err: err}
}

func (e *Error) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("%s: %s: %v", e.Namespace, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil && t.Namespace == ""
}

// KindOf returns the Kind of the first *Error in err's chain, or None.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return None
}

// Marker returns a value usable as errors.Is target for kind.
func Marker(kind Kind) error {
	return &Error{Kind: kind}
}
