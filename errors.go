package qpipe

import (
	"errors"
	"fmt"

	"github.com/qpipe/qpipe/device"
)

var (
	// ErrNoStages is returned when Build is called on a builder with no
	// stages wired.
	ErrNoStages = errors.New("pipeline has no stages")
	// ErrCycle is returned when the wired dependency graph is not acyclic.
	// The graph is fixed at build time, so a cycle is always a wiring bug.
	ErrCycle = errors.New("dependency graph has a cycle")
	// ErrAlreadyRun is returned when Run is called twice on the same
	// Pipeline. Device buffers hold the previous run's intermediates, so a
	// repeat run requires Reset first.
	ErrAlreadyRun = errors.New("pipeline already run")
)

// WiringError reports an invalid pipeline construction: a stage referencing
// an unallocated buffer, an unknown table, or a malformed graph.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type WiringError struct {
	Node  string
	cause error
}

func (e *WiringError) Error() string {
	return fmt.Sprintf("wiring %q: %v", e.Node, e.cause)
}

func (e *WiringError) Unwrap() error { return e.cause }

// PipelineError is the run-level failure surfaced by Run. Op names the
// transfer, invocation or host step that failed first in issue order; the
// device-level cause is available via errors.Unwrap and errors.As.
type PipelineError struct {
	Op    string
	cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at %q: %v", e.Op, e.cause)
}

func (e *PipelineError) Unwrap() error { return e.cause }

func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	// Abort chains repeat the same root cause once per hop. Unwrap to the
	// operation that actually failed so the caller sees one PipelineError
	// naming the true culprit.
	var te *device.TransferError
	if errors.As(err, &te) {
		return &PipelineError{Op: te.Label, cause: err}
	}
	var ie *device.InvocationError
	if errors.As(err, &ie) {
		return &PipelineError{Op: ie.Label, cause: err}
	}

	return &PipelineError{Op: op, cause: err}
}
