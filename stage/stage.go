// Package stage binds buffers to accelerator invocations and tracks their
// lifecycle.
//
// An Executor is a pure binder/invoker: it never inspects buffer contents.
// Each instance covers exactly one invocation — Setup binds the buffers,
// Run issues the invocation once, and reuse requires Reset plus a fresh
// Setup.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qpipe/qpipe/device"
)

var (
	// ErrNotBound is returned when Run is called before Setup.
	ErrNotBound = errors.New("stage: executor not bound")
	// ErrAlreadyBound is returned when Setup is called twice without Reset.
	ErrAlreadyBound = errors.New("stage: executor already bound")
	// ErrAlreadyRun is returned when Run is called twice; each executor is
	// single-invocation.
	ErrAlreadyRun = errors.New("stage: executor already run")
)

// State is an executor's position in its lifecycle.
type State int

const (
	// Unconfigured is the initial state, before Setup.
	Unconfigured State = iota
	// Bound means Setup has fixed the buffer set.
	Bound
	// Queued means Run has issued the invocation; its wait set has not yet
	// been satisfied.
	Queued
	// Running means the device has started executing the invocation.
	Running
	// Completed is terminal; only now may consumers treat the output table
	// as valid.
	Completed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Bound:
		return "bound"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Executor binds a fixed buffer set to one accelerator invocation.
type Executor struct {
	name   string
	kernel string
	dev    device.Device

	mu      sync.Mutex
	bound   bool
	ran     bool
	inputs  []device.Memory
	output  device.Memory
	config  device.Memory
	scratch *device.ScratchPool
	event   *device.Event
}

// NewExecutor creates an executor that will invoke the named kernel on dev.
// name identifies the stage in logs, profiles and errors.
func NewExecutor(dev device.Device, name, kernel string) *Executor {
	return &Executor{name: name, kernel: kernel, dev: dev}
}

// Name returns the stage identity.
func (x *Executor) Name() string { return x.name }

// Setup binds the ordered inputs, the output, an optional config blob, and
// the shared scratch pool. It must be called exactly once before Run.
func (x *Executor) Setup(inputs []device.Memory, output device.Memory, config device.Memory, scratch *device.ScratchPool) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.bound {
		return fmt.Errorf("stage %q: %w", x.name, ErrAlreadyBound)
	}
	if output == nil {
		return fmt.Errorf("stage %q: output table required", x.name)
	}

	x.inputs = append([]device.Memory(nil), inputs...)
	x.output = output
	x.config = config
	x.scratch = scratch
	x.bound = true
	return nil
}

// Run issues the invocation asynchronously. It returns the stage's
// completion event immediately; the invocation starts only once every event
// in waitFor has signaled.
func (x *Executor) Run(ctx context.Context, waitFor ...*device.Event) (*device.Event, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.bound {
		return nil, fmt.Errorf("stage %q: %w", x.name, ErrNotBound)
	}
	if x.ran {
		return nil, fmt.Errorf("stage %q: %w", x.name, ErrAlreadyRun)
	}
	x.ran = true

	x.event = x.dev.Invoke(ctx, device.InvokeRequest{
		Label:   x.name,
		Kernel:  x.kernel,
		Config:  x.config,
		Inputs:  x.inputs,
		Output:  x.output,
		Scratch: x.scratch,
		WaitFor: waitFor,
	})
	return x.event, nil
}

// Event returns the completion event of the issued invocation, or nil
// before Run.
func (x *Executor) Event() *device.Event {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.event
}

// Output returns the bound output buffer, or nil before Setup.
func (x *Executor) Output() device.Memory {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.output
}

// State derives the executor's lifecycle position.
func (x *Executor) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch {
	case !x.bound:
		return Unconfigured
	case x.event == nil:
		return Bound
	case x.event.Signaled():
		return Completed
	default:
		_, started, _ := x.event.Times()
		if started.IsZero() {
			return Queued
		}
		return Running
	}
}

// Reset returns the executor to Unconfigured so it can be bound again for a
// fresh invocation.
func (x *Executor) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.bound = false
	x.ran = false
	x.inputs = nil
	x.output = nil
	x.config = nil
	x.scratch = nil
	x.event = nil
}
