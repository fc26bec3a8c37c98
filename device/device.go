// Package device defines the capability interfaces the pipeline core needs
// from an accelerator: asynchronous buffer transfers, asynchronous kernel
// invocations, and one-shot completion events.
//
// The package is backend-agnostic. Any implementation (a thread pool
// simulating asynchronous execution, a real device queue, a remote RPC
// endpoint) can satisfy Device, provided it honors two rules:
//
//   - An operation never begins before every event in its wait set has
//     signaled.
//   - Every returned Event is completed exactly once, with the operation's
//     error if it failed, or with an upstream error if a dependency failed
//     and the operation was therefore never started.
//
// The second rule is what keeps a failed pipeline from hanging: failure
// propagates through the event chain instead of leaving downstream waiters
// blocked forever.
package device

import (
	"context"
	"errors"
	"fmt"
)

// Direction indicates which way a transfer moves data.
type Direction int

const (
	// HostToDevice copies host buffers into device memory.
	HostToDevice Direction = iota
	// DeviceToHost copies device buffers back into host memory.
	DeviceToHost
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case HostToDevice:
		return "h2d"
	case DeviceToHost:
		return "d2h"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

var (
	// ErrClosed is returned when an operation is issued against a closed device.
	ErrClosed = errors.New("device: closed")
	// ErrUnknownKernel is returned when an invocation names a kernel the
	// device has no implementation for.
	ErrUnknownKernel = errors.New("device: unknown kernel")
)

// Buffer is a handle to device-resident memory.
//
// Rows is logical row-count metadata maintained by the backend: transfers
// propagate it between host and device, and kernels set it on their output
// buffer. The byte size of a buffer is fixed at allocation and never changes.
type Buffer interface {
	// Size returns the fixed byte size of the buffer.
	Size() int
	// Rows returns the logical row count currently associated with the buffer.
	Rows() int
	// SetRows updates the logical row count. Backends and kernels call this;
	// pipeline code never should.
	SetRows(n int)
}

// Memory is one host+device buffer pair a transfer can move. Tables and
// config blobs implement it.
type Memory interface {
	// Label identifies the buffer pair in logs, profiles and errors.
	Label() string
	// HostBytes returns the host-resident backing buffer.
	HostBytes() []byte
	// DeviceBuffer returns the device-resident handle, or nil if the device
	// buffer has not been allocated.
	DeviceBuffer() Buffer
	// RowCount returns the current host-side row count.
	RowCount() int
	// SetRowCount updates the host-side row count after a device-to-host
	// transfer. It fails if n exceeds the capacity of the buffer.
	SetRowCount(n int) error
}

// TransferRequest describes one batched asynchronous transfer. All buffer
// pairs move in the same direction as part of a single request; their order
// within the batch carries no meaning.
type TransferRequest struct {
	Label     string
	Direction Direction
	Buffers   []Memory
	WaitFor   []*Event
}

// InvokeRequest describes one asynchronous kernel invocation. The device
// treats all buffers as opaque: it binds them and runs the named kernel.
type InvokeRequest struct {
	Label   string
	Kernel  string
	Config  Memory
	Inputs  []Memory
	Output  Memory
	Scratch *ScratchPool
	WaitFor []*Event
}

// Device is an opaque accelerator with an asynchronous command stream.
type Device interface {
	// AllocBuffer reserves size bytes of device memory with the given
	// alignment. The allocation is fixed-size for its lifetime.
	AllocBuffer(size, align int) (Buffer, error)

	// Transfer issues one batched asynchronous copy and returns its
	// completion event immediately. The copy begins only after every event
	// in req.WaitFor has signaled.
	Transfer(ctx context.Context, req TransferRequest) *Event

	// Invoke issues one asynchronous kernel invocation and returns its
	// completion event immediately. The invocation begins only after every
	// event in req.WaitFor has signaled. Each call is single-shot; the
	// device never re-runs an invocation.
	Invoke(ctx context.Context, req InvokeRequest) *Event

	// Close releases device resources. Outstanding operations are allowed
	// to drain first.
	Close() error
}

// AwaitUpstream blocks until every event in waitFor has signaled, returning
// the first upstream error encountered. Backends call this before starting
// an operation; a non-nil return means the operation must not run.
func AwaitUpstream(ctx context.Context, waitFor []*Event) error {
	for _, e := range waitFor {
		if e == nil {
			continue
		}
		if err := e.Wait(ctx); err != nil {
			return fmt.Errorf("upstream %q: %w", e.Label(), err)
		}
	}
	return nil
}
