// Package simdev implements device.Device with a pool of goroutines
// simulating an out-of-order accelerator command stream.
//
// Kernels are opaque functions registered by name; the device binds buffers
// and runs them without interpreting their contents. Transfers are plain
// memory copies, optionally paced through a resource.Controller so that
// transfer/compute overlap is observable in tests and benchmarks.
//
// Dependency handling follows the device contract: every operation waits for
// its full wait set before starting, and an upstream failure completes the
// operation's event with the upstream error without running it.
package simdev

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/internal/mem"
	"github.com/qpipe/qpipe/resource"
)

// Span is one operand of a kernel invocation: the device-resident bytes and
// the logical row count. For the output operand the kernel sets Rows to the
// number of rows it produced.
type Span struct {
	Bytes []byte
	Rows  int
}

// KernelFunc is an opaque fixed-function kernel. cfg holds the device copy
// of the invocation's config blob (nil if the invocation has none), scratch
// the shared working regions. The device never inspects what a kernel does
// with its operands.
type KernelFunc func(cfg []byte, inputs []Span, out *Span, scratch [][]byte) error

// Option configures a simulated device.
type Option func(*options)

type options struct {
	workers       int
	controller    *resource.Controller
	transferFault func(label string) error
	invokeFault   func(label string) error
}

// WithWorkers sets the number of concurrent execution units. Defaults to
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithController attaches a resource controller for device memory accounting
// and DMA pacing.
func WithController(rc *resource.Controller) Option {
	return func(o *options) { o.controller = rc }
}

// WithTransferFault injects a fault into transfers: f is consulted as each
// transfer starts and a non-nil return fails it. For failure-path tests.
func WithTransferFault(f func(label string) error) Option {
	return func(o *options) { o.transferFault = f }
}

// WithInvokeFault injects a fault into invocations, like WithTransferFault.
func WithInvokeFault(f func(label string) error) Option {
	return func(o *options) { o.invokeFault = f }
}

// Device is a simulated accelerator.
type Device struct {
	opts options
	pool *workerPool

	mu      sync.RWMutex
	kernels map[string]KernelFunc

	allocated atomic.Int64
	closed    atomic.Bool
}

var _ device.Device = (*Device)(nil)

// New creates a simulated device.
func New(optFns ...Option) *Device {
	var o options
	for _, fn := range optFns {
		fn(&o)
	}
	return &Device{
		opts:    o,
		pool:    newWorkerPool(o.workers),
		kernels: make(map[string]KernelFunc),
	}
}

// RegisterKernel installs the implementation for the named kernel.
// Registering the same name twice replaces the previous implementation.
func (d *Device) RegisterKernel(name string, fn KernelFunc) {
	d.mu.Lock()
	d.kernels[name] = fn
	d.mu.Unlock()
}

func (d *Device) kernel(name string) (KernelFunc, bool) {
	d.mu.RLock()
	fn, ok := d.kernels[name]
	d.mu.RUnlock()
	return fn, ok
}

// buffer is simdev's device-resident memory handle.
type buffer struct {
	data []byte
	rows atomic.Int64
}

func (b *buffer) Size() int     { return len(b.data) }
func (b *buffer) Rows() int     { return int(b.rows.Load()) }
func (b *buffer) SetRows(n int) { b.rows.Store(int64(n)) }

// AllocBuffer implements device.Device.
func (d *Device) AllocBuffer(size, align int) (device.Buffer, error) {
	if d.closed.Load() {
		return nil, device.NewAllocationError(size, device.ErrClosed)
	}
	if size <= 0 {
		return nil, device.NewAllocationError(size, fmt.Errorf("invalid size"))
	}
	if !d.opts.controller.AcquireMemory(int64(size)) {
		return nil, device.NewAllocationError(size, fmt.Errorf("device memory limit exceeded"))
	}
	d.allocated.Add(int64(size))
	return &buffer{data: mem.AllocAligned(size, align)}, nil
}

// Transfer implements device.Device.
func (d *Device) Transfer(ctx context.Context, req device.TransferRequest) *device.Event {
	ev := device.NewEvent(device.KindTransfer, req.Label)
	if d.closed.Load() {
		ev.Complete(device.NewTransferError(req.Label, req.Direction, device.ErrClosed))
		return ev
	}

	// A dedicated goroutine handles dependency waiting so blocked
	// operations never occupy an execution unit.
	go func() {
		if err := device.AwaitUpstream(ctx, req.WaitFor); err != nil {
			ev.Complete(fmt.Errorf("transfer %q aborted: %w", req.Label, err))
			return
		}

		var opErr error
		done := make(chan struct{})
		if err := d.pool.submit(ctx, func() {
			defer close(done)
			ev.MarkStarted()
			opErr = d.doTransfer(ctx, req)
		}); err != nil {
			ev.Complete(device.NewTransferError(req.Label, req.Direction, err))
			return
		}
		<-done

		if opErr != nil {
			ev.Complete(device.NewTransferError(req.Label, req.Direction, opErr))
			return
		}
		ev.Complete(nil)
	}()

	return ev
}

func (d *Device) doTransfer(ctx context.Context, req device.TransferRequest) error {
	if f := d.opts.transferFault; f != nil {
		if err := f(req.Label); err != nil {
			return err
		}
	}

	total := 0
	for _, m := range req.Buffers {
		total += len(m.HostBytes())
	}
	if err := d.opts.controller.AcquireTransfer(ctx, total); err != nil {
		return err
	}

	for _, m := range req.Buffers {
		if err := d.copyOne(m, req.Direction); err != nil {
			return fmt.Errorf("buffer %q: %w", m.Label(), err)
		}
	}
	return nil
}

func (d *Device) copyOne(m device.Memory, dir device.Direction) error {
	host := m.HostBytes()
	if host == nil {
		return fmt.Errorf("host buffer not allocated")
	}
	b, err := d.own(m.DeviceBuffer())
	if err != nil {
		return err
	}
	if len(host) != len(b.data) {
		return fmt.Errorf("host/device size mismatch: %d vs %d", len(host), len(b.data))
	}

	switch dir {
	case device.HostToDevice:
		copy(b.data, host)
		b.SetRows(m.RowCount())
	case device.DeviceToHost:
		copy(host, b.data)
		if err := m.SetRowCount(b.Rows()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid direction %v", dir)
	}
	return nil
}

// Invoke implements device.Device.
func (d *Device) Invoke(ctx context.Context, req device.InvokeRequest) *device.Event {
	ev := device.NewEvent(device.KindInvoke, req.Label)
	if d.closed.Load() {
		ev.Complete(device.NewInvocationError(req.Label, req.Kernel, device.ErrClosed))
		return ev
	}

	go func() {
		if err := device.AwaitUpstream(ctx, req.WaitFor); err != nil {
			ev.Complete(fmt.Errorf("invocation %q aborted: %w", req.Label, err))
			return
		}

		var opErr error
		done := make(chan struct{})
		if err := d.pool.submit(ctx, func() {
			defer close(done)
			ev.MarkStarted()
			opErr = d.doInvoke(req)
		}); err != nil {
			ev.Complete(device.NewInvocationError(req.Label, req.Kernel, err))
			return
		}
		<-done

		if opErr != nil {
			ev.Complete(device.NewInvocationError(req.Label, req.Kernel, opErr))
			return
		}
		ev.Complete(nil)
	}()

	return ev
}

func (d *Device) doInvoke(req device.InvokeRequest) error {
	if f := d.opts.invokeFault; f != nil {
		if err := f(req.Label); err != nil {
			return err
		}
	}

	fn, ok := d.kernel(req.Kernel)
	if !ok {
		return fmt.Errorf("%w: %q", device.ErrUnknownKernel, req.Kernel)
	}

	var cfg []byte
	if req.Config != nil {
		b, err := d.own(req.Config.DeviceBuffer())
		if err != nil {
			return fmt.Errorf("config %q: %w", req.Config.Label(), err)
		}
		cfg = b.data
	}

	inputs := make([]Span, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		b, err := d.own(in.DeviceBuffer())
		if err != nil {
			return fmt.Errorf("input %q: %w", in.Label(), err)
		}
		inputs = append(inputs, Span{Bytes: b.data, Rows: b.Rows()})
	}

	outBuf, err := d.own(req.Output.DeviceBuffer())
	if err != nil {
		return fmt.Errorf("output %q: %w", req.Output.Label(), err)
	}
	out := Span{Bytes: outBuf.data}

	var scratch [][]byte
	if req.Scratch != nil {
		if err := req.Scratch.Acquire(req.Label); err != nil {
			return err
		}
		defer req.Scratch.Release(req.Label)
		for _, r := range req.Scratch.Regions() {
			b, err := d.own(r)
			if err != nil {
				return fmt.Errorf("scratch: %w", err)
			}
			scratch = append(scratch, b.data)
		}
	}

	if err := fn(cfg, inputs, &out, scratch); err != nil {
		return err
	}
	outBuf.SetRows(out.Rows)
	return nil
}

// own asserts that b was allocated by this device.
func (d *Device) own(b device.Buffer) (*buffer, error) {
	if b == nil {
		return nil, fmt.Errorf("device buffer not allocated")
	}
	sb, ok := b.(*buffer)
	if !ok {
		return nil, fmt.Errorf("foreign device buffer %T", b)
	}
	return sb, nil
}

// Close implements device.Device. Queued operations drain before workers
// exit; operations issued afterwards fail with ErrClosed.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.pool.close()
	d.opts.controller.ReleaseMemory(d.allocated.Swap(0))
	return nil
}
