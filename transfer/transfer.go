// Package transfer batches tables and config blobs into single asynchronous
// device transfers.
//
// Batching several buffers into one request amortizes per-transfer overhead;
// because no buffer in a batch depends on another being moved first, order
// within a batch carries no meaning.
package transfer

import (
	"context"
	"fmt"

	"github.com/qpipe/qpipe/device"
)

// Engine schedules batched transfers against one device. An Engine is not
// safe for concurrent use; pipelines build their batches during wiring, on
// one goroutine.
type Engine struct {
	dev   device.Device
	batch []device.Memory
}

// NewEngine creates a transfer engine for dev.
func NewEngine(dev device.Device) *Engine {
	return &Engine{dev: dev}
}

// Add appends buffers to the pending batch.
func (e *Engine) Add(ms ...device.Memory) *Engine {
	e.batch = append(e.batch, ms...)
	return e
}

// Pending returns the number of buffers in the pending batch.
func (e *Engine) Pending() int { return len(e.batch) }

// HostToDevice issues the pending batch as one asynchronous host-to-device
// transfer and clears the batch. The transfer starts only after every event
// in waitFor has signaled; the returned event signals when the whole batch
// has been moved.
func (e *Engine) HostToDevice(ctx context.Context, label string, waitFor ...*device.Event) *device.Event {
	return e.enqueue(ctx, label, device.HostToDevice, waitFor)
}

// DeviceToHost issues the pending batch as one asynchronous device-to-host
// transfer and clears the batch.
func (e *Engine) DeviceToHost(ctx context.Context, label string, waitFor ...*device.Event) *device.Event {
	return e.enqueue(ctx, label, device.DeviceToHost, waitFor)
}

func (e *Engine) enqueue(ctx context.Context, label string, dir device.Direction, waitFor []*device.Event) *device.Event {
	batch := e.batch
	e.batch = nil

	if len(batch) == 0 {
		// Nothing to move; the event still participates in the DAG.
		return device.Completed(device.KindTransfer, label, nil)
	}

	for _, m := range batch {
		if err := checkReady(m); err != nil {
			return device.Completed(device.KindTransfer, label,
				device.NewTransferError(label, dir, err))
		}
	}

	return e.dev.Transfer(ctx, device.TransferRequest{
		Label:     label,
		Direction: dir,
		Buffers:   batch,
		WaitFor:   waitFor,
	})
}

func checkReady(m device.Memory) error {
	if m.HostBytes() == nil {
		return fmt.Errorf("buffer %q: host side not allocated", m.Label())
	}
	if m.DeviceBuffer() == nil {
		return fmt.Errorf("buffer %q: device side not allocated", m.Label())
	}
	return nil
}
