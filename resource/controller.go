// Package resource tracks and limits the physical resources a pipeline run
// consumes: device memory and DMA bandwidth.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// DeviceMemoryLimitBytes is the hard limit for device buffer allocations.
	// If 0, no hard limit is enforced (only tracking).
	DeviceMemoryLimitBytes int64

	// TransferBytesPerSec caps aggregate DMA throughput. If 0, unlimited.
	// Backends consult this to pace transfers, which also makes overlap
	// between transfers and compute observable in tests.
	TransferBytesPerSec int64
}

// Controller manages device memory accounting and transfer pacing.
// A nil *Controller is valid and enforces nothing.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	dmaLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}

	if cfg.DeviceMemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.DeviceMemoryLimitBytes)
	}

	if cfg.TransferBytesPerSec > 0 {
		c.dmaLimiter = rate.NewLimiter(rate.Limit(cfg.TransferBytesPerSec), int(cfg.TransferBytesPerSec))
	}

	return c
}

// AcquireMemory reserves device memory without blocking. Device allocations
// are all made at pipeline construction time, so blocking until another
// pipeline releases memory would only hide sizing mistakes.
// Returns false if the limit would be exceeded.
func (c *Controller) AcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return false
		}
	}

	c.memUsed.Add(bytes)
	return true
}

// ReleaseMemory releases reserved device memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the currently reserved device memory in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireTransfer blocks until the DMA budget allows moving the specified
// number of bytes. Requests larger than the limiter's burst are split so a
// single large table cannot starve the pipeline forever.
func (c *Controller) AcquireTransfer(ctx context.Context, bytes int) error {
	if c == nil || c.dmaLimiter == nil || bytes <= 0 {
		return nil
	}

	burst := c.dmaLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if n > burst {
			n = burst
		}
		if err := c.dmaLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
