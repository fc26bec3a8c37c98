package device

import (
	"errors"
	"fmt"
	"sync"
)

// ErrScratchBusy is returned when a kernel tries to acquire the scratch pool
// while another holder has not released it. Seeing this error means the
// pipeline's dependency wiring failed to serialize two scratch users; it is
// an invariant break, not a condition to retry.
var ErrScratchBusy = errors.New("device: scratch pool busy")

// ScratchPool is pre-allocated device working memory shared by every stage
// of a pipeline run. It is initialized once, sized for the worst-case
// intermediate stage, and reused (never reallocated) for the life of the
// pipeline.
//
// The pool is a single-writer resource: at most one in-flight invocation may
// hold it. Backends acquire it around each kernel run, so a wiring bug that
// lets two stages overlap surfaces as ErrScratchBusy instead of silent data
// corruption.
type ScratchPool struct {
	regions []Buffer

	mu    sync.Mutex
	owner string
	held  bool
}

// NewScratchPool allocates the given device regions once. sizes holds one
// byte size per region.
func NewScratchPool(dev Device, sizes []int, align int) (*ScratchPool, error) {
	p := &ScratchPool{regions: make([]Buffer, 0, len(sizes))}
	for i, size := range sizes {
		buf, err := dev.AllocBuffer(size, align)
		if err != nil {
			return nil, fmt.Errorf("scratch region %d (%d bytes): %w", i, size, err)
		}
		p.regions = append(p.regions, buf)
	}
	return p, nil
}

// Regions returns the device-resident scratch buffers. Callers must hold
// the pool via Acquire while reading or writing them.
func (p *ScratchPool) Regions() []Buffer { return p.regions }

// Acquire takes exclusive ownership of the pool for the named holder.
func (p *ScratchPool) Acquire(owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held {
		return fmt.Errorf("%w: held by %q, wanted by %q", ErrScratchBusy, p.owner, owner)
	}
	p.held = true
	p.owner = owner
	return nil
}

// Release gives up ownership. Releasing a pool the caller does not hold is
// a no-op.
func (p *ScratchPool) Release(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held && p.owner == owner {
		p.held = false
		p.owner = ""
	}
}

// Holder returns the current owner, or "" if the pool is free.
func (p *ScratchPool) Holder() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.held {
		return ""
	}
	return p.owner
}
