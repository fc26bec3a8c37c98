package qpipe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/transfer"
)

// Pipeline is a built, immutable operation graph over one device. Run issues
// every transfer, host step and invocation asynchronously with the wait sets
// fixed at Build time and blocks only at the single final barrier.
//
// A Pipeline runs once; Reset rearms it for a repeat run over the same
// buffers.
type Pipeline struct {
	dev     device.Device
	opts    options
	nodes   []*node
	scratch *device.ScratchPool
	outputs []device.Memory

	mu  sync.Mutex
	ran bool
}

// Result carries a finished run's host-resident outputs and its profile.
type Result struct {
	// Outputs are the readback buffers in declaration order, with host
	// contents and row counts reflecting the device results.
	Outputs []device.Memory
	// Report profiles every operation of the run.
	Report Report
}

// Scratch exposes the shared scratch pool allocated at Build, or nil when
// the pipeline was built without one.
func (p *Pipeline) Scratch() *device.ScratchPool { return p.scratch }

// Ops returns the number of operations in the graph.
func (p *Pipeline) Ops() int { return len(p.nodes) }

// Run executes the pipeline: every operation is issued up front and starts
// as soon as its wait set signals, so independent transfers and compute
// overlap. Run blocks until every completion event has signaled, then
// reports the first failure in issue order, if any. On failure no output is
// returned; downstream operations were aborted, not partially applied.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	p.ran = true
	p.mu.Unlock()

	start := time.Now()
	p.issue(ctx)
	err := p.barrier(ctx)
	total := time.Since(start)

	p.observe(ctx, total, err)

	if err != nil {
		return nil, err
	}
	return &Result{
		Outputs: p.outputs,
		Report:  p.report(start, total),
	}, nil
}

// issue walks the graph in topological order and starts every operation
// asynchronously. Nothing here blocks on data movement or compute.
func (p *Pipeline) issue(ctx context.Context) {
	for _, n := range p.nodes {
		waitFor := make([]*device.Event, 0, len(n.deps))
		for _, d := range n.deps {
			waitFor = append(waitFor, d.event)
		}

		switch n.kind {
		case nodeTransfer:
			eng := transfer.NewEngine(p.dev).Add(n.buffers...)
			if n.direction == device.HostToDevice {
				n.event = eng.HostToDevice(ctx, n.label, waitFor...)
			} else {
				n.event = eng.DeviceToHost(ctx, n.label, waitFor...)
			}

		case nodeStage:
			ev, err := n.exec.Run(ctx, waitFor...)
			if err != nil {
				// Only possible on a misused Pipeline; surface it through
				// the event chain like any other failure.
				ev = device.Completed(device.KindInvoke, n.label, err)
			}
			n.event = ev

		case nodeHostStep:
			n.event = runHostStep(ctx, n.label, n.fn, waitFor)
		}
	}
}

func runHostStep(ctx context.Context, label string, fn func(context.Context) error, waitFor []*device.Event) *device.Event {
	ev := device.NewEvent(device.KindHostStep, label)
	go func() {
		if err := device.AwaitUpstream(ctx, waitFor); err != nil {
			ev.Complete(fmt.Errorf("host step %q aborted: %w", label, err))
			return
		}
		ev.MarkStarted()
		ev.Complete(fn(ctx))
	}()
	return ev
}

// barrier waits out every event and reports the first failure in issue
// order. All events signal even on failure, because backends complete
// aborted operations instead of dropping them, so the drain never hangs.
func (p *Pipeline) barrier(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range p.nodes {
		ev := n.event
		g.Go(func() error { return ev.Wait(gctx) })
	}
	err := g.Wait()

	for _, n := range p.nodes {
		<-n.event.Done()
	}
	if err == nil {
		return nil
	}
	for _, n := range p.nodes {
		if opErr := n.event.Err(); opErr != nil {
			return translateError(n.label, opErr)
		}
	}
	return translateError("run", err)
}

// observe feeds the run's per-operation outcomes to the logger and metrics
// collector.
func (p *Pipeline) observe(ctx context.Context, total time.Duration, runErr error) {
	for _, n := range p.nodes {
		_, started, finished := n.event.Times()
		d := finished.Sub(started)
		opErr := n.event.Err()

		switch n.kind {
		case nodeTransfer:
			bytes := 0
			for _, m := range n.buffers {
				bytes += len(m.HostBytes())
			}
			p.opts.logger.LogTransfer(ctx, n.label, bytes, d, opErr)
			p.opts.metricsCollector.RecordTransfer(bytes, d, opErr)
		case nodeStage:
			p.opts.logger.LogInvocation(ctx, n.label, d, opErr)
			p.opts.metricsCollector.RecordInvocation(n.label, d, opErr)
		case nodeHostStep:
			p.opts.logger.LogHostStep(ctx, n.label, d, opErr)
			p.opts.metricsCollector.RecordHostStep(n.label, d, opErr)
		}
	}

	p.opts.logger.LogRun(ctx, len(p.nodes), total, runErr)
	p.opts.metricsCollector.RecordRun(total, runErr)
}

// Reset rearms the pipeline for another run over the same buffers. Host
// inputs are reused as-is; intermediates and outputs are simply overwritten,
// so a repeat run over unchanged inputs yields identical output.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.nodes {
		n.event = nil
		if n.kind != nodeStage {
			continue
		}
		n.exec.Reset()
		// Rebinding cannot fail: the buffer set was validated at Build.
		_ = n.exec.Setup(n.inputs, n.output, n.config, p.scratch)
	}
	p.ran = false
}

// ReportEntry profiles one operation, with timestamps relative to run start.
type ReportEntry struct {
	Label    string
	Kind     device.EventKind
	Queued   time.Duration
	Started  time.Duration
	Finished time.Duration
}

// Duration returns the operation's execution time, excluding queue wait.
func (e ReportEntry) Duration() time.Duration { return e.Finished - e.Started }

// Report profiles a finished run.
type Report struct {
	// Total is the end-to-end wall time of the run.
	Total time.Duration
	// Entries hold one profile per operation, ordered by start time.
	Entries []ReportEntry
}

func (p *Pipeline) report(start time.Time, total time.Duration) Report {
	entries := make([]ReportEntry, 0, len(p.nodes))
	for _, n := range p.nodes {
		queued, started, finished := n.event.Times()
		entries = append(entries, ReportEntry{
			Label:    n.label,
			Kind:     n.event.Kind(),
			Queued:   queued.Sub(start),
			Started:  started.Sub(start),
			Finished: finished.Sub(start),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Started < entries[j].Started
	})
	return Report{Total: total, Entries: entries}
}

// Entry returns the profile for the named operation.
func (r Report) Entry(label string) (ReportEntry, bool) {
	for _, e := range r.Entries {
		if e.Label == label {
			return e, true
		}
	}
	return ReportEntry{}, false
}

// String renders the report as one line per operation.
func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "total %s\n", r.Total)
	for _, e := range r.Entries {
		fmt.Fprintf(&sb, "%-10s %-24s start %10s end %10s span %10s\n",
			e.Kind, e.Label, e.Started, e.Finished, e.Duration())
	}
	return sb.String()
}
