package qpipe

import (
	"context"
	"fmt"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/stage"
)

type nodeKind int

const (
	nodeTransfer nodeKind = iota
	nodeStage
	nodeHostStep
)

// node is one operation in the static dependency graph. Dependency edges
// point at producers, which are always created first, so node order is
// already topological.
type node struct {
	id    int
	kind  nodeKind
	label string

	// transfer
	direction device.Direction
	buffers   []device.Memory

	// stage
	exec   *stage.Executor
	inputs []device.Memory
	output device.Memory
	config device.Memory

	// host step
	fn func(context.Context) error

	deps  []*node
	event *device.Event
}

func (n *node) dependOn(d *node) {
	if d == nil || d == n {
		return
	}
	for _, have := range n.deps {
		if have == d {
			return
		}
	}
	n.deps = append(n.deps, d)
}

type stageSpec struct {
	label  string
	kernel string
	config device.Memory
	output device.Memory
	inputs []device.Memory
}

type hostStepSpec struct {
	label    string
	fn       func(context.Context) error
	produces []device.Memory
}

// Builder wires a static pipeline graph: preloaded buffers, host steps,
// chained stages and the final readback. All structure is declared up front;
// Build validates it and derives each operation's wait set from the data
// flow, so overlap falls out of the graph instead of being wired by hand.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	dev  device.Device
	opts options

	preload   []device.Memory
	steps     []hostStepSpec
	stages    []stageSpec
	readbacks []device.Memory

	err error
}

// NewBuilder creates a pipeline builder for dev.
func NewBuilder(dev device.Device, optFns ...Option) *Builder {
	return &Builder{dev: dev, opts: applyOptions(optFns)}
}

// Preload marks buffers for the eager batch: one host-to-device transfer
// issued at run start with an empty wait set. Stage config blobs are
// preloaded automatically; stage input tables left out of Preload are
// instead transferred mid-run, chained behind the previous host-to-device
// transfer, overlapping whatever compute is in flight.
func (b *Builder) Preload(ms ...device.Memory) *Builder {
	for _, m := range ms {
		if m == nil {
			b.fail("preload", fmt.Errorf("nil buffer"))
			return b
		}
		if !containsMemory(b.preload, m) {
			b.preload = append(b.preload, m)
		}
	}
	return b
}

// HostStep declares a CPU step that fills the host side of the produced
// buffers. The step runs at the start of the pipeline; transfers of its
// products wait on its completion and overlap device compute.
func (b *Builder) HostStep(label string, fn func(context.Context) error, produces ...device.Memory) *Builder {
	if fn == nil {
		b.fail(label, fmt.Errorf("nil step function"))
		return b
	}
	b.steps = append(b.steps, hostStepSpec{label: label, fn: fn, produces: produces})
	return b
}

// Stage appends a kernel invocation to the pipeline. inputs are bound in
// order; output may be an earlier stage's input or output (ping-pong), and
// config is transferred with the preload batch unless it is produced
// elsewhere in the graph.
func (b *Builder) Stage(label, kernel string, config device.Memory, output device.Memory, inputs ...device.Memory) *Builder {
	b.stages = append(b.stages, stageSpec{
		label:  label,
		kernel: kernel,
		config: config,
		output: output,
		inputs: inputs,
	})
	return b
}

// ReadBack marks buffers whose device contents are copied back to the host
// as one batched device-to-host transfer once their producers finish. The
// buffers appear as Result.Outputs in declaration order.
func (b *Builder) ReadBack(ms ...device.Memory) *Builder {
	for _, m := range ms {
		if m == nil {
			b.fail("readback", fmt.Errorf("nil buffer"))
			return b
		}
		if !containsMemory(b.readbacks, m) {
			b.readbacks = append(b.readbacks, m)
		}
	}
	return b
}

func (b *Builder) fail(nodeLabel string, err error) {
	if b.err == nil {
		b.err = &WiringError{Node: nodeLabel, cause: err}
	}
}

// Build validates the declared graph and fixes every operation's minimal
// wait set. After Build the pipeline structure is immutable; only Run moves
// data.
func (b *Builder) Build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.stages) == 0 {
		return nil, ErrNoStages
	}

	g := &graphBuilder{
		dev:        b.dev,
		producedBy: make(map[device.Memory]*node),
		scheduled:  make(map[device.Memory]*node),
		producers:  make(map[device.Memory]*node),
		readers:    make(map[device.Memory][]*node),
	}

	var pool *device.ScratchPool
	if len(b.opts.scratchSizes) > 0 {
		var err error
		pool, err = device.NewScratchPool(b.dev, b.opts.scratchSizes, b.opts.alignment)
		if err != nil {
			return nil, &WiringError{Node: "scratch", cause: err}
		}
	}

	if err := g.addHostSteps(b.steps); err != nil {
		return nil, err
	}
	if err := g.addPreload(b.preload); err != nil {
		return nil, err
	}
	if err := g.addStages(b.stages, pool); err != nil {
		return nil, err
	}
	if err := g.addReadback(b.readbacks); err != nil {
		return nil, err
	}

	reduceDeps(g.nodes)

	return &Pipeline{
		dev:     b.dev,
		opts:    b.opts,
		nodes:   g.nodes,
		scratch: pool,
		outputs: append([]device.Memory(nil), b.readbacks...),
	}, nil
}

// graphBuilder derives the dependency graph from the declared structure.
type graphBuilder struct {
	dev   device.Device
	nodes []*node

	// producedBy maps a buffer to the host step that fills its host side.
	producedBy map[device.Memory]*node
	// scheduled maps a buffer to the transfer that makes it device-resident.
	scheduled map[device.Memory]*node
	// producers maps a buffer to the latest stage that wrote its device side.
	producers map[device.Memory]*node
	// readers collects consumers of a buffer since its last producer, for
	// write-after-read ordering when a table is recycled as an output.
	readers map[device.Memory][]*node

	preloadNode *node
	lastH2D     *node
	lastScratch *node

	labels map[string]struct{}
}

func (g *graphBuilder) newNode(kind nodeKind, label string) (*node, error) {
	if g.labels == nil {
		g.labels = make(map[string]struct{})
	}
	if _, dup := g.labels[label]; dup {
		return nil, &WiringError{Node: label, cause: fmt.Errorf("duplicate label")}
	}
	g.labels[label] = struct{}{}

	n := &node{id: len(g.nodes), kind: kind, label: label}
	g.nodes = append(g.nodes, n)
	return n, nil
}

func (g *graphBuilder) addHostSteps(steps []hostStepSpec) error {
	for _, s := range steps {
		n, err := g.newNode(nodeHostStep, s.label)
		if err != nil {
			return err
		}
		n.fn = s.fn
		for _, m := range s.produces {
			if err := checkAllocated(m); err != nil {
				return &WiringError{Node: s.label, cause: err}
			}
			if prev := g.producedBy[m]; prev != nil {
				return &WiringError{Node: s.label,
					cause: fmt.Errorf("buffer %q already produced by step %q", m.Label(), prev.label)}
			}
			g.producedBy[m] = n
		}
	}
	return nil
}

func (g *graphBuilder) addPreload(preload []device.Memory) error {
	if len(preload) == 0 {
		return nil
	}
	n, err := g.newNode(nodeTransfer, "preload")
	if err != nil {
		return err
	}
	n.direction = device.HostToDevice
	for _, m := range preload {
		if err := checkAllocated(m); err != nil {
			return &WiringError{Node: "preload", cause: err}
		}
		if step := g.producedBy[m]; step != nil {
			return &WiringError{Node: "preload",
				cause: fmt.Errorf("buffer %q is produced by step %q and cannot preload", m.Label(), step.label)}
		}
		n.buffers = append(n.buffers, m)
		g.scheduled[m] = n
	}
	g.preloadNode = n
	g.lastH2D = n
	return nil
}

// ensurePreloaded lazily folds a buffer into the eager batch. Used for
// config blobs, which always preload.
func (g *graphBuilder) ensurePreloaded(m device.Memory) (*node, error) {
	if g.preloadNode == nil {
		n, err := g.newNode(nodeTransfer, "preload")
		if err != nil {
			return nil, err
		}
		n.direction = device.HostToDevice
		g.preloadNode = n
		// Usually the first transfer of the run; when host-to-device
		// traffic already exists, join the DMA chain instead.
		n.dependOn(g.lastH2D)
		g.lastH2D = n
	}
	g.preloadNode.buffers = append(g.preloadNode.buffers, m)
	g.scheduled[m] = g.preloadNode
	return g.preloadNode, nil
}

// resolveInput returns the node that makes m valid in device memory,
// creating a chained host-to-device transfer when nothing moves it yet.
func (g *graphBuilder) resolveInput(m device.Memory, configBlob bool) (*node, error) {
	if err := checkAllocated(m); err != nil {
		return nil, err
	}
	if p := g.producers[m]; p != nil {
		return p, nil
	}
	if t := g.scheduled[m]; t != nil {
		return t, nil
	}
	if configBlob {
		return g.ensurePreloaded(m)
	}

	n, err := g.newNode(nodeTransfer, "h2d "+m.Label())
	if err != nil {
		return nil, err
	}
	n.direction = device.HostToDevice
	n.buffers = []device.Memory{m}
	if step := g.producedBy[m]; step != nil {
		n.dependOn(step)
	}
	// One DMA channel: host-to-device transfers chain behind each other,
	// never behind independent compute.
	n.dependOn(g.lastH2D)
	g.lastH2D = n
	g.scheduled[m] = n
	return n, nil
}

func (g *graphBuilder) addStages(stages []stageSpec, pool *device.ScratchPool) error {
	for _, s := range stages {
		if s.output == nil {
			return &WiringError{Node: s.label, cause: fmt.Errorf("output table required")}
		}
		if err := checkAllocated(s.output); err != nil {
			return &WiringError{Node: s.label, cause: err}
		}
		if containsMemory(s.inputs, s.output) || s.config == s.output {
			return &WiringError{Node: s.label,
				cause: fmt.Errorf("stage reads its own output %q: %w", s.output.Label(), ErrCycle)}
		}

		// Resolve dependencies before creating the stage node so implicit
		// transfers land ahead of the stage in issue order.
		var deps []*node
		if s.config != nil {
			dep, err := g.resolveInput(s.config, true)
			if err != nil {
				return &WiringError{Node: s.label, cause: err}
			}
			deps = append(deps, dep)
		}
		for _, in := range s.inputs {
			dep, err := g.resolveInput(in, false)
			if err != nil {
				return &WiringError{Node: s.label, cause: err}
			}
			deps = append(deps, dep)
		}

		n, err := g.newNode(nodeStage, s.label)
		if err != nil {
			return err
		}
		n.inputs = append([]device.Memory(nil), s.inputs...)
		n.output = s.output
		n.config = s.config
		for _, dep := range deps {
			n.dependOn(dep)
		}
		if s.config != nil {
			g.readers[s.config] = append(g.readers[s.config], n)
		}
		for _, in := range s.inputs {
			g.readers[in] = append(g.readers[in], n)
		}

		// Recycled output: wait out earlier readers and the previous writer
		// before overwriting the device buffer.
		for _, r := range g.readers[s.output] {
			n.dependOn(r)
		}
		n.dependOn(g.producers[s.output])
		n.dependOn(g.scheduled[s.output])
		g.producers[s.output] = n
		g.readers[s.output] = nil

		// Shared scratch has a single writer; serialize its users.
		if pool != nil {
			n.dependOn(g.lastScratch)
			g.lastScratch = n
		}

		exec := stage.NewExecutor(g.dev, s.label, s.kernel)
		if err := exec.Setup(n.inputs, n.output, n.config, pool); err != nil {
			return &WiringError{Node: s.label, cause: err}
		}
		n.exec = exec
	}
	return nil
}

func (g *graphBuilder) addReadback(ms []device.Memory) error {
	if len(ms) == 0 {
		return nil
	}
	n, err := g.newNode(nodeTransfer, "readback")
	if err != nil {
		return err
	}
	n.direction = device.DeviceToHost
	for _, m := range ms {
		if err := checkAllocated(m); err != nil {
			return &WiringError{Node: "readback", cause: err}
		}
		dep := g.producers[m]
		if dep == nil {
			dep = g.scheduled[m]
		}
		if dep == nil {
			return &WiringError{Node: "readback",
				cause: fmt.Errorf("buffer %q is never written on the device", m.Label())}
		}
		n.buffers = append(n.buffers, m)
		n.dependOn(dep)
		g.readers[m] = append(g.readers[m], n)
	}
	return nil
}

func checkAllocated(m device.Memory) error {
	if m == nil {
		return fmt.Errorf("nil buffer")
	}
	if m.HostBytes() == nil {
		return fmt.Errorf("buffer %q: host side not allocated", m.Label())
	}
	if m.DeviceBuffer() == nil {
		return fmt.Errorf("buffer %q: device side not allocated", m.Label())
	}
	return nil
}

func containsMemory(ms []device.Memory, m device.Memory) bool {
	for _, have := range ms {
		if have == m {
			return true
		}
	}
	return false
}

// reduceDeps drops every edge implied by a longer path, leaving the minimal
// wait set that preserves the same ordering. Smaller wait sets are what let
// independent transfers and compute overlap.
func reduceDeps(nodes []*node) {
	for _, n := range nodes {
		if len(n.deps) < 2 {
			continue
		}
		all := n.deps
		kept := make([]*node, 0, len(all))
		for i, d := range all {
			implied := false
			for j, via := range all {
				if i != j && reaches(via, d) {
					implied = true
					break
				}
			}
			if !implied {
				kept = append(kept, d)
			}
		}
		n.deps = kept
	}
}

// reaches reports whether to is an ancestor of from (from transitively
// depends on to). Edges only point at earlier nodes, so the walk terminates.
func reaches(from, to *node) bool {
	for _, d := range from.deps {
		if d == to || reaches(d, to) {
			return true
		}
	}
	return false
}
