package qpipe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/device/simdev"
	"github.com/qpipe/qpipe/table"
	"github.com/qpipe/qpipe/testutil"
)

func depLabels(t *testing.T, p *Pipeline, label string) []string {
	t.Helper()
	for _, n := range p.nodes {
		if n.label != label {
			continue
		}
		labels := make([]string, 0, len(n.deps))
		for _, d := range n.deps {
			labels = append(labels, d.label)
		}
		return labels
	}
	t.Fatalf("no node %q", label)
	return nil
}

func nodeLabels(p *Pipeline) []string {
	labels := make([]string, 0, len(p.nodes))
	for _, n := range p.nodes {
		labels = append(labels, n.label)
	}
	return labels
}

func TestBuildGraphShape(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	a, err := testutil.NewU32Table(dev, "a", []uint32{1, 2, 3})
	require.NoError(t, err)
	b, err := testutil.NewU32Table(dev, "b", []uint32{4, 5, 6})
	require.NoError(t, err)
	t0, err := testutil.NewEmptyU32Table(dev, "t0", 3)
	require.NoError(t, err)
	t1, err := testutil.NewEmptyU32Table(dev, "t1", 3)
	require.NoError(t, err)
	cfg0, err := testutil.NewU32Config(dev, "cfg0", 0)
	require.NoError(t, err)
	cfg1, err := testutil.NewU32Config(dev, "cfg1", 0)
	require.NoError(t, err)

	p, err := NewBuilder(dev).
		Preload(a).
		Stage("s0", "copy", cfg0, t0, a).
		Stage("s1", "add", cfg1, t1, t0, b).
		ReadBack(t1).
		Build()
	require.NoError(t, err)

	// b is not preloaded, so it moves mid-run on the DMA chain, created
	// ahead of the stage that consumes it.
	require.Equal(t, []string{"preload", "s0", "h2d b", "s1", "readback"}, nodeLabels(p))

	// Config blobs fold into the eager batch.
	preload := p.nodes[0]
	require.Equal(t, []device.Memory{a, cfg0, cfg1}, preload.buffers)
	require.Empty(t, depLabels(t, p, "preload"))

	require.Equal(t, []string{"preload"}, depLabels(t, p, "s0"))
	require.Equal(t, []string{"preload"}, depLabels(t, p, "h2d b"))

	// The preload edge on s1 is implied through both s0 and the chained
	// transfer, so reduction strips it.
	require.Equal(t, []string{"s0", "h2d b"}, depLabels(t, p, "s1"))
	require.Equal(t, []string{"s1"}, depLabels(t, p, "readback"))
}

func TestBuildPingPongOrdering(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	a, err := testutil.NewU32Table(dev, "a", []uint32{1, 2, 3})
	require.NoError(t, err)
	t0, err := testutil.NewEmptyU32Table(dev, "t0", 3)
	require.NoError(t, err)
	t1, err := testutil.NewEmptyU32Table(dev, "t1", 3)
	require.NoError(t, err)

	// t0 is s0's output, s1's input, and s2's output again.
	p, err := NewBuilder(dev).
		Preload(a).
		Stage("s0", "copy", nil, t0, a).
		Stage("s1", "copy", nil, t1, t0).
		Stage("s2", "copy", nil, t0, t1).
		ReadBack(t0).
		Build()
	require.NoError(t, err)

	require.Equal(t, []string{"s1"}, depLabels(t, p, "s2"))
	require.Equal(t, []string{"s2"}, depLabels(t, p, "readback"))
}

func TestBuildScratchSerializesStages(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	a, err := testutil.NewU32Table(dev, "a", []uint32{1})
	require.NoError(t, err)
	b, err := testutil.NewU32Table(dev, "b", []uint32{2})
	require.NoError(t, err)
	t0, err := testutil.NewEmptyU32Table(dev, "t0", 1)
	require.NoError(t, err)
	t1, err := testutil.NewEmptyU32Table(dev, "t1", 1)
	require.NoError(t, err)
	t2, err := testutil.NewEmptyU32Table(dev, "t2", 1)
	require.NoError(t, err)

	// s0 and s1 are data-independent; only the shared scratch orders them.
	p, err := NewBuilder(dev, WithScratch(1024)).
		Preload(a, b).
		Stage("s0", "copy", nil, t0, a).
		Stage("s1", "copy", nil, t1, b).
		Stage("s2", "add", nil, t2, t0, t1).
		ReadBack(t2).
		Build()
	require.NoError(t, err)
	require.NotNil(t, p.Scratch())

	// The preload edge is implied through the scratch edge on s0.
	require.Equal(t, []string{"s0"}, depLabels(t, p, "s1"))
	require.Equal(t, []string{"s1"}, depLabels(t, p, "s2"))
}

func TestBuildHostStepTransfer(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	a, err := testutil.NewU32Table(dev, "a", []uint32{1})
	require.NoError(t, err)
	hb, err := testutil.NewEmptyU32Table(dev, "hb", 4)
	require.NoError(t, err)
	t0, err := testutil.NewEmptyU32Table(dev, "t0", 4)
	require.NoError(t, err)

	fill := func(context.Context) error { return nil }

	p, err := NewBuilder(dev).
		Preload(a).
		HostStep("fill", fill, hb).
		Stage("s0", "add", nil, t0, hb, a).
		ReadBack(t0).
		Build()
	require.NoError(t, err)

	require.Empty(t, depLabels(t, p, "fill"))
	require.ElementsMatch(t, []string{"fill", "preload"}, depLabels(t, p, "h2d hb"))
	require.Equal(t, []string{"h2d hb"}, depLabels(t, p, "s0"))
}

func TestBuildErrors(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	a, err := testutil.NewU32Table(dev, "a", []uint32{1})
	require.NoError(t, err)
	t0, err := testutil.NewEmptyU32Table(dev, "t0", 1)
	require.NoError(t, err)

	t.Run("no stages", func(t *testing.T) {
		_, err := NewBuilder(dev).Preload(a).Build()
		require.ErrorIs(t, err, ErrNoStages)
	})

	t.Run("self read", func(t *testing.T) {
		_, err := NewBuilder(dev).
			Stage("s0", "copy", nil, t0, t0).
			Build()
		require.ErrorIs(t, err, ErrCycle)
		var we *WiringError
		require.ErrorAs(t, err, &we)
		require.Equal(t, "s0", we.Node)
	})

	t.Run("duplicate label", func(t *testing.T) {
		t1, err := testutil.NewEmptyU32Table(dev, "t1", 1)
		require.NoError(t, err)
		_, err = NewBuilder(dev).
			Preload(a).
			Stage("s0", "copy", nil, t0, a).
			Stage("s0", "copy", nil, t1, t0).
			ReadBack(t1).
			Build()
		var we *WiringError
		require.ErrorAs(t, err, &we)
	})

	t.Run("unallocated buffer", func(t *testing.T) {
		bare, err := testutil.NewEmptyU32Table(dev, "bare-out", 1)
		require.NoError(t, err)
		bareIn := tableWithoutDevice(t)
		_, err = NewBuilder(dev).
			Stage("s0", "copy", nil, bare, bareIn).
			Build()
		var we *WiringError
		require.ErrorAs(t, err, &we)
	})

	t.Run("readback never written", func(t *testing.T) {
		orphan, err := testutil.NewEmptyU32Table(dev, "orphan", 1)
		require.NoError(t, err)
		out, err := testutil.NewEmptyU32Table(dev, "out", 1)
		require.NoError(t, err)
		_, err = NewBuilder(dev).
			Preload(a).
			Stage("s0", "copy", nil, out, a).
			ReadBack(orphan).
			Build()
		var we *WiringError
		require.ErrorAs(t, err, &we)
		require.Equal(t, "readback", we.Node)
	})

	t.Run("preload of host step product", func(t *testing.T) {
		hb, err := testutil.NewEmptyU32Table(dev, "hb-pre", 1)
		require.NoError(t, err)
		out, err := testutil.NewEmptyU32Table(dev, "out-pre", 1)
		require.NoError(t, err)
		_, err = NewBuilder(dev).
			HostStep("fill", func(context.Context) error { return nil }, hb).
			Preload(hb).
			Stage("s0", "copy", nil, out, hb).
			Build()
		var we *WiringError
		require.ErrorAs(t, err, &we)
		require.Equal(t, "preload", we.Node)
	})
}

func tableWithoutDevice(t *testing.T) device.Memory {
	t.Helper()
	tbl := table.New("bare-in", 1).AddCol("v", 4)
	require.NoError(t, tbl.AllocateHost())
	return tbl
}
