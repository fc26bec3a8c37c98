package stage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/device/simdev"
	"github.com/qpipe/qpipe/stage"
	"github.com/qpipe/qpipe/table"
)

func newTable(t *testing.T, dev device.Device, name string) *table.Table {
	t.Helper()
	tb := table.New(name, 8).AddCol("k", 4)
	require.NoError(t, tb.AllocateHost())
	require.NoError(t, tb.AllocateDevice(dev, 32))
	return tb
}

func passthrough(cfg []byte, in []simdev.Span, out *simdev.Span, scratch [][]byte) error {
	copy(out.Bytes, in[0].Bytes)
	out.Rows = in[0].Rows
	return nil
}

func TestLifecycle(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()
	ctx := context.Background()
	dev.RegisterKernel("copy", passthrough)

	in := newTable(t, dev, "in")
	out := newTable(t, dev, "out")

	x := stage.NewExecutor(dev, "s0", "copy")
	assert.Equal(t, stage.Unconfigured, x.State())

	// Run before Setup is a bug.
	_, err := x.Run(ctx)
	assert.ErrorIs(t, err, stage.ErrNotBound)

	require.NoError(t, x.Setup([]device.Memory{in}, out, nil, nil))
	assert.Equal(t, stage.Bound, x.State())

	// Binding twice is a bug.
	assert.ErrorIs(t, x.Setup([]device.Memory{in}, out, nil, nil), stage.ErrAlreadyBound)

	gate := device.NewEvent(device.KindHostStep, "gate")
	ev, err := x.Run(ctx, gate)
	require.NoError(t, err)
	assert.Equal(t, stage.Queued, x.State())

	gate.Complete(nil)
	require.NoError(t, ev.Wait(ctx))
	assert.Equal(t, stage.Completed, x.State())
	assert.Same(t, ev, x.Event())
}

func TestSingleInvocation(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()
	ctx := context.Background()
	dev.RegisterKernel("copy", passthrough)

	in := newTable(t, dev, "in")
	out := newTable(t, dev, "out")

	x := stage.NewExecutor(dev, "s0", "copy")
	require.NoError(t, x.Setup([]device.Memory{in}, out, nil, nil))

	ev, err := x.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, ev.Wait(ctx))

	// Re-running without re-setup is undefined; we reject it.
	_, err = x.Run(ctx)
	assert.ErrorIs(t, err, stage.ErrAlreadyRun)
}

func TestResetAllowsReuse(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()
	ctx := context.Background()
	dev.RegisterKernel("copy", passthrough)

	in := newTable(t, dev, "in")
	out := newTable(t, dev, "out")

	x := stage.NewExecutor(dev, "s0", "copy")
	require.NoError(t, x.Setup([]device.Memory{in}, out, nil, nil))
	ev, err := x.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, ev.Wait(ctx))

	x.Reset()
	assert.Equal(t, stage.Unconfigured, x.State())

	require.NoError(t, x.Setup([]device.Memory{in}, out, nil, nil))
	ev, err = x.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, ev.Wait(ctx))
}

func TestRunningState(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()
	ctx := context.Background()

	release := make(chan struct{})
	dev.RegisterKernel("slow", func(cfg []byte, in []simdev.Span, out *simdev.Span, scratch [][]byte) error {
		<-release
		out.Rows = 0
		return nil
	})

	in := newTable(t, dev, "in")
	out := newTable(t, dev, "out")

	x := stage.NewExecutor(dev, "s0", "slow")
	require.NoError(t, x.Setup([]device.Memory{in}, out, nil, nil))

	ev, err := x.Run(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return x.State() == stage.Running },
		time.Second, time.Millisecond)

	close(release)
	require.NoError(t, ev.Wait(ctx))
	assert.Equal(t, stage.Completed, x.State())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "unconfigured", stage.Unconfigured.String())
	assert.Equal(t, "bound", stage.Bound.String())
	assert.Equal(t, "queued", stage.Queued.String())
	assert.Equal(t, "running", stage.Running.String())
	assert.Equal(t, "completed", stage.Completed.String())
}

func TestSetupRequiresOutput(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	x := stage.NewExecutor(dev, "s0", "copy")
	err := x.Setup(nil, nil, nil, nil)
	assert.Error(t, err)
}
