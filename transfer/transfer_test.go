package transfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/device/simdev"
	"github.com/qpipe/qpipe/table"
	"github.com/qpipe/qpipe/transfer"
)

func newTable(t *testing.T, dev device.Device, name string, rows []uint32) *table.Table {
	t.Helper()
	tb := table.New(name, 16).AddCol("k", 4)
	require.NoError(t, tb.AllocateHost())
	require.NoError(t, tb.AllocateDevice(dev, 32))
	for i, v := range rows {
		tb.SetU32(0, i, v)
	}
	require.NoError(t, tb.SetRowCount(len(rows)))
	return tb
}

func TestBatchedTransfer(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()
	ctx := context.Background()

	a := newTable(t, dev, "a", []uint32{1, 2})
	b := newTable(t, dev, "b", []uint32{3})

	eng := transfer.NewEngine(dev)
	eng.Add(a).Add(b)
	assert.Equal(t, 2, eng.Pending())

	ev := eng.HostToDevice(ctx, "preload")
	require.NoError(t, ev.Wait(ctx))
	assert.Equal(t, 0, eng.Pending())

	assert.Equal(t, 2, a.DeviceBuffer().Rows())
	assert.Equal(t, 1, b.DeviceBuffer().Rows())
}

func TestBatchOrderIrrelevant(t *testing.T) {
	// Independent tables produce the same device state regardless of the
	// order they were batched in.
	ctx := context.Background()

	run := func(order []uint32) ([]int, *simdev.Device) {
		dev := simdev.New()
		a := newTable(t, dev, "a", []uint32{1, 2})
		b := newTable(t, dev, "b", []uint32{3, 4, 5})

		eng := transfer.NewEngine(dev)
		if order[0] == 0 {
			eng.Add(a, b)
		} else {
			eng.Add(b, a)
		}
		ev := eng.HostToDevice(ctx, "preload")
		require.NoError(t, ev.Wait(ctx))
		return []int{a.DeviceBuffer().Rows(), b.DeviceBuffer().Rows()}, dev
	}

	got1, dev1 := run([]uint32{0})
	defer dev1.Close()
	got2, dev2 := run([]uint32{1})
	defer dev2.Close()

	assert.Equal(t, got1, got2)
}

func TestEngineReuseAcrossBatches(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()
	ctx := context.Background()

	a := newTable(t, dev, "a", []uint32{1})
	b := newTable(t, dev, "b", []uint32{2})

	eng := transfer.NewEngine(dev)

	first := eng.Add(a).HostToDevice(ctx, "t0")
	second := eng.Add(b).HostToDevice(ctx, "t1", first)

	require.NoError(t, device.WaitAll(ctx, first, second))
	assert.Equal(t, 1, a.DeviceBuffer().Rows())
	assert.Equal(t, 1, b.DeviceBuffer().Rows())
}

func TestEmptyBatchCompletesImmediately(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	eng := transfer.NewEngine(dev)
	ev := eng.HostToDevice(context.Background(), "noop")
	assert.True(t, ev.Signaled())
	assert.NoError(t, ev.Err())
}

func TestUnallocatedBufferFailsEarly(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()

	tb := table.New("t", 4).AddCol("k", 4) // never allocated

	eng := transfer.NewEngine(dev)
	ev := eng.Add(tb).HostToDevice(context.Background(), "h2d")

	require.True(t, ev.Signaled())
	var te *device.TransferError
	assert.ErrorAs(t, ev.Err(), &te)
}

func TestTransferHonorsWaitSet(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()
	ctx := context.Background()

	tb := newTable(t, dev, "t", []uint32{1})
	gate := device.NewEvent(device.KindHostStep, "gate")

	eng := transfer.NewEngine(dev)
	ev := eng.Add(tb).HostToDevice(ctx, "h2d", gate)

	time.Sleep(10 * time.Millisecond)
	assert.False(t, ev.Signaled())

	gate.Complete(nil)
	require.NoError(t, ev.Wait(ctx))
}

func TestReadbackUpdatesRowCount(t *testing.T) {
	dev := simdev.New()
	defer dev.Close()
	ctx := context.Background()

	tb := newTable(t, dev, "t", []uint32{7, 8, 9})

	eng := transfer.NewEngine(dev)
	up := eng.Add(tb).HostToDevice(ctx, "h2d")
	require.NoError(t, up.Wait(ctx))

	// Simulate a kernel shrinking the logical row count on device.
	tb.DeviceBuffer().SetRows(1)

	down := eng.Add(tb).DeviceToHost(ctx, "d2h", up)
	require.NoError(t, down.Wait(ctx))
	assert.Equal(t, 1, tb.RowCount())
}
